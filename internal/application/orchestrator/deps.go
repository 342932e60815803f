package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// Meter is the part of the quota ledger a session needs.
type Meter interface {
	CheckAndReserve(ctx context.Context, userID shared.UserID, resource quota.Resource, amount float64) (quota.Decision, error)
	UsageOf(ctx context.Context, userID shared.UserID, resource quota.Resource) (quota.Usage, error)
}

// Observer receives session outcomes for metrics. All methods must be cheap
// and non-blocking. ProviderError may be called with the session lock held
// while End tears providers down; every other call happens after the lock is
// released.
type Observer interface {
	SessionStarted()
	SessionEnded(reason teaching.EndReason, minutes float64)
	StartFailed(provider string)
	Utterance(step teaching.Step, outcome string, duration time.Duration)
	Interrupted()
	ProviderError(provider, op string)
	MinutesAccrued(minutes float64)
}

// Utterance outcomes reported to Observer.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

type nopObserver struct{}

func (nopObserver) SessionStarted() {}
func (nopObserver) SessionEnded(teaching.EndReason, float64) {}
func (nopObserver) StartFailed(string) {}
func (nopObserver) Utterance(teaching.Step, string, time.Duration) {}
func (nopObserver) Interrupted() {}
func (nopObserver) ProviderError(string, string) {}
func (nopObserver) MinutesAccrued(float64) {}

// Clock abstracts time for the accrual ticker.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the session uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// Config holds orchestrator configuration.
type Config struct {
	// AccrualInterval between minute reservations. Default: 1s.
	AccrualInterval time.Duration

	// Language for speech recognition when the student context has none.
	// Default: "en-IN".
	Language string

	// SetupTimeout bounds provider session creation. Default: 10s.
	SetupTimeout time.Duration

	// ControlTimeout bounds fire-and-forget control calls such as
	// SetExpression and Pause. Default: 2s.
	ControlTimeout time.Duration

	// TeardownTimeout bounds each End call on a provider. Default: 5s.
	TeardownTimeout time.Duration

	// MeterTimeout bounds one accrual reservation. Default: 2s.
	MeterTimeout time.Duration
}

// DefaultConfig returns the defaults listed on Config.
func DefaultConfig() Config {
	return Config{
		AccrualInterval: time.Second,
		Language:        "en-IN",
		SetupTimeout:    10 * time.Second,
		ControlTimeout:  2 * time.Second,
		TeardownTimeout: 5 * time.Second,
		MeterTimeout:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AccrualInterval <= 0 {
		c.AccrualInterval = d.AccrualInterval
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = d.SetupTimeout
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = d.ControlTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.MeterTimeout <= 0 {
		c.MeterTimeout = d.MeterTimeout
	}
	return c
}

// Deps are the collaborators of one session.
type Deps struct {
	Synthesizer media.SpeechSynthesizer
	Renderer    media.VideoRenderer
	Recognizer  media.SpeechRecognizer

	Meter     Meter
	Publisher shared.EventPublisher

	// Optional.
	Observer Observer
	Logger   *slog.Logger
	Clock    Clock
}
