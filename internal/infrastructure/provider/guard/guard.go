// Package guard wraps provider adapters with retries and circuit breakers.
//
// Guarded calls are session opens, utterance starts, content generation and
// answer assessment. Audio chunks, expression changes, cancellation and
// teardown pass straight through.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/pkg/circuitbreaker"
	"github.com/doubtdesk/teacher-core/pkg/retry"
)

// Config tunes retries and breakers. Zero values take the package presets.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	BreakerThreshold int
	BreakerTimeout   time.Duration

	// OnStateChange observes every breaker transition, e.g. for metrics.
	OnStateChange func(name string, from, to circuitbreaker.State)

	Logger *slog.Logger
}

// Guard holds one breaker per provider.
type Guard struct {
	retrier  *retry.Retrier
	breakers map[string]*circuitbreaker.CircuitBreaker
	logger   *slog.Logger
}

// New creates a Guard.
func New(config Config) *Guard {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	logger := config.Logger.With("component", "provider_guard")

	onChange := func(name string, from, to circuitbreaker.State) {
		logger.Warn("provider breaker changed state",
			"provider", name,
			"from", from.String(),
			"to", to.String(),
		)
		if config.OnStateChange != nil {
			config.OnStateChange(name, from, to)
		}
	}

	var retrier *retry.Retrier
	if config.MaxRetries > 0 {
		retrier = retry.New(
			retry.WithMaxAttempts(config.MaxRetries+1),
			retry.WithInitialDelay(config.RetryBaseDelay),
			retry.WithMaxDelay(config.RetryMaxDelay),
			retry.WithMultiplier(2.0),
			retry.WithJitter(0.2),
			retry.WithRetryIf(Retryable),
		)
	} else {
		retrier = retry.ProviderRetrier(Retryable)
	}

	g := &Guard{
		retrier:  retrier,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		logger:   logger,
	}
	for _, name := range []string{
		media.ProviderSpeechSynthesis,
		media.ProviderVideoRendering,
		media.ProviderSpeechRecognition,
		media.ProviderContent,
	} {
		g.breakers[name] = circuitbreaker.ProviderBreaker(name, config.BreakerThreshold, config.BreakerTimeout, onChange)
	}
	return g
}

// Retryable reports whether a provider error is worth another attempt.
// Breaker rejections, caller cancellation and bad input are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case circuitbreaker.IsRejected(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, shared.ErrInvalidInput):
		return false
	}
	return true
}

// Breaker returns the breaker guarding provider.
func (g *Guard) Breaker(provider string) *circuitbreaker.CircuitBreaker {
	return g.breakers[provider]
}

// Wrap returns p with every guarded call routed through g. Nil members stay
// nil.
func (g *Guard) Wrap(p media.Providers) media.Providers {
	out := media.Providers{}
	if p.Synthesizer != nil {
		out.Synthesizer = &synthesizer{SpeechSynthesizer: p.Synthesizer, g: g}
	}
	if p.Renderer != nil {
		out.Renderer = &renderer{VideoRenderer: p.Renderer, g: g}
	}
	if p.Recognizer != nil {
		out.Recognizer = &recognizer{SpeechRecognizer: p.Recognizer, g: g}
	}
	if p.Content != nil {
		out.Content = &content{ContentGenerator: p.Content, g: g}
	}
	if p.Assessor != nil {
		out.Assessor = &assessor{Assessor: p.Assessor, g: g}
	}
	return out
}

// do runs op under the provider's breaker, retrying per attempt. A breaker
// rejection is reported as the provider being unavailable.
func do[T any](ctx context.Context, g *Guard, provider, op string, fn func(context.Context) (T, error)) (T, error) {
	breaker := g.breakers[provider]
	attempt := 0
	result, err := retry.DoWithData(ctx, g.retrier, func(ctx context.Context) (T, error) {
		attempt++
		if attempt > 1 {
			g.logger.Debug("retrying provider call", "provider", provider, "operation", op, "attempt", attempt)
		}
		var out T
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			out, callErr = fn(ctx)
			return callErr
		})
		return out, err
	})
	if err != nil && circuitbreaker.IsRejected(err) {
		var zero T
		return zero, shared.NewProviderUnavailable(provider, op, err)
	}
	return result, err
}

// ══════════════════════════════════════════════════════════════════════════════
// WRAPPERS
// ══════════════════════════════════════════════════════════════════════════════

type synthesizer struct {
	media.SpeechSynthesizer
	g *Guard
}

func (s *synthesizer) Create(ctx context.Context, voice media.VoiceProfile) (media.SynthHandle, error) {
	return do(ctx, s.g, media.ProviderSpeechSynthesis, "Create", func(ctx context.Context) (media.SynthHandle, error) {
		return s.SpeechSynthesizer.Create(ctx, voice)
	})
}

// Synthesize is breaker-guarded but not retried: a half-sent utterance must
// not be spoken twice.
func (s *synthesizer) Synthesize(ctx context.Context, h media.SynthHandle, text string, tone teaching.Tone) (*media.AudioStream, error) {
	breaker := s.g.breakers[media.ProviderSpeechSynthesis]
	var stream *media.AudioStream
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stream, err = s.SpeechSynthesizer.Synthesize(ctx, h, text, tone)
		return err
	})
	if err != nil && circuitbreaker.IsRejected(err) {
		return nil, shared.NewProviderUnavailable(media.ProviderSpeechSynthesis, "Synthesize", err)
	}
	return stream, err
}

type renderer struct {
	media.VideoRenderer
	g *Guard
}

func (r *renderer) Create(ctx context.Context, face media.FaceProfile) (media.RenderHandle, error) {
	return do(ctx, r.g, media.ProviderVideoRendering, "Create", func(ctx context.Context) (media.RenderHandle, error) {
		return r.VideoRenderer.Create(ctx, face)
	})
}

type recognizer struct {
	media.SpeechRecognizer
	g *Guard
}

func (r *recognizer) Create(ctx context.Context, language string) (media.RecognizerHandle, error) {
	return do(ctx, r.g, media.ProviderSpeechRecognition, "Create", func(ctx context.Context) (media.RecognizerHandle, error) {
		return r.SpeechRecognizer.Create(ctx, language)
	})
}

type content struct {
	media.ContentGenerator
	g *Guard
}

func (c *content) Generate(ctx context.Context, req media.ContentRequest) (string, error) {
	return do(ctx, c.g, media.ProviderContent, "Generate", func(ctx context.Context) (string, error) {
		return c.ContentGenerator.Generate(ctx, req)
	})
}

type assessor struct {
	media.Assessor
	g *Guard
}

func (a *assessor) Assess(ctx context.Context, req media.AssessRequest) (media.Assessment, error) {
	return do(ctx, a.g, media.ProviderContent, "Assess", func(ctx context.Context) (media.Assessment, error) {
		return a.Assessor.Assess(ctx, req)
	})
}
