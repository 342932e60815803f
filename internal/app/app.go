// Package app assembles the tutoring core from configuration: stores, the
// quota ledger, provider adapters, the event bus, the classroom and the
// background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doubtdesk/teacher-core/config"
	"github.com/doubtdesk/teacher-core/internal/application/classroom"
	"github.com/doubtdesk/teacher-core/internal/application/command"
	"github.com/doubtdesk/teacher-core/internal/application/eventhandler"
	"github.com/doubtdesk/teacher-core/internal/application/lesson"
	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/application/query"
	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/messaging"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/metrics"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/guard"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/scheduler"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/scheduler/jobs"
	apihttp "github.com/doubtdesk/teacher-core/internal/interface/http"
	"github.com/doubtdesk/teacher-core/pkg/circuitbreaker"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "teacher"

// App is the assembled core. Build one with New and release it with Close.
type App struct {
	Config *config.Config

	Metrics   *metrics.Metrics
	Health    *apihttp.HealthChecker
	Ledger    *quota.Ledger
	Providers media.Providers
	Guard     *guard.Guard

	Classroom    *classroom.Manager
	ChatTurns    *command.HandleChatTurnHandler
	Usage        *query.GetUsageHandler
	SessionState *query.GetSessionStateHandler

	Bus        *messaging.EventBus
	Dispatcher *messaging.Dispatcher
	Scheduler  *scheduler.Scheduler

	logger  *slog.Logger
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New builds the core described by cfg. On error every resource opened so
// far is released.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config: cfg,
		logger: logger.With("component", "app"),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// METRICS & HEALTH
	// ─────────────────────────────────────────────────────────────────────────
	a.Metrics = metrics.New(MetricsNamespace)
	a.Health = apihttp.NewHealthChecker(cfg.App.Version)

	// ─────────────────────────────────────────────────────────────────────────
	// STORES
	// ─────────────────────────────────────────────────────────────────────────
	st, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// QUOTA LEDGER
	// ─────────────────────────────────────────────────────────────────────────
	plans, err := PlanTable(cfg.Quota)
	if err != nil {
		return nil, err
	}
	loc := cfg.App.Location
	a.Ledger = quota.NewLedger(st.quota, st.plans, quota.LedgerConfig{
		Plans:    plans,
		Now:      func() time.Time { return time.Now().In(loc) },
		Logger:   logger,
		Observer: a.Metrics,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// PROVIDERS
	// ─────────────────────────────────────────────────────────────────────────
	var raw media.Providers
	if o.providers != nil {
		raw = *o.providers
	} else if raw, err = buildProviders(ctx, cfg.Providers, logger); err != nil {
		return nil, err
	}
	a.Guard = guard.New(guard.Config{
		MaxRetries:       cfg.Providers.MaxRetries,
		RetryBaseDelay:   cfg.Providers.RetryBaseDelay,
		RetryMaxDelay:    cfg.Providers.RetryMaxDelay,
		BreakerThreshold: cfg.Providers.CircuitBreakerThreshold,
		BreakerTimeout:   cfg.Providers.CircuitBreakerTimeout,
		OnStateChange:    a.Metrics.BreakerChanged,
		Logger:           logger,
	})
	a.Providers = a.Guard.Wrap(raw)
	for _, name := range []string{
		media.ProviderSpeechSynthesis,
		media.ProviderVideoRendering,
		media.ProviderSpeechRecognition,
		media.ProviderContent,
	} {
		breaker := a.Guard.Breaker(name)
		a.Health.AddSoftCheck("breaker."+name, func(context.Context) error {
			if breaker.State() == circuitbreaker.StateOpen {
				return errors.New("circuit open")
			}
			return nil
		})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	a.Bus = messaging.NewEventBus(messaging.EventBusConfig{
		Logger:   logger,
		Observer: a.Metrics,
	})
	a.addCloser("event bus", a.Bus.Close)

	a.Dispatcher = messaging.NewDispatcher(messaging.DispatcherConfig{
		EventBus:            a.Bus,
		DeadLetterQueueSize: 500,
		Logger:              logger,
	})
	a.Dispatcher.Use(messaging.LoggingMiddleware(logger))

	ended := eventhandler.NewOnSessionEndedHandler(st.recaps, st.snapshots, logger, eventhandler.DefaultSessionEndedConfig())
	if err := a.Dispatcher.Register(shared.EventSessionEnded, "on_session_ended", ended.Handle); err != nil {
		return nil, err
	}
	changed := eventhandler.NewOnStateChangedHandler(st.snapshots, logger)
	if err := a.Dispatcher.Register(shared.EventSessionStateChanged, "on_state_changed", changed.Handle); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// CLASSROOM
	// ─────────────────────────────────────────────────────────────────────────
	orchCfg := orchestrator.Config{
		AccrualInterval: cfg.Teaching.AccrualInterval,
		Language:        cfg.Teaching.DefaultLanguage,
		SetupTimeout:    cfg.Teaching.SetupTimeout,
		ControlTimeout:  cfg.Teaching.ControlTimeout,
		TeardownTimeout: cfg.Teaching.TeardownTimeout,
	}
	factory := func() *orchestrator.Orchestrator {
		return orchestrator.New(orchestrator.Deps{
			Synthesizer: a.Providers.Synthesizer,
			Renderer:    a.Providers.Renderer,
			Recognizer:  a.Providers.Recognizer,
			Meter:       a.Ledger,
			Publisher:   a.Bus,
			Observer:    a.Metrics,
			Logger:      logger,
		}, orchCfg)
	}
	tutor := lesson.NewTutor(a.Providers.Content, a.Providers.Assessor, lesson.Config{
		MaxRemediations: cfg.Teaching.MaxRemediations,
		Remediation:     cfg.Features.Enabled(config.FeatureTeachingRemediation, ""),
		IncludePractice: cfg.Features.Enabled(config.FeatureTeachingPractice, ""),
		ContentTimeout:  cfg.Teaching.ContentTimeout,
	}, logger)
	a.Classroom = classroom.NewManager(factory, tutor, logger)
	a.Metrics.TrackLiveSessions(MetricsNamespace, a.Classroom.Count)

	// ─────────────────────────────────────────────────────────────────────────
	// COMMANDS & QUERIES
	// ─────────────────────────────────────────────────────────────────────────
	a.ChatTurns = command.NewHandleChatTurnHandler(
		a.Ledger,
		a.Classroom,
		a.Providers.Content,
		cfg.Features,
		a.Bus,
		logger,
		command.HandleChatTurnHandlerConfig{ContentTimeout: cfg.Teaching.ContentTimeout},
	)
	a.Usage = query.NewGetUsageHandler(a.Ledger, st.recaps, logger)
	a.SessionState = query.NewGetSessionStateHandler(a.Classroom, st.snapshots, logger)

	// ─────────────────────────────────────────────────────────────────────────
	// SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	a.Scheduler = scheduler.New(scheduler.Config{
		Logger:            logger,
		Location:          loc,
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		JobTimeout:        cfg.Scheduler.JobTimeout,
		Observer:          a.Metrics,
	})
	reaper := jobs.NewReapIdleSessionsJob(a.Classroom, logger, jobs.ReapIdleSessionsConfig{IdleTTL: cfg.Teaching.IdleTTL})
	if err := a.Scheduler.Register(reaper, scheduler.Every(cfg.Scheduler.ReapIdleInterval)); err != nil {
		return nil, fmt.Errorf("register reaper: %w", err)
	}
	if st.purger != nil && cfg.Quota.RetainFor > 0 {
		cron, err := scheduler.ParseCron(cfg.Scheduler.PurgeCron)
		if err != nil {
			return nil, fmt.Errorf("SCHEDULER_PURGE_CRON: %w", err)
		}
		purge := jobs.NewPurgeQuotaRecordsJob(st.purger, logger, jobs.PurgeQuotaRecordsConfig{RetainFor: cfg.Quota.RetainFor})
		if err := a.Scheduler.Register(purge, cron); err != nil {
			return nil, fmt.Errorf("register purge: %w", err)
		}
	}

	a.logger.Info("core assembled",
		"quota_backend", cfg.Quota.Backend,
		"provider_mode", cfg.Providers.Mode,
		"default_plan", cfg.Quota.DefaultPlan,
	)
	return a, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// HandleChatTurn routes one chat message, filling in the default teacher.
func (a *App) HandleChatTurn(ctx context.Context, cmd command.HandleChatTurnCommand) (*command.HandleChatTurnResult, error) {
	if strings.TrimSpace(cmd.Teacher) == "" {
		cmd.Teacher = a.Config.Teaching.DefaultTeacher
	}
	return a.ChatTurns.Handle(ctx, cmd)
}

// Listen forwards microphone audio to the user's live session.
func (a *App) Listen(ctx context.Context, userID shared.UserID, chunk []byte) (media.Transcript, error) {
	if !a.Config.Features.Enabled(config.FeatureTeachingVoiceInput, userID.String()) {
		return media.Transcript{}, shared.NewDomainError("app", "Listen", shared.ErrInvalidState, "voice input is disabled")
	}
	room, ok := a.Classroom.ActiveFor(userID)
	if !ok {
		return media.Transcript{}, shared.ErrSessionNotFound
	}
	return room.Session.Listen(ctx, chunk)
}

// Start launches background jobs when the scheduler is enabled.
func (a *App) Start(ctx context.Context) error {
	if !a.Config.Scheduler.Enabled {
		a.logger.Info("scheduler disabled")
		return nil
	}
	return a.Scheduler.Start(ctx)
}

// Shutdown ends every live session and stops background jobs. Resources
// stay open until Close so that final events can still be stored.
func (a *App) Shutdown(ctx context.Context) {
	if n := a.Classroom.EndAll(ctx); n > 0 {
		a.logger.Info("ended sessions on shutdown", "count", n)
	}
	if a.Scheduler.IsRunning() {
		_ = a.Scheduler.Stop()
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		a.logger.Debug("closing", "resource", c.name)
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}
