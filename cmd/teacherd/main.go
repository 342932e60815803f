// Package main is the Teacher Mode daemon.
//
// It assembles the tutoring core (quota ledger, provider adapters, event
// bus, classroom and background jobs) and serves the operational endpoints:
// liveness, readiness and Prometheus metrics. On SIGINT or SIGTERM every
// live teaching session is ended before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/doubtdesk/teacher-core/config"
	"github.com/doubtdesk/teacher-core/internal/app"
	apihttp "github.com/doubtdesk/teacher-core/internal/interface/http"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

func main() {
	ctx := context.Background()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "teacherd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. LOAD CONFIG
	// ─────────────────────────────────────────────────────────────────────────
	// A missing .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.Setup(logger.Options{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.LogFormat,
		Service: cfg.App.Name,
		Version: cfg.App.Version,
	})

	log.Info("starting Teacher Mode daemon",
		"env", cfg.App.Environment,
		"timezone", cfg.App.Timezone,
		"quota_backend", cfg.Quota.Backend,
		"provider_mode", cfg.Providers.Mode,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ASSEMBLE CORE
	// ─────────────────────────────────────────────────────────────────────────
	core, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to assemble core: %w", err)
	}
	defer func() {
		log.Info("releasing resources...")
		if err := core.Close(); err != nil {
			log.Error("failed to release resources", "error", err)
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. BACKGROUND JOBS
	// ─────────────────────────────────────────────────────────────────────────
	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()

	if err := core.Start(jobsCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. OPERATIONAL HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	deps := apihttp.Dependencies{
		Health:       core.Health,
		LiveSessions: core.Classroom.Count,
		Logger:       log,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = core.Metrics.Handler()
	}
	server := apihttp.NewServer(apihttp.Config{
		Addr:        cfg.App.HTTPAddr,
		MetricsPath: cfg.Observability.MetricsPath,
	}, deps)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info("Teacher Mode daemon is running", "http_address", server.Address())

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		log.Error("http server failed", "error", err)
		runErr = err
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// Sessions first, so their final minutes and recaps are recorded while
	// stores and the bus are still open.
	core.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", "error", err)
		runErr = errors.Join(runErr, err)
	}

	logShutdown(log, runErr)
	return runErr
}

func logShutdown(log *slog.Logger, err error) {
	if err != nil {
		log.Warn("shutdown completed with errors")
		return
	}
	log.Info("shutdown completed successfully")
}
