// Package eventhandler contains domain event subscribers. They run on the
// event bus workers, away from the session that published the event, and
// carry the side effects a session should not wait for: persisting recaps
// and publishing state to other instances.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/pkg/retry"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SESSION ENDED HANDLER
// Persists the recap of every finished session and drops its cached
// snapshot once the final state has been written.
// ═══════════════════════════════════════════════════════════════════════════

// OnSessionEndedHandler stores recaps.
type OnSessionEndedHandler struct {
	recaps  teaching.RecapRepository
	cache   teaching.SnapshotCache
	retrier *retry.Retrier
	logger  *slog.Logger

	config SessionEndedConfig
}

// SessionEndedConfig contains handler configuration.
type SessionEndedConfig struct {
	// SaveTimeout bounds the whole save including retries.
	SaveTimeout time.Duration

	// SkipStartFailures drops recaps of sessions that never started teaching.
	SkipStartFailures bool
}

// DefaultSessionEndedConfig returns the default configuration.
func DefaultSessionEndedConfig() SessionEndedConfig {
	return SessionEndedConfig{
		SaveTimeout:       5 * time.Second,
		SkipStartFailures: true,
	}
}

// NewOnSessionEndedHandler creates the handler. cache may be nil.
func NewOnSessionEndedHandler(
	recaps teaching.RecapRepository,
	cache teaching.SnapshotCache,
	logger *slog.Logger,
	config SessionEndedConfig,
) *OnSessionEndedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SaveTimeout <= 0 {
		config.SaveTimeout = DefaultSessionEndedConfig().SaveTimeout
	}
	return &OnSessionEndedHandler{
		recaps:  recaps,
		cache:   cache,
		retrier: retry.StoreRetrier(retryableStoreError),
		logger:  logger.With("handler", "on_session_ended"),
		config:  config,
	}
}

// Handle implements shared.EventHandler.
func (h *OnSessionEndedHandler) Handle(event shared.Event) error {
	ended, ok := event.(teaching.SessionEndedEvent)
	if !ok {
		h.logger.Warn("received non-SessionEndedEvent",
			"event_type", event.EventType(),
		)
		return nil
	}
	recap := ended.Recap

	if h.config.SkipStartFailures && recap.Reason == teaching.EndStartFailed {
		h.logger.Debug("skipping recap of failed start",
			"session_id", recap.SessionID,
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.SaveTimeout)
	defer cancel()

	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		return h.recaps.SaveRecap(ctx, recap)
	})
	if err != nil {
		h.logger.Error("failed to save recap",
			"session_id", recap.SessionID,
			"user_id", recap.UserID,
			"error", err,
		)
		return fmt.Errorf("save recap: %w", err)
	}

	h.logger.Info("recap saved",
		"session_id", recap.SessionID,
		"user_id", recap.UserID,
		"total_minutes", recap.TotalMinutes,
		"reason", recap.Reason,
		"steps", len(recap.StepsCompleted),
	)

	if h.cache != nil {
		if err := h.cache.Delete(ctx, recap.SessionID); err != nil {
			h.logger.Warn("failed to drop cached snapshot",
				"session_id", recap.SessionID,
				"error", err,
			)
		}
	}
	return nil
}

// retryableStoreError retries anything but validation failures and an
// expired deadline.
func retryableStoreError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !shared.IsValidation(err)
}
