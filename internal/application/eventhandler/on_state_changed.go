package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON STATE CHANGED HANDLER
// Mirrors session snapshots into the shared cache so any instance can answer
// "what is this session doing". Older versions never overwrite newer ones;
// the cache enforces that.
// ═══════════════════════════════════════════════════════════════════════════

// OnStateChangedHandler writes snapshots to the cache.
type OnStateChangedHandler struct {
	cache   teaching.SnapshotCache
	logger  *slog.Logger
	timeout time.Duration
}

// NewOnStateChangedHandler creates the handler.
func NewOnStateChangedHandler(cache teaching.SnapshotCache, logger *slog.Logger) *OnStateChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnStateChangedHandler{
		cache:   cache,
		logger:  logger.With("handler", "on_state_changed"),
		timeout: 2 * time.Second,
	}
}

// Handle implements shared.EventHandler. Cache failures are logged and
// swallowed; a missed snapshot is replaced by the next one.
func (h *OnStateChangedHandler) Handle(event shared.Event) error {
	changed, ok := event.(teaching.StateChangedEvent)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.Put(ctx, changed.Snapshot); err != nil {
		h.logger.Warn("failed to cache snapshot",
			"session_id", changed.Snapshot.SessionID,
			"version", changed.Snapshot.Version,
			"error", err,
		)
	}
	return nil
}
