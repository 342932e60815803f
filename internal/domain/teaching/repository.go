package teaching

import (
	"context"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// RecapRepository stores the summaries of finished sessions.
type RecapRepository interface {
	// SaveRecap stores a recap. Saving the same session twice is a no-op.
	SaveRecap(ctx context.Context, recap Recap) error

	// RecapsFor returns a user's recaps, newest first, at most limit.
	RecapsFor(ctx context.Context, userID shared.UserID, limit int) ([]Recap, error)

	// MinutesSince sums TotalMinutes for recaps that ended at or after since.
	MinutesSince(ctx context.Context, userID shared.UserID, since time.Time) (float64, error)
}

// SnapshotCache holds the latest snapshot of each session so that other
// processes can read session state. Put must ignore a snapshot whose Version
// is not newer than the stored one.
type SnapshotCache interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id shared.SessionID) (Snapshot, error)
	Delete(ctx context.Context, id shared.SessionID) error
}
