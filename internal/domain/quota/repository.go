package quota

import (
	"context"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// Store persists counters. Implementations live in the infrastructure layer.
type Store interface {
	// Reserve adds amount to the counter at key if the result stays within
	// limit, creating the record when absent. The check and the increment
	// must be a single atomic step: concurrent callers may never jointly
	// push the counter past the ceiling. A refused reservation leaves the
	// counter unchanged.
	Reserve(ctx context.Context, key Key, amount float64, limit Limit) (Reservation, error)

	// Load returns the counter at key, or a zero Record when none exists.
	Load(ctx context.Context, key Key) (Record, error)
}

// Purger is implemented by stores that can drop records of finished periods.
type Purger interface {
	// PurgeExpired deletes records whose period rolled over before cutoff and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PlanDirectory resolves which tier a user is on.
type PlanDirectory interface {
	PlanFor(ctx context.Context, userID shared.UserID) (Plan, error)
}

// StaticPlans resolves tiers from a fixed map, defaulting to Default.
type StaticPlans struct {
	Default Plan
	Users   map[shared.UserID]Plan
}

// PlanFor implements PlanDirectory.
func (s StaticPlans) PlanFor(_ context.Context, userID shared.UserID) (Plan, error) {
	if p, ok := s.Users[userID]; ok {
		return p, nil
	}
	if s.Default == "" {
		return PlanFree, nil
	}
	return s.Default, nil
}
