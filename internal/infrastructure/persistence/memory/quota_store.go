// Package memory provides process-local stores. They back single-instance
// deployments and every package test that needs a real quota.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
)

// QuotaStore keeps counters in a map guarded by one mutex; the check and the
// increment happen under the same lock.
type QuotaStore struct {
	mu      sync.Mutex
	records map[quota.Key]quota.Record
	now     func() time.Time
}

// NewQuotaStore creates an empty store.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		records: make(map[quota.Key]quota.Record),
		now:     time.Now,
	}
}

// WithClock replaces the store's clock.
func (s *QuotaStore) WithClock(now func() time.Time) *QuotaStore {
	s.now = now
	return s
}

// Reserve implements quota.Store.
func (s *QuotaStore) Reserve(ctx context.Context, key quota.Key, amount float64, limit quota.Limit) (quota.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return quota.Reservation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if !limit.Allows(rec.Used, amount) {
		return quota.Reservation{Applied: false, Used: rec.Used}, nil
	}
	now := s.now()
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = key.ExpiresAt(now)
	}
	rec.Key = key
	rec.Used += amount
	rec.UpdatedAt = now
	s.records[key] = rec
	return quota.Reservation{Applied: true, Used: rec.Used}, nil
}

// Load implements quota.Store.
func (s *QuotaStore) Load(ctx context.Context, key quota.Key) (quota.Record, error) {
	if err := ctx.Err(); err != nil {
		return quota.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return quota.Record{Key: key}, nil
	}
	return rec, nil
}

// PurgeExpired implements quota.Purger.
func (s *QuotaStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of records. Used by tests.
func (s *QuotaStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
