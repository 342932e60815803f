package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
)

// QuotaStore keeps counters in quota_records. Reserve is a single
// conditional upsert statement.
type QuotaStore struct {
	db  *DB
	now func() time.Time
}

// NewQuotaStore creates a store.
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db, now: time.Now}
}

// WithClock replaces the store's clock.
func (s *QuotaStore) WithClock(now func() time.Time) *QuotaStore {
	s.now = now
	return s
}

// Reserve implements quota.Store.
func (s *QuotaStore) Reserve(ctx context.Context, key quota.Key, amount float64, limit quota.Limit) (quota.Reservation, error) {
	if !limit.Allows(0, amount) {
		return s.denied(ctx, key)
	}

	bounded := 0
	ceiling, ok := limit.Value()
	if ok {
		bounded = 1
	}
	now := s.now()

	const query = `
	INSERT INTO quota_records (user_id, resource, period, used, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, resource, period) DO UPDATE SET
		used = quota_records.used + excluded.used,
		updated_at = excluded.updated_at
	WHERE ? = 0 OR quota_records.used + excluded.used <= ?
	RETURNING used`

	var used float64
	err := s.db.db.QueryRowContext(ctx, query,
		string(key.UserID), string(key.Resource), key.Period,
		amount, now.UnixMilli(), key.ExpiresAt(now).UnixMilli(),
		bounded, ceiling+quota.Epsilon,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return s.denied(ctx, key)
	}
	if err != nil {
		return quota.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	return quota.Reservation{Applied: true, Used: used}, nil
}

func (s *QuotaStore) denied(ctx context.Context, key quota.Key) (quota.Reservation, error) {
	rec, err := s.Load(ctx, key)
	if err != nil {
		return quota.Reservation{}, err
	}
	return quota.Reservation{Applied: false, Used: rec.Used}, nil
}

// Load implements quota.Store.
func (s *QuotaStore) Load(ctx context.Context, key quota.Key) (quota.Record, error) {
	const query = `
		SELECT used, updated_at, expires_at FROM quota_records
		WHERE user_id = ? AND resource = ? AND period = ?`

	var used float64
	var updatedAt, expiresAt int64
	err := s.db.db.QueryRowContext(ctx, query, string(key.UserID), string(key.Resource), key.Period).
		Scan(&used, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Record{Key: key}, nil
	}
	if err != nil {
		return quota.Record{}, fmt.Errorf("load %s: %w", key, err)
	}
	return quota.Record{
		Key:       key,
		Used:      used,
		UpdatedAt: fromMillis(updatedAt),
		ExpiresAt: fromMillis(expiresAt),
	}, nil
}

// PurgeExpired implements quota.Purger.
func (s *QuotaStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM quota_records WHERE expires_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge quota records: %w", err)
	}
	return res.RowsAffected()
}
