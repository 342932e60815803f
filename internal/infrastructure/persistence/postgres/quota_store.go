package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
)

// QuotaStore keeps counters in quota_records. Reserve is one conditional
// upsert, so the row lock taken by ON CONFLICT serializes concurrent callers.
type QuotaStore struct {
	conn *Connection
	now  func() time.Time
}

// NewQuotaStore creates a store.
func NewQuotaStore(conn *Connection) *QuotaStore {
	return &QuotaStore{conn: conn, now: time.Now}
}

// Reserve implements quota.Store.
func (s *QuotaStore) Reserve(ctx context.Context, key quota.Key, amount float64, limit quota.Limit) (quota.Reservation, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	// A first reservation inserts amount as is, so it must fit on its own.
	if !limit.Allows(0, amount) {
		rec, err := s.Load(ctx, key)
		if err != nil {
			return quota.Reservation{}, err
		}
		return quota.Reservation{Applied: false, Used: rec.Used}, nil
	}

	ceiling, bounded := limit.Value()
	now := s.now()

	const query = `
		INSERT INTO quota_records (user_id, resource, period, used, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, resource, period) DO UPDATE
		SET used = quota_records.used + EXCLUDED.used,
		    updated_at = EXCLUDED.updated_at
		WHERE NOT $7::boolean OR quota_records.used + EXCLUDED.used <= $8::float8 + $9::float8
		RETURNING used
	`
	var used float64
	err := s.conn.QueryRow(ctx, query,
		string(key.UserID), string(key.Resource), key.Period,
		amount, now, key.ExpiresAt(now),
		bounded, ceiling, quota.Epsilon,
	).Scan(&used)

	if IsNoRows(err) {
		// The WHERE clause refused the update.
		rec, loadErr := s.Load(ctx, key)
		if loadErr != nil {
			return quota.Reservation{}, loadErr
		}
		return quota.Reservation{Applied: false, Used: rec.Used}, nil
	}
	if err != nil {
		return quota.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	return quota.Reservation{Applied: true, Used: used}, nil
}

// Load implements quota.Store.
func (s *QuotaStore) Load(ctx context.Context, key quota.Key) (quota.Record, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	const query = `
		SELECT used, updated_at, expires_at
		FROM quota_records
		WHERE user_id = $1 AND resource = $2 AND period = $3
	`
	rec := quota.Record{Key: key}
	err := s.conn.QueryRow(ctx, query, string(key.UserID), string(key.Resource), key.Period).
		Scan(&rec.Used, &rec.UpdatedAt, &rec.ExpiresAt)
	if IsNoRows(err) {
		return quota.Record{Key: key}, nil
	}
	if err != nil {
		return quota.Record{}, fmt.Errorf("load %s: %w", key, err)
	}
	return rec, nil
}

// PurgeExpired implements quota.Purger.
func (s *QuotaStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.conn.Exec(ctx, `DELETE FROM quota_records WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge quota records: %w", err)
	}
	return tag.RowsAffected(), nil
}
