package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
)

// reserveScript performs the ceiling check and the increment in one step.
// Replies are strings because Redis truncates Lua numbers to integers.
//
//	KEYS[1] counter hash
//	ARGV[1] amount
//	ARGV[2] "1" when unlimited
//	ARGV[3] ceiling
//	ARGV[4] epsilon
//	ARGV[5] now, unix ms
//	ARGV[6] period end, unix ms
//	ARGV[7] key expiry, unix ms, or 0 to keep the key
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local amount = tonumber(ARGV[1])
if ARGV[2] ~= '1' and used + amount > tonumber(ARGV[3]) + tonumber(ARGV[4]) then
  return {'0', tostring(used)}
end
local after = redis.call('HINCRBYFLOAT', KEYS[1], 'used', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
if redis.call('HSETNX', KEYS[1], 'expires_at', ARGV[6]) == 1 and ARGV[7] ~= '0' then
  redis.call('PEXPIREAT', KEYS[1], ARGV[7])
end
return {'1', after}
`)

// QuotaStore keeps each counter in a hash. With a positive RetainFor, Redis
// expires the hash that long after its period ends, so no purge job is needed.
type QuotaStore struct {
	client    *Client
	retainFor time.Duration
	now       func() time.Time
}

// NewQuotaStore creates a store. retainFor keeps finished periods readable
// for usage history; zero keeps them forever.
func NewQuotaStore(client *Client, retainFor time.Duration) *QuotaStore {
	return &QuotaStore{client: client, retainFor: retainFor, now: time.Now}
}

// WithClock replaces the store's clock.
func (s *QuotaStore) WithClock(now func() time.Time) *QuotaStore {
	s.now = now
	return s
}

func counterKey(key quota.Key) string {
	return PrefixQuota + key.String()
}

// Reserve implements quota.Store.
func (s *QuotaStore) Reserve(ctx context.Context, key quota.Key, amount float64, limit quota.Limit) (quota.Reservation, error) {
	now := s.now()
	expiresAt := key.ExpiresAt(now)
	var keyExpiry int64
	if s.retainFor > 0 {
		keyExpiry = expiresAt.Add(s.retainFor).UnixMilli()
	}

	unlimited, ceiling := "1", "0"
	if v, ok := limit.Value(); ok {
		unlimited, ceiling = "0", formatFloat(v)
	}

	reply, err := reserveScript.Run(ctx, s.client.rdb, []string{counterKey(key)},
		formatFloat(amount),
		unlimited,
		ceiling,
		formatFloat(quota.Epsilon),
		now.UnixMilli(),
		expiresAt.UnixMilli(),
		keyExpiry,
	).StringSlice()
	if err != nil {
		return quota.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if len(reply) != 2 {
		return quota.Reservation{}, fmt.Errorf("reserve %s: %w", key, ErrUnexpectedReply)
	}

	used, err := strconv.ParseFloat(reply[1], 64)
	if err != nil {
		return quota.Reservation{}, fmt.Errorf("reserve %s: %w: %v", key, ErrSerialization, err)
	}
	return quota.Reservation{Applied: reply[0] == "1", Used: used}, nil
}

// Load implements quota.Store.
func (s *QuotaStore) Load(ctx context.Context, key quota.Key) (quota.Record, error) {
	fields, err := s.client.rdb.HGetAll(ctx, counterKey(key)).Result()
	if err != nil {
		return quota.Record{}, fmt.Errorf("load %s: %w", key, err)
	}

	rec := quota.Record{Key: key}
	if len(fields) == 0 {
		return rec, nil
	}

	if rec.Used, err = strconv.ParseFloat(fields["used"], 64); err != nil {
		return quota.Record{}, fmt.Errorf("load %s: %w: %v", key, ErrSerialization, err)
	}
	rec.UpdatedAt = parseMillis(fields["updated_at"])
	rec.ExpiresAt = parseMillis(fields["expires_at"])
	return rec, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
