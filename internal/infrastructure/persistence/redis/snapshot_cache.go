package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// putSnapshotScript stores a snapshot unless a newer version is already
// there. Returns 1 when written.
var putSnapshotScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SnapshotCache implements teaching.SnapshotCache. Entries expire after TTL
// so that sessions of a crashed instance do not linger.
type SnapshotCache struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotCache creates a cache.
func NewSnapshotCache(client *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// Put implements teaching.SnapshotCache.
func (c *SnapshotCache) Put(ctx context.Context, snap teaching.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	err = putSnapshotScript.Run(ctx, c.client.rdb,
		[]string{SnapshotKey(snap.SessionID.String())},
		snap.Version, data, c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// Get implements teaching.SnapshotCache.
func (c *SnapshotCache) Get(ctx context.Context, id shared.SessionID) (teaching.Snapshot, error) {
	data, err := c.client.rdb.HGet(ctx, SnapshotKey(id.String()), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return teaching.Snapshot{}, shared.ErrSessionNotFound
		}
		return teaching.Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}

	var snap teaching.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return teaching.Snapshot{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return snap, nil
}

// Delete implements teaching.SnapshotCache.
func (c *SnapshotCache) Delete(ctx context.Context, id shared.SessionID) error {
	return c.client.rdb.Del(ctx, SnapshotKey(id.String())).Err()
}
