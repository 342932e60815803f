package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// RecapStore keeps finished-session recaps per user.
type RecapStore struct {
	mu     sync.RWMutex
	byUser map[shared.UserID][]teaching.Recap
	seen   map[shared.SessionID]struct{}
}

// NewRecapStore creates an empty store.
func NewRecapStore() *RecapStore {
	return &RecapStore{
		byUser: make(map[shared.UserID][]teaching.Recap),
		seen:   make(map[shared.SessionID]struct{}),
	}
}

// SaveRecap implements teaching.RecapRepository.
func (s *RecapStore) SaveRecap(ctx context.Context, recap teaching.Recap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[recap.SessionID]; dup {
		return nil
	}
	s.seen[recap.SessionID] = struct{}{}
	s.byUser[recap.UserID] = append(s.byUser[recap.UserID], recap)
	return nil
}

// RecapsFor implements teaching.RecapRepository.
func (s *RecapStore) RecapsFor(ctx context.Context, userID shared.UserID, limit int) ([]teaching.Recap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := append([]teaching.Recap(nil), s.byUser[userID]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MinutesSince implements teaching.RecapRepository.
func (s *RecapStore) MinutesSince(ctx context.Context, userID shared.UserID, since time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, r := range s.byUser[userID] {
		if !r.EndedAt.Before(since) {
			total += r.TotalMinutes
		}
	}
	return total, nil
}

// SnapshotCache keeps the newest snapshot per session.
type SnapshotCache struct {
	mu    sync.RWMutex
	snaps map[shared.SessionID]teaching.Snapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snaps: make(map[shared.SessionID]teaching.Snapshot)}
}

// Put implements teaching.SnapshotCache.
func (c *SnapshotCache) Put(ctx context.Context, snap teaching.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snaps[snap.SessionID]; ok && cur.Version >= snap.Version {
		return nil
	}
	c.snaps[snap.SessionID] = snap
	return nil
}

// Get implements teaching.SnapshotCache.
func (c *SnapshotCache) Get(ctx context.Context, id shared.SessionID) (teaching.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return teaching.Snapshot{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[id]
	if !ok {
		return teaching.Snapshot{}, shared.ErrSessionNotFound
	}
	return snap, nil
}

// Delete implements teaching.SnapshotCache.
func (c *SnapshotCache) Delete(ctx context.Context, id shared.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.snaps, id)
	c.mu.Unlock()
	return nil
}
