package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/sqlite"
	"github.com/doubtdesk/teacher-core/pkg/logger"
	"github.com/doubtdesk/teacher-core/pkg/timeutil"
)

func openDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQuotaStore_FreePlanMinutes(t *testing.T) {
	store := sqlite.NewQuotaStore(openDB(t))
	ledger := quota.NewLedger(store, quota.StaticPlans{Default: quota.PlanFree}, quota.LedgerConfig{Logger: logger.Discard()})
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		d, err := ledger.CheckAndReserve(ctx, "u1", quota.ResourceTeachingMinute, 1.0/60)
		require.NoError(t, err)
		require.True(t, d.Allowed, "tick %d", i)
	}

	d, err := ledger.CheckAndReserve(ctx, "u1", quota.ResourceTeachingMinute, 1.0/60)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 2.0, d.Used, 1e-9)
}

func TestQuotaStore_ConcurrentReserve(t *testing.T) {
	store := sqlite.NewQuotaStore(openDB(t))
	ctx := context.Background()
	key := quota.KeyFor("u1", quota.ResourceTextTurn, time.Now())

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Reserve(ctx, key, 1, quota.Ceiling(10))
			assert.NoError(t, err)
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, applied)

	rec, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 10.0, rec.Used)
}

func TestQuotaStore_OversizedFirstReservation(t *testing.T) {
	store := sqlite.NewQuotaStore(openDB(t))
	key := quota.KeyFor("u1", quota.ResourceTextTurn, time.Now())

	res, err := store.Reserve(context.Background(), key, 3, quota.Ceiling(2))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Zero(t, res.Used)
}

func TestQuotaStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, timeutil.IST)
	store := sqlite.NewQuotaStore(openDB(t)).WithClock(func() time.Time { return at })

	daily := quota.KeyFor("u1", quota.ResourceTextTurn, at)
	monthly := quota.KeyFor("u1", quota.ResourceTeachingMinute, at)
	_, err := store.Reserve(ctx, daily, 1, quota.Unlimited)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, monthly, 1, quota.Unlimited)
	require.NoError(t, err)

	n, err := store.PurgeExpired(ctx, at.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := store.Load(ctx, monthly)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Used)
	assert.True(t, rec.ExpiresAt.Equal(monthly.ExpiresAt(at)))
}

func TestRecapStore(t *testing.T) {
	store := sqlite.NewRecapStore(openDB(t))
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i, id := range []shared.SessionID{"s1", "s2", "s3"} {
		rc := teaching.Recap{
			SessionID:      id,
			UserID:         "u1",
			Teacher:        teaching.TeacherPriya,
			TotalMinutes:   float64(i + 1),
			StepsCompleted: []teaching.Step{teaching.StepGreeting},
			Reason:         teaching.EndRequested,
			StartedAt:      base,
			EndedAt:        base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.SaveRecap(ctx, rc))
	}
	require.NoError(t, store.SaveRecap(ctx, teaching.Recap{SessionID: "s1", UserID: "u1", TotalMinutes: 99, Reason: teaching.EndRequested}))

	recaps, err := store.RecapsFor(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recaps, 2)
	assert.Equal(t, shared.SessionID("s3"), recaps[0].SessionID)
	assert.Equal(t, teaching.TeacherPriya, recaps[0].Teacher)
	assert.Equal(t, []teaching.Step{teaching.StepGreeting}, recaps[0].StepsCompleted)

	total, err := store.MinutesSince(ctx, "u1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5.0, total)
}
