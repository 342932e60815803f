package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/memory"
	"github.com/doubtdesk/teacher-core/pkg/timeutil"
)

const learner = shared.UserID("learner-1")

func newLedger(plan quota.Plan, now func() time.Time) (*quota.Ledger, *memory.QuotaStore) {
	store := memory.NewQuotaStore()
	ledger := quota.NewLedger(store, quota.StaticPlans{Default: plan}, quota.LedgerConfig{Now: now})
	return ledger, store
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestLedger_TextTurnsDeniedAtCeiling(t *testing.T) {
	ledger, _ := newLedger(quota.PlanFree, fixedNow(timeutil.DateTime(2026, 10, 17, 10, 0, 0)))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTextTurn, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "turn %d", i+1)
	}

	d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTextTurn, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10.0, d.Used)
	assert.NotEmpty(t, d.Reason)

	var qe *shared.QuotaExceededError
	require.ErrorAs(t, d.Err(), &qe)
	assert.Equal(t, "text_turn", qe.Resource)
	assert.Equal(t, 10.0, qe.Limit)
}

func TestLedger_DeniedReservationDoesNotMutate(t *testing.T) {
	ledger, _ := newLedger(quota.PlanFree, fixedNow(timeutil.DateTime(2026, 10, 17, 10, 0, 0)))
	ctx := context.Background()

	d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTeachingMinute, 1.5)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = ledger.CheckAndReserve(ctx, learner, quota.ResourceTeachingMinute, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	usage, err := ledger.UsageOf(ctx, learner, quota.ResourceTeachingMinute)
	require.NoError(t, err)
	assert.False(t, usage.Limit.IsUnlimited())
	assert.InDelta(t, 1.5, usage.Used, 1e-9)
	assert.InDelta(t, 0.5, usage.Remaining, 1e-9)
}

func TestLedger_FractionalMinutesReachCeilingExactly(t *testing.T) {
	ledger, _ := newLedger(quota.PlanFree, fixedNow(timeutil.DateTime(2026, 10, 17, 10, 0, 0)))
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTeachingMinute, 1.0/60)
		require.NoError(t, err)
		require.True(t, d.Allowed, "tick %d", i+1)
	}

	d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTeachingMinute, 1.0/60)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 2.0, d.Used, 1e-6)
}

func TestLedger_UnlimitedAlwaysAllowedButTracked(t *testing.T) {
	ledger, _ := newLedger(quota.PlanMonthly, fixedNow(timeutil.DateTime(2026, 10, 17, 10, 0, 0)))
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTextTurn, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.True(t, d.Limit.IsUnlimited())
	}

	report, err := ledger.Usage(ctx, learner)
	require.NoError(t, err)
	assert.Equal(t, quota.PlanMonthly, report.Plan)
	assert.Equal(t, 500.0, report.Items[0].Used)
}

func TestLedger_PeriodRollover(t *testing.T) {
	now := timeutil.DateTime(2026, 10, 17, 23, 59, 0)
	ledger, store := newLedger(quota.PlanFree, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, ledger.Reserve(ctx, learner, quota.ResourceTextTurn, 1))
	}
	assert.ErrorIs(t, ledger.Reserve(ctx, learner, quota.ResourceTextTurn, 1), shared.ErrQuotaExceeded)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, ledger.Reserve(ctx, learner, quota.ResourceTextTurn, 1))
	assert.Equal(t, 2, store.Len())
}

func TestLedger_ConcurrentReservationsNeverOvershoot(t *testing.T) {
	ledger, _ := newLedger(quota.PlanFree, fixedNow(timeutil.DateTime(2026, 10, 17, 10, 0, 0)))
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := ledger.CheckAndReserve(ctx, learner, quota.ResourceTextTurn, 1)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	report, err := ledger.Usage(ctx, learner)
	require.NoError(t, err)
	assert.Equal(t, 10.0, report.Items[0].Used)
}

func TestLedger_ValidatesInput(t *testing.T) {
	ledger, _ := newLedger(quota.PlanFree, time.Now)
	ctx := context.Background()

	_, err := ledger.CheckAndReserve(ctx, learner, quota.Resource("tokens"), 1)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = ledger.CheckAndReserve(ctx, learner, quota.ResourceTextTurn, 0)
	assert.ErrorIs(t, err, shared.ErrNegativeValue)

	_, err = ledger.CheckAndReserve(ctx, learner, quota.ResourceTextTurn, 0.5)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = ledger.CheckAndReserve(ctx, "", quota.ResourceTextTurn, 1)
	assert.ErrorIs(t, err, shared.ErrInvalidID)
}
