package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/pkg/timeutil"
)

func TestLimit_UnlimitedIsAMarker(t *testing.T) {
	_, ok := Unlimited.Value()
	assert.False(t, ok)
	assert.True(t, Unlimited.Allows(1e12, 1e12))
	assert.Equal(t, "unlimited", Unlimited.String())
	assert.Equal(t, -1.0, Unlimited.ReportValue())
}

func TestLimit_Allows(t *testing.T) {
	l := Ceiling(2)
	assert.True(t, l.Allows(1, 1))
	assert.False(t, l.Allows(1, 1.01))

	left, ok := l.Remaining(1.25)
	assert.True(t, ok)
	assert.InDelta(t, 0.75, left, 1e-12)

	left, _ = l.Remaining(3)
	assert.Equal(t, 0.0, left)
}

func TestParseLimit(t *testing.T) {
	l, err := ParseLimit("unlimited")
	require.NoError(t, err)
	assert.True(t, l.IsUnlimited())

	l, err = ParseLimit("90")
	require.NoError(t, err)
	v, ok := l.Value()
	assert.True(t, ok)
	assert.Equal(t, 90.0, v)

	_, err = ParseLimit("-3")
	assert.Error(t, err)
}

func TestResource_Periods(t *testing.T) {
	ts := timeutil.DateTime(2026, 10, 17, 12, 0, 0)

	assert.Equal(t, PeriodDaily, ResourceTextTurn.Period())
	assert.Equal(t, PeriodDaily, ResourceTeachingActivation.Period())
	assert.Equal(t, PeriodMonthly, ResourceTeachingMinute.Period())

	assert.Equal(t, "quota:u1:text_turn:2026-10-17", KeyFor("u1", ResourceTextTurn, ts).String())
	assert.Equal(t, "quota:u1:teaching_minute:2026-10", KeyFor("u1", ResourceTeachingMinute, ts).String())
}

func TestDefaultPlans(t *testing.T) {
	table := NewPlanTable(DefaultPlans())

	free, err := table.Lookup(PlanFree)
	require.NoError(t, err)
	v, _ := free.TeachingMinutesPerMonth.Value()
	assert.Equal(t, 2.0, v)

	yearly, err := table.Lookup(PlanYearly)
	require.NoError(t, err)
	assert.True(t, yearly.TextTurnsPerDay.IsUnlimited())

	_, err = table.Lookup("ENTERPRISE")
	assert.Error(t, err)
}
