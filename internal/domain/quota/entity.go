// Package quota contains the usage ledger that gates every metered action in
// the teaching core: text chat turns, Teacher Mode activations and teaching
// minutes. Counters are reserved before the action runs and never exceed the
// user's plan ceiling, including under concurrent reservations.
package quota

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/pkg/timeutil"
)

// Epsilon absorbs float drift when fractional minutes accrue against a ceiling.
const Epsilon = 1e-9

// ═══════════════════════════════════════════════════════════════════════════
// Resource & Period
// ═══════════════════════════════════════════════════════════════════════════

// Resource is a metered unit.
type Resource string

const (
	// ResourceTextTurn is one chat message answered by the tutor. Daily.
	ResourceTextTurn Resource = "text_turn"

	// ResourceTeachingActivation is one Teacher Mode session start. Daily.
	ResourceTeachingActivation Resource = "teaching_activation"

	// ResourceTeachingMinute is fractional minutes of live teaching. Monthly.
	ResourceTeachingMinute Resource = "teaching_minute"
)

// AllResources lists resources in reporting order.
var AllResources = []Resource{ResourceTextTurn, ResourceTeachingActivation, ResourceTeachingMinute}

func (r Resource) String() string { return string(r) }

// IsValid returns true for a known resource.
func (r Resource) IsValid() bool {
	switch r {
	case ResourceTextTurn, ResourceTeachingActivation, ResourceTeachingMinute:
		return true
	}
	return false
}

// Integral reports whether reservations must be whole numbers.
func (r Resource) Integral() bool {
	return r != ResourceTeachingMinute
}

// Period returns the reset cadence of the resource.
func (r Resource) Period() Period {
	if r == ResourceTeachingMinute {
		return PeriodMonthly
	}
	return PeriodDaily
}

// Period is a reset cadence.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Key returns the period bucket containing t, e.g. "2026-10-17" or "2026-10".
func (p Period) Key(t time.Time) string {
	if p == PeriodMonthly {
		return timeutil.MonthKey(t)
	}
	return timeutil.DayKey(t)
}

// ResetsAt returns when the bucket containing t rolls over.
func (p Period) ResetsAt(t time.Time) time.Time {
	if p == PeriodMonthly {
		return timeutil.NextMonth(t)
	}
	return timeutil.NextDay(t)
}

// ═══════════════════════════════════════════════════════════════════════════
// Limit
// ═══════════════════════════════════════════════════════════════════════════

// Limit is a plan ceiling. The unlimited case is a marker, never a number,
// so it can't leak into arithmetic or storage as a huge float.
type Limit struct {
	ceiling   float64
	unlimited bool
}

// Unlimited is the no-ceiling marker.
var Unlimited = Limit{unlimited: true}

// Ceiling returns a finite limit. Negative values are clamped to zero.
func Ceiling(v float64) Limit {
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	return Limit{ceiling: v}
}

// IsUnlimited returns true for the Unlimited marker.
func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the finite ceiling; ok is false for Unlimited.
func (l Limit) Value() (v float64, ok bool) {
	if l.unlimited {
		return 0, false
	}
	return l.ceiling, true
}

// Allows reports whether used+amount stays within the ceiling.
func (l Limit) Allows(used, amount float64) bool {
	if l.unlimited {
		return true
	}
	return used+amount <= l.ceiling+Epsilon
}

// Remaining returns the headroom left; ok is false for Unlimited.
func (l Limit) Remaining(used float64) (float64, bool) {
	if l.unlimited {
		return 0, false
	}
	left := l.ceiling - used
	if left < Epsilon {
		return 0, true
	}
	return left, true
}

// ReportValue is the ceiling as a float for error payloads and metrics,
// with -1 standing in for Unlimited.
func (l Limit) ReportValue() float64 {
	if l.unlimited {
		return -1
	}
	return l.ceiling
}

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.FormatFloat(l.ceiling, 'f', -1, 64)
}

// ParseLimit parses "unlimited" or a non-negative number.
func ParseLimit(s string) (Limit, error) {
	switch s {
	case "unlimited", "inf", "Infinity", "-1":
		return Unlimited, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return Limit{}, shared.NewDomainError("quota", "ParseLimit", shared.ErrInvalidInput, fmt.Sprintf("invalid limit %q", s))
	}
	return Ceiling(v), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Plans
// ═══════════════════════════════════════════════════════════════════════════

// Plan is a subscription tier.
type Plan string

const (
	PlanFree    Plan = "FREE"
	PlanMonthly Plan = "MONTHLY"
	PlanYearly  Plan = "YEARLY"
)

func (p Plan) String() string { return string(p) }

// PlanLimits holds a tier's ceilings.
type PlanLimits struct {
	TextTurnsPerDay           Limit
	TeachingActivationsPerDay Limit
	TeachingMinutesPerMonth   Limit
}

// For returns the ceiling for a resource.
func (p PlanLimits) For(r Resource) (Limit, error) {
	switch r {
	case ResourceTextTurn:
		return p.TextTurnsPerDay, nil
	case ResourceTeachingActivation:
		return p.TeachingActivationsPerDay, nil
	case ResourceTeachingMinute:
		return p.TeachingMinutesPerMonth, nil
	}
	return Limit{}, shared.ErrUnknownResource
}

// DefaultPlans returns the built-in tier table.
func DefaultPlans() map[Plan]PlanLimits {
	return map[Plan]PlanLimits{
		PlanFree: {
			TextTurnsPerDay:           Ceiling(10),
			TeachingActivationsPerDay: Ceiling(2),
			TeachingMinutesPerMonth:   Ceiling(2),
		},
		PlanMonthly: {
			TextTurnsPerDay:           Unlimited,
			TeachingActivationsPerDay: Unlimited,
			TeachingMinutesPerMonth:   Ceiling(90),
		},
		PlanYearly: {
			TextTurnsPerDay:           Unlimited,
			TeachingActivationsPerDay: Unlimited,
			TeachingMinutesPerMonth:   Ceiling(150),
		},
	}
}

// PlanTable is an immutable tier lookup shared by every session.
type PlanTable struct {
	plans map[Plan]PlanLimits
}

// NewPlanTable copies plans into a read-only table.
func NewPlanTable(plans map[Plan]PlanLimits) PlanTable {
	cp := make(map[Plan]PlanLimits, len(plans))
	for k, v := range plans {
		cp[k] = v
	}
	return PlanTable{plans: cp}
}

// Lookup returns limits for a plan.
func (t PlanTable) Lookup(p Plan) (PlanLimits, error) {
	l, ok := t.plans[p]
	if !ok {
		return PlanLimits{}, shared.WrapError("quota", "Lookup", shared.ErrNotFound, "unknown plan", fmt.Errorf("plan %q", p))
	}
	return l, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Records
// ═══════════════════════════════════════════════════════════════════════════

// Key addresses a single counter.
type Key struct {
	UserID   shared.UserID
	Resource Resource
	Period   string // bucket, see Period.Key
}

// KeyFor builds the counter key for a resource at time t.
func KeyFor(userID shared.UserID, r Resource, t time.Time) Key {
	return Key{UserID: userID, Resource: r, Period: r.Period().Key(t)}
}

// ExpiresAt returns when the period of a key built at t rolls over.
func (k Key) ExpiresAt(t time.Time) time.Time {
	return k.Resource.Period().ResetsAt(t)
}

// String renders the key as "quota:<user>:<resource>:<period>".
func (k Key) String() string {
	return "quota:" + string(k.UserID) + ":" + string(k.Resource) + ":" + k.Period
}

// Record is a counter value. Records come into existence on first reservation
// in a period; a new period simply starts a new key. Stores may purge records
// of past periods.
type Record struct {
	Key       Key
	Used      float64
	UpdatedAt time.Time

	// ExpiresAt is when the record's period rolled over; zero when unknown.
	ExpiresAt time.Time
}

// Reservation is the result of an atomic conditional increment.
type Reservation struct {
	Applied bool
	Used    float64 // counter value after the call
}
