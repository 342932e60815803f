package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule defines when a job should run.
type Schedule interface {
	// Next returns the next time the job should run after the given time.
	Next(t time.Time) time.Time

	// String returns a human-readable representation of the schedule.
	String() string
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule runs a job at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an IntervalSchedule.
func Every(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s *IntervalSchedule) String() string {
	return "@every " + s.Interval.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON
// ══════════════════════════════════════════════════════════════════════════════

// CronExpression is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week), evaluated in the location of
// the time passed to Next. Each field accepts "*", "n", "n-m", "*/s",
// "n-m/s" and comma-separated lists of those.
//
//	"*/10 * * * *"  every 10 minutes
//	"5 0 * * *"     every day at 00:05
//	"0 3 * * 1-5"   weekdays at 03:00
type CronExpression struct {
	raw      string
	minutes  fieldSet
	hours    fieldSet
	days     fieldSet
	months   fieldSet
	weekdays fieldSet // 0 = Sunday
}

// fieldSet marks allowed values; index is the value.
type fieldSet []bool

func (f fieldSet) has(v int) bool { return v >= 0 && v < len(f) && f[v] }

// ParseCron parses a cron expression.
func ParseCron(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	ce := &CronExpression{raw: expr}
	specs := []struct {
		name     string
		min, max int
		dst      *fieldSet
	}{
		{"minute", 0, 59, &ce.minutes},
		{"hour", 0, 23, &ce.hours},
		{"day", 1, 31, &ce.days},
		{"month", 1, 12, &ce.months},
		{"weekday", 0, 6, &ce.weekdays},
	}

	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = set
	}
	return ce, nil
}

// MustParseCron is ParseCron that panics; for package-level schedules.
func MustParseCron(expr string) *CronExpression {
	ce, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := make(fieldSet, max+1)
	for _, item := range strings.Split(field, ",") {
		if err := parseItem(item, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parseItem(item string, min, max int, set fieldSet) error {
	rangePart, step := item, 1
	if base, s, ok := strings.Cut(item, "/"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step %q", s)
		}
		rangePart, step = base, n
	}

	lo, hi := min, max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = atoiIn(a, min, max); err != nil {
			return err
		}
		if hi, err = atoiIn(b, min, max); err != nil {
			return err
		}
		if lo > hi {
			return fmt.Errorf("invalid range %q", rangePart)
		}
	default:
		v, err := atoiIn(rangePart, min, max)
		if err != nil {
			return err
		}
		lo = v
		if step == 1 {
			hi = v
		}
	}

	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

func atoiIn(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value out of range [%d-%d]: %d", min, max, v)
	}
	return v, nil
}

func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within a year.
func (ce *CronExpression) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	const horizon = 366 * 24 * 60

	for i := 0; i < horizon; i++ {
		if ce.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

func (ce *CronExpression) matches(t time.Time) bool {
	return ce.minutes.has(t.Minute()) &&
		ce.hours.has(t.Hour()) &&
		ce.days.has(t.Day()) &&
		ce.months.has(int(t.Month())) &&
		ce.weekdays.has(int(t.Weekday()))
}
