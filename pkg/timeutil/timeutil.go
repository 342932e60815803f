// Package timeutil provides timezone utilities for India Standard Time (UTC+5:30).
// Quota periods (daily text turns, daily activations, monthly teaching minutes)
// roll over at IST midnight because learners are located in India.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// IST is India Standard Time (UTC+5:30, no DST).
var IST = time.FixedZone("Asia/Kolkata", 5*60*60+30*60)

// Now returns the current time in IST.
func Now() time.Time {
	return time.Now().In(IST)
}

// ToIST converts a time to IST.
func ToIST(t time.Time) time.Time {
	return t.In(IST)
}

// Date creates a time in IST with the given date.
func Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, IST)
}

// DateTime creates a time in IST with the given date and time.
func DateTime(year, month, day, hour, min, sec int) time.Time {
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, IST)
}

// StartOfDay returns 00:00:00 of the IST day containing t.
func StartOfDay(t time.Time) time.Time {
	ist := ToIST(t)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST)
}

// StartOfMonth returns the first instant of the IST month containing t.
func StartOfMonth(t time.Time) time.Time {
	ist := ToIST(t)
	return time.Date(ist.Year(), ist.Month(), 1, 0, 0, 0, 0, IST)
}

// NextDay returns the start of the IST day after t.
func NextDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// NextMonth returns the start of the IST month after t.
func NextMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0)
}

// DayKey formats t as the IST calendar day, e.g. "2026-10-17".
func DayKey(t time.Time) string {
	return ToIST(t).Format("2006-01-02")
}

// MonthKey formats t as the IST calendar month, e.g. "2026-10".
func MonthKey(t time.Time) string {
	return ToIST(t).Format("2006-01")
}

// UntilNextDay returns how long until the IST day containing t rolls over.
func UntilNextDay(t time.Time) time.Duration {
	return NextDay(t).Sub(t)
}

// UntilNextMonth returns how long until the IST month containing t rolls over.
func UntilNextMonth(t time.Time) time.Duration {
	return NextMonth(t).Sub(t)
}

// FormatMinutes renders fractional minutes as "1m 30s".
func FormatMinutes(minutes float64) string {
	if minutes <= 0 {
		return "0s"
	}
	total := int(minutes*60 + 0.5)
	m, s := total/60, total%60
	switch {
	case m == 0:
		return fmt.Sprintf("%ds", s)
	case s == 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%dm %ds", m, s)
	}
}
