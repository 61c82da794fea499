package billing

import (
	"time"
)

// =============================================================================
// DATES - Plans and installments are day-granular, always UTC
// =============================================================================

func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TruncateDay drops the clock part of t, in UTC.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole days elapsed from -> to. Negative when to < from.
func DaysBetween(from, to time.Time) int {
	d := to.UTC().Sub(from.UTC())
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days-- // floor, not truncate
	}
	return days
}

func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// AddMonthsClamped adds n calendar months keeping the day of month, clamped
// to the last day of the target month (Jan 31 + 1 = Feb 28/29).
// time.AddDate would normalize Jan 31 + 1 month to Mar 2/3 instead.
func AddMonthsClamped(t time.Time, n int) time.Time {
	t = t.UTC()
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := EndOfMonth(firstOfTarget.Year(), firstOfTarget.Month()).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// DueDate returns the due date of the installment at 0-based offset i.
func DueDate(start time.Time, i int, freq Frequency) time.Time {
	switch freq {
	case FrequencyWeekly:
		return start.AddDate(0, 0, 7*i)
	case FrequencyBiweekly:
		return start.AddDate(0, 0, 15*i)
	default:
		return AddMonthsClamped(start, i)
	}
}

// MonthKey returns the quota accounting period ("2024-02") for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DateLayout is the wire and display format of a day.
const DateLayout = "2006-01-02"

// DateKey formats a day for idempotency keys and display.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
