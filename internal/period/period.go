// Package period computes billing-cycle boundaries anchored to the
// day-of-month a subscription started.
package period

import "time"

// Period is one billing window. End is inclusive (end of day).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Expired reports whether the period ended before now.
func (p Period) Expired(now time.Time) bool {
	return now.After(p.End)
}

// Current returns the billing period covering now for a subscription
// anchored to anchorDay (1..31). The start is the most recent occurrence of
// anchorDay at or before now; anchor days past the end of a month clamp to
// that month's last day. The end is one month after the start minus one day,
// end of day. All computation is in UTC.
func Current(anchorDay int, now time.Time) Period {
	if anchorDay < 1 {
		anchorDay = 1
	}
	if anchorDay > 31 {
		anchorDay = 31
	}
	now = now.UTC()

	year, month := now.Year(), now.Month()
	startDay := clampDay(year, month, anchorDay)
	if now.Day() < startDay {
		// The anchor hasn't happened yet this month; roll back one month.
		month--
		if month < time.January {
			month = time.December
			year--
		}
		startDay = clampDay(year, month, anchorDay)
	}

	start := time.Date(year, month, startDay, 0, 0, 0, 0, time.UTC)

	endYear, endMonth := year, month+1
	if endMonth > time.December {
		endMonth = time.January
		endYear++
	}
	endDay := clampDay(endYear, endMonth, anchorDay) - 1
	if endDay < 1 {
		// Anchor day 1: the period ends on the last day of the start month.
		endMonth = month
		endYear = year
		endDay = daysIn(endYear, endMonth)
	}
	end := time.Date(endYear, endMonth, endDay, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)

	return Period{Start: start, End: end}
}

func clampDay(year int, month time.Month, day int) int {
	if max := daysIn(year, month); day > max {
		return max
	}
	return day
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
