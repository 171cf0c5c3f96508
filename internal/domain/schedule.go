/**
 * @description
 * Pure schedule arithmetic for recurring transfers. Given a frequency and the
 * anchor taken from a schedule's start date, it computes the next execution
 * date after a given one. No side effects, no clock reads; everything the
 * executor and activation path need is passed in, which keeps the calendar
 * edge cases deterministically testable.
 */

package domain

import "time"

// Schedule is the calculator's view of a recurring transfer: the cadence, the
// anchor (start date) and the optional end date.
type Schedule struct {
	Frequency Frequency
	StartDate time.Time
	EndDate   *time.Time
}

// Next returns the execution date that follows `from`, or ok=false when the
// schedule is exhausted: an end date is set and the computed date falls on or
// after it.
func (s Schedule) Next(from time.Time) (next time.Time, ok bool) {
	next = NextExecutionDate(s.Frequency, s.StartDate, from)
	if s.EndDate != nil && !next.Before(Midnight(*s.EndDate)) {
		return time.Time{}, false
	}
	return next, true
}

// NextExecutionDate advances `from` by one cycle of `freq`. The day-of-month
// anchor for monthly, quarterly and annual cadences is always taken from
// startDate, so a schedule anchored on the 31st clamps to the last day of a
// short month and reverts to the 31st in any month that has one. The clamp is
// never remembered as a new anchor.
func NextExecutionDate(freq Frequency, startDate, from time.Time) time.Time {
	from = Midnight(from)
	switch freq {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return addMonthsClamped(from, 1, Midnight(startDate).Day())
	case FrequencyQuarterly:
		return addMonthsClamped(from, 3, Midnight(startDate).Day())
	case FrequencyAnnually:
		// Feb 29 anchors clamp to Feb 28 in non-leap years and revert on
		// the next leap year; the generic month arithmetic covers that.
		return addMonthsClamped(from, 12, Midnight(startDate).Day())
	default:
		return from.AddDate(0, 0, 1)
	}
}

// addMonthsClamped moves `from` forward by the given number of calendar months
// and lands on anchorDay, clamped to the last valid day of the target month.
// time.AddDate is deliberately avoided for the day component because it
// normalizes overflow (Jan 31 + 1 month = Mar 3) instead of clamping.
func addMonthsClamped(from time.Time, months, anchorDay int) time.Time {
	firstOfTarget := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	day := anchorDay
	if last := daysInMonth(firstOfTarget.Year(), firstOfTarget.Month()); day > last {
		day = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, 0, 0, 0, 0, time.UTC)
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	// Day zero of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
