// Package calendar provides civil-date arithmetic for the scheduling engine.
// All helpers operate on time.Time values pinned to midnight UTC; callers
// never mix these with wall-clock instants.
package calendar

import "time"

const layout = "2006-01-02"

// NewDate builds a civil date at midnight UTC. Out-of-range day values
// normalize per time.Date (Feb 30 becomes Mar 1 or 2), so callers that need
// leap-day handling go through AnniversaryIn instead.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Normalize truncates t to its civil date at midnight UTC.
func Normalize(t time.Time) time.Time {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// Parse reads a YYYY-MM-DD date.
func Parse(s string) (time.Time, error) {
	return time.Parse(layout, s)
}

// Format renders a date as YYYY-MM-DD.
func Format(t time.Time) string {
	return t.Format(layout)
}

// IsLeapYear reports whether year has a February 29.
func IsLeapYear(year int) bool {
	if year%400 == 0 {
		return true
	}
	if year%100 == 0 {
		return false
	}
	return year%4 == 0
}

// AnniversaryIn returns the anchor's anniversary in the given year.
// Feb 29 anchors fall back to Feb 28 in common years.
func AnniversaryIn(year int, anchor time.Time) time.Time {
	month, day := anchor.Month(), anchor.Day()
	if month == time.February && day == 29 && !IsLeapYear(year) {
		return NewDate(year, time.February, 28)
	}
	return NewDate(year, month, day)
}

// NextAnniversaryOnOrAfter returns the anchor's anniversary in from's year
// when that date is on or after from, otherwise the following year's.
func NextAnniversaryOnOrAfter(anchor, from time.Time) time.Time {
	from = Normalize(from)
	ann := AnniversaryIn(from.Year(), anchor)
	if ann.Before(from) {
		ann = AnniversaryIn(from.Year()+1, anchor)
	}
	return ann
}

// AddDays shifts a date by n civil days (n may be negative).
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) time.Time {
	return NewDate(t.Year(), t.Month(), 1)
}

// MonthEnd returns the last day of t's month.
func MonthEnd(t time.Time) time.Time {
	return AddDays(MonthStart(t).AddDate(0, 1, 0), -1)
}

// AgeOn returns full years elapsed between birth and on (floor).
func AgeOn(birth, on time.Time) int {
	years := on.Year() - birth.Year()
	if AnniversaryIn(on.Year(), birth).After(Normalize(on)) {
		years--
	}
	return years
}

// DaysBetween returns the signed number of civil days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Normalize(b).Sub(Normalize(a)).Hours() / 24)
}
