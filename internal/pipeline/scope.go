package pipeline

import (
	"fmt"
	"time"

	"github.com/ignite/enrollment-mailer/internal/calendar"
)

// Scope narrows which scheduled intents enter a batch.
type Scope string

const (
	ScopeToday  Scope = "today"
	ScopeNext7  Scope = "next_7_days"
	ScopeNext30 Scope = "next_30_days"
	ScopeNext90 Scope = "next_90_days"
	// ScopeBulk takes every intent it is given; callers build one intent of
	// a chosen kind per contact regardless of the schedule.
	ScopeBulk Scope = "bulk"
)

// ParseScope validates an operator-supplied scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeToday, ScopeNext7, ScopeNext30, ScopeNext90, ScopeBulk:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Window returns the date range the scope admits, anchored on now's civil
// day. bounded is false for bulk, which admits everything.
func (s Scope) Window(now time.Time) (start, end time.Time, bounded bool) {
	day := calendar.Normalize(now)
	switch s {
	case ScopeToday:
		return day, day, true
	case ScopeNext7:
		return day, calendar.AddDays(day, 7), true
	case ScopeNext30:
		return day, calendar.AddDays(day, 30), true
	case ScopeNext90:
		return day, calendar.AddDays(day, 90), true
	}
	return time.Time{}, time.Time{}, false
}
