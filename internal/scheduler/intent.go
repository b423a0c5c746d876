// Package scheduler produces per-contact message intents over a date range.
// It resolves the layered rule model (timing constants, jurisdiction windows,
// contact overrides, AEP slots) into an ordered list of scheduled intents and
// a list of skipped intents with reasons.
package scheduler

import (
	"fmt"
	"time"

	"github.com/ignite/enrollment-mailer/internal/calendar"
)

// Kind identifies the message variant an intent carries.
type Kind string

const (
	KindBirthday      Kind = "birthday"
	KindEffectiveDate Kind = "effective_date"
	KindAEP           Kind = "aep"
	KindPostWindow    Kind = "post_window"
	// KindAll marks contact-level skips that apply before any per-kind
	// candidate exists (missing or invalid anchors).
	KindAll Kind = "all"
)

// Priority orders kinds sharing a target date.
func (k Kind) Priority() int {
	switch k {
	case KindBirthday:
		return 0
	case KindEffectiveDate:
		return 1
	case KindAEP:
		return 2
	case KindPostWindow:
		return 3
	}
	return 4
}

// ParseKind validates an operator-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBirthday, KindEffectiveDate, KindAEP, KindPostWindow:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown message kind %q", s)
}

// Status of an intent after scheduling.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSkipped   Status = "skipped"
)

// Skip reasons emitted by the engine. The strings are part of the output
// contract and appear verbatim in scheduling results.
const (
	ReasonMissingAnchors = "missing anchor dates"
	ReasonInvalidAnchor  = "invalid anchor"
	ReasonYearRound      = "year-round enrollment state"
	ReasonPreWindow      = "within pre-window exclusion"
	ReasonAEPSuppressed  = "AEP suppressed by exclusion window"
)

// Intent is one candidate message for one contact.
type Intent struct {
	ContactID   string
	Kind        Kind
	Date        time.Time
	DefaultDate *time.Time
	Status      Status
	Reason      string
}

// Less is the canonical intent order: target date, then kind priority, then
// contact id.
func Less(a, b Intent) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.Kind.Priority() != b.Kind.Priority() {
		return a.Kind.Priority() < b.Kind.Priority()
	}
	return a.ContactID < b.ContactID
}

// ScheduledEmail is the wire form of a scheduled intent.
type ScheduledEmail struct {
	Type        Kind   `json:"type"`
	Date        string `json:"date"`
	DefaultDate string `json:"default_date,omitempty"`
	Link        string `json:"link,omitempty"`
}

// SkippedEmail is the wire form of a skipped intent.
type SkippedEmail struct {
	Type   Kind   `json:"type"`
	Reason string `json:"reason"`
}

// ContactResult is the per-contact scheduling output.
type ContactResult struct {
	ContactID string           `json:"contact_id"`
	Emails    []ScheduledEmail `json:"emails"`
	Skipped   []SkippedEmail   `json:"skipped"`
}

// BuildResult converts intent lists into the output form. Slices are always
// non-nil so the JSON encodes empty arrays, not null.
func BuildResult(contactID string, scheduled, skipped []Intent) ContactResult {
	r := ContactResult{
		ContactID: contactID,
		Emails:    make([]ScheduledEmail, 0, len(scheduled)),
		Skipped:   make([]SkippedEmail, 0, len(skipped)),
	}
	for _, in := range scheduled {
		e := ScheduledEmail{Type: in.Kind, Date: calendar.Format(in.Date)}
		if in.DefaultDate != nil {
			e.DefaultDate = calendar.Format(*in.DefaultDate)
		}
		r.Emails = append(r.Emails, e)
	}
	for _, in := range skipped {
		r.Skipped = append(r.Skipped, SkippedEmail{Type: in.Kind, Reason: in.Reason})
	}
	return r
}
