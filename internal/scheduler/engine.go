package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/ignite/enrollment-mailer/internal/calendar"
	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/rules"
)

// Engine schedules one contact at a time against a resolved rule set. It is
// stateless and safe for concurrent use.
type Engine struct {
	rules *rules.Engine
}

// NewEngine builds a scheduling engine over a rule engine.
func NewEngine(re *rules.Engine) *Engine {
	return &Engine{rules: re}
}

// window is one jurisdiction exclusion window materialized for a year.
// post is the post-window send date derived from it.
type window struct {
	kind   Kind
	anchor time.Time
	start  time.Time
	end    time.Time
	post   time.Time
}

func (w window) contains(d time.Time) bool {
	return !d.Before(w.start) && !d.After(w.end)
}

// preContains reports whether d falls in the lead-message exclusion span:
// the pre-window prefix plus the pre-anchor part of the window itself.
func (w window) preContains(d time.Time, preDays int) bool {
	lo := calendar.AddDays(w.start, -preDays)
	return !d.Before(lo) && d.Before(w.anchor)
}

func (w window) insideReason() string {
	return fmt.Sprintf("inside exclusion window of kind %s (anchor=%s)", w.kind, calendar.Format(w.anchor))
}

// Schedule produces the scheduled and skipped intents for one contact over
// [start, end]. Output is deterministic for identical inputs.
func (e *Engine) Schedule(c *contacts.Contact, start, end time.Time) (scheduled, skipped []Intent) {
	start, end = calendar.Normalize(start), calendar.Normalize(end)

	if c.InvalidAnchor {
		return nil, []Intent{{ContactID: c.ID, Kind: KindAll, Status: StatusSkipped, Reason: ReasonInvalidAnchor}}
	}
	if c.BirthDate == nil && c.EffectiveDate == nil {
		return nil, []Intent{{ContactID: c.ID, Kind: KindAll, Status: StatusSkipped, Reason: ReasonMissingAnchors}}
	}

	state := c.Jurisdiction()
	sr := e.rules.StateRule(state)
	yearRound := sr.Type == rules.RuleTypeYearRound

	var windows []window
	if !yearRound {
		windows = e.buildWindows(c, state, sr, start.Year()-1, end.Year()+1)
	}

	cands := e.candidates(c, state, yearRound, start, end)
	for _, w := range windows {
		cands = append(cands, Intent{ContactID: c.ID, Kind: KindPostWindow, Date: w.post})
	}

	preDays := e.rules.Config().TimingConstants.PreWindowExclusionDays
	forceAEP := e.rules.ForceAEP(c.ID)

	for _, in := range cands {
		if in.Date.Before(start) || in.Date.After(end) {
			continue
		}
		if yearRound {
			in.Status = StatusSkipped
			in.Reason = ReasonYearRound
			skipped = append(skipped, in)
			continue
		}

		var reason string
		switch in.Kind {
		case KindAEP:
			if !forceAEP {
				for _, w := range windows {
					if w.contains(in.Date) {
						reason = ReasonAEPSuppressed
						break
					}
				}
			}
		case KindBirthday, KindEffectiveDate:
			for _, w := range windows {
				if w.preContains(in.Date, preDays) {
					reason = ReasonPreWindow
					break
				}
				if w.contains(in.Date) {
					reason = w.insideReason()
					break
				}
			}
		case KindPostWindow:
			for _, w := range windows {
				if w.contains(in.Date) {
					reason = w.insideReason()
					break
				}
			}
		}

		if reason != "" {
			in.Status = StatusSkipped
			in.Reason = reason
			skipped = append(skipped, in)
			continue
		}
		in.Status = StatusScheduled
		scheduled = append(scheduled, in)
	}

	sort.SliceStable(scheduled, func(i, j int) bool { return Less(scheduled[i], scheduled[j]) })
	sort.SliceStable(skipped, func(i, j int) bool { return Less(skipped[i], skipped[j]) })
	return scheduled, skipped
}

// candidates proposes the rule-free per-year intents. Birthday and effective
// leads look one year past the range end so anniversaries just after it can
// still target dates inside the range. AEP slots live inside their year.
func (e *Engine) candidates(c *contacts.Contact, state string, yearRound bool, start, end time.Time) []Intent {
	tc := e.rules.Config().TimingConstants
	birthMonth := time.Month(0)
	if c.BirthDate != nil {
		birthMonth = c.BirthDate.Month()
	}

	var out []Intent
	for y := start.Year(); y <= end.Year()+1; y++ {
		if c.BirthDate != nil {
			def := calendar.AnniversaryIn(y, *c.BirthDate)
			out = append(out, Intent{
				ContactID:   c.ID,
				Kind:        KindBirthday,
				Date:        calendar.AddDays(def, -tc.BirthdayEmailDaysBefore),
				DefaultDate: &def,
			})
		}
		if c.EffectiveDate != nil {
			def := calendar.AnniversaryIn(y, *c.EffectiveDate)
			out = append(out, Intent{
				ContactID:   c.ID,
				Kind:        KindEffectiveDate,
				Date:        calendar.AddDays(def, -tc.EffectiveDateDaysBefore),
				DefaultDate: &def,
			})
		}
		if !yearRound && y <= end.Year() {
			if slot := e.rules.ResolveAEPSlot(c.ID, birthMonth, y); slot != nil {
				out = append(out, Intent{ContactID: c.ID, Kind: KindAEP, Date: *slot})
			}
		}
	}
	return out
}

// buildWindows materializes the jurisdiction's exclusion windows for each
// year in [fromYear, toYear]. Age-limited windows are suppressed entirely and
// produce no post-window intent.
func (e *Engine) buildWindows(c *contacts.Contact, state string, sr rules.StateRule, fromYear, toYear int) []window {
	var anchorDate *time.Time
	var kind Kind
	switch sr.Type {
	case rules.RuleTypeBirthday:
		anchorDate, kind = c.BirthDate, KindBirthday
	case rules.RuleTypeEffectiveDate:
		anchorDate, kind = c.EffectiveDate, KindEffectiveDate
	default:
		return nil
	}
	if anchorDate == nil {
		return nil
	}

	before, after := e.rules.WindowPeriods(state)
	birthMonth := time.Month(0)
	if c.BirthDate != nil {
		birthMonth = c.BirthDate.Month()
	}
	leapAnchor := anchorDate.Month() == time.February && anchorDate.Day() == 29

	var out []window
	for y := fromYear; y <= toYear; y++ {
		anchor := calendar.AnniversaryIn(y, *anchorDate)
		if sr.UseMonthStart {
			anchor = calendar.MonthStart(anchor)
		}
		w := window{
			kind:   kind,
			anchor: anchor,
			start:  calendar.AddDays(anchor, -before),
			end:    calendar.AddDays(anchor, after),
		}
		if sr.AgeLimit > 0 && c.BirthDate != nil && calendar.AgeOn(*c.BirthDate, w.start) >= sr.AgeLimit {
			continue
		}
		w.post = calendar.AddDays(w.end, 1)

		// A contact-level override replaces the post-window date outright.
		// Otherwise a leap-day anchor in a leap year pivots onto the state's
		// leap_year_override, and the window ends the day before it.
		if over := e.rules.PostWindowOverride(c.ID, birthMonth, state, y); over != nil {
			w.post = *over
		} else if leapAnchor && calendar.IsLeapYear(y) {
			if lo := e.rules.LeapYearOverride(state); lo != nil {
				w.post = lo.In(y)
				w.end = calendar.AddDays(w.post, -1)
			}
		}
		out = append(out, w)
	}
	return out
}
