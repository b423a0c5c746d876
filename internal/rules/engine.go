package rules

import (
	"hash/fnv"
	"time"

	"github.com/ignite/enrollment-mailer/internal/pkg/logger"
)

// Engine resolves the effective rule set for a contact from the loaded
// Config. It is stateless and safe for concurrent use.
type Engine struct {
	cfg *Config
}

// NewEngine wraps a validated Config.
func NewEngine(cfg *Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config exposes the underlying rule document.
func (e *Engine) Config() *Config { return e.cfg }

// StateRule returns the jurisdiction's rule. Unknown codes fall through to
// the neutral variant (no windows) with a warning; the engine never fails on
// bad jurisdiction data.
func (e *Engine) StateRule(state string) StateRule {
	if sr, ok := e.cfg.StateRules[state]; ok {
		return sr
	}
	if state != "" {
		logger.Warn("unknown jurisdiction code, using neutral rule", "state", state)
	}
	return StateRule{Type: RuleTypeNone}
}

// ContactRule returns the per-contact overrides, zero-valued when absent.
func (e *Engine) ContactRule(contactID string) ContactRule {
	return e.cfg.ContactRules[contactID]
}

// ForceAEP reports whether the contact's AEP message bypasses exclusions.
func (e *Engine) ForceAEP(contactID string) bool {
	return e.ContactRule(contactID).ForceAEP
}

// WindowPeriods returns the effective (before, after) window extents for a
// state. A global post_window_period_days for the state replaces
// window_after for both the window extent and the post-window date.
func (e *Engine) WindowPeriods(state string) (before, after int) {
	sr := e.StateRule(state)
	before, after = sr.WindowBefore, sr.WindowAfter
	if sp, ok := e.cfg.GlobalRules.StateSpecificRules[state]; ok && sp.PostWindowPeriodDays > 0 {
		after = sp.PostWindowPeriodDays
	}
	return before, after
}

// LeapYearOverride returns the state's leap-year post-window pivot, if any.
func (e *Engine) LeapYearOverride(state string) *MonthDay {
	if sp, ok := e.cfg.GlobalRules.StateSpecificRules[state]; ok {
		return sp.LeapYearOverride
	}
	return nil
}

// AEPYear reports whether AEP scheduling applies to the given year.
func (e *Engine) AEPYear(year int) bool {
	for _, y := range e.cfg.AEP.Years {
		if y == year {
			return true
		}
	}
	return false
}

// AEPSlots returns the slot dates for a year, empty when AEP does not apply.
func (e *Engine) AEPSlots(year int) []time.Time {
	if !e.AEPYear(year) {
		return nil
	}
	slots := make([]time.Time, 0, len(e.cfg.AEP.DefaultDates))
	for _, md := range e.cfg.AEP.DefaultDates {
		slots = append(slots, md.In(year))
	}
	return slots
}

// slotIndex maps a contact id onto the slot table deterministically. FNV-32a
// keeps the assignment stable across runs and processes for arbitrary ids.
func slotIndex(contactID string, slots int) int {
	if slots <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(contactID))
	return int(h.Sum32() % uint32(slots))
}

// ResolveAEPSlot picks the AEP send date for a contact in a year, or nil
// when the year has no AEP. Precedence: contact override, then the October
// birthday global rule, then deterministic distribution over the slot table.
func (e *Engine) ResolveAEPSlot(contactID string, birthMonth time.Month, year int) *time.Time {
	if !e.AEPYear(year) {
		return nil
	}
	cr := e.ContactRule(contactID)
	if cr.AEPDateOverride != nil {
		d := cr.AEPDateOverride.In(year)
		return &d
	}
	if birthMonth == time.October && e.cfg.GlobalRules.OctoberBirthdayAEP != nil {
		d := e.cfg.GlobalRules.OctoberBirthdayAEP.In(year)
		return &d
	}
	dates := e.cfg.AEP.DefaultDates
	if len(dates) == 0 {
		return nil
	}
	d := dates[slotIndex(contactID, len(dates))].In(year)
	return &d
}

// PostWindowOverride returns the contact's overridden post-window date for a
// year, if an ordered post_window_rules condition matches. The first match
// wins.
func (e *Engine) PostWindowOverride(contactID string, birthMonth time.Month, state string, year int) *time.Time {
	for _, rule := range e.ContactRule(contactID).PostWindowRules {
		if rule.Condition.BirthMonth != 0 && rule.Condition.BirthMonth != int(birthMonth) {
			continue
		}
		if len(rule.Condition.States) > 0 && !containsString(rule.Condition.States, state) {
			continue
		}
		d := rule.OverrideDate.In(year)
		return &d
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
