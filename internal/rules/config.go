// Package rules holds the layered rule model that governs message timing:
// global timing constants, AEP slot tables, per-state enrollment windows,
// per-contact overrides and global special cases. Rules are pure data; the
// engine in this package resolves them per contact.
package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ignite/enrollment-mailer/internal/calendar"
)

// State rule variants.
const (
	RuleTypeBirthday      = "birthday"
	RuleTypeEffectiveDate = "effective_date"
	RuleTypeYearRound     = "year_round"
	// RuleTypeNone is the neutral fallback for unknown jurisdictions:
	// no windows, nothing suppressed.
	RuleTypeNone = "none"
)

// MonthDay is a recurring calendar date (no year).
type MonthDay struct {
	Month int `yaml:"month" json:"month"`
	Day   int `yaml:"day" json:"day"`
}

// In materializes the month/day in a concrete year.
func (md MonthDay) In(year int) time.Time {
	return calendar.NewDate(year, time.Month(md.Month), md.Day)
}

func (md MonthDay) valid() bool {
	if md.Month < 1 || md.Month > 12 || md.Day < 1 || md.Day > 31 {
		return false
	}
	// Use a leap year so Feb 29 is allowed.
	d := calendar.NewDate(2024, time.Month(md.Month), md.Day)
	return int(d.Month()) == md.Month && d.Day() == md.Day
}

// TimingConstants are the global lead and exclusion distances, in days.
type TimingConstants struct {
	BirthdayEmailDaysBefore int `yaml:"birthday_email_days_before"`
	EffectiveDateDaysBefore int `yaml:"effective_date_days_before"`
	PreWindowExclusionDays  int `yaml:"pre_window_exclusion_days"`
}

// AEPConfig is the slot table for the Annual Enrollment Period and the set
// of years it applies to.
type AEPConfig struct {
	DefaultDates []MonthDay `yaml:"default_dates"`
	Years        []int      `yaml:"years"`
}

// StateRule describes one jurisdiction's enrollment window.
// WindowBefore/WindowAfter are days around the anchor. AgeLimit suppresses
// the window once the contact's age at window start reaches it.
// UseMonthStart anchors the window to the first of the anchor month.
type StateRule struct {
	Type          string `yaml:"type"`
	WindowBefore  int    `yaml:"window_before"`
	WindowAfter   int    `yaml:"window_after"`
	AgeLimit      int    `yaml:"age_limit"`
	UseMonthStart bool   `yaml:"use_month_start"`
}

// PostWindowCondition matches on birth month and jurisdiction.
type PostWindowCondition struct {
	BirthMonth int      `yaml:"birth_month"`
	States     []string `yaml:"states"`
}

// PostWindowRule overrides the post-window send date when its condition
// matches. Rules are ordered; the first match wins.
type PostWindowRule struct {
	Condition    PostWindowCondition `yaml:"condition"`
	OverrideDate MonthDay            `yaml:"override_date"`
}

// ContactRule carries per-contact overrides keyed by contact id.
type ContactRule struct {
	ForceAEP        bool             `yaml:"force_aep"`
	AEPDateOverride *MonthDay        `yaml:"aep_date_override"`
	PostWindowRules []PostWindowRule `yaml:"post_window_rules"`
}

// StateSpecialRule holds per-state globals that modify window math.
// PostWindowPeriodDays, when set, replaces WindowAfter for both the window
// extent and the post-window date. LeapYearOverride pivots the post-window
// onto a fixed date when the anchor is Feb 29 of a leap year.
type StateSpecialRule struct {
	PostWindowPeriodDays int       `yaml:"post_window_period_days"`
	LeapYearOverride     *MonthDay `yaml:"leap_year_override"`
}

// GlobalRules are cross-state special cases.
type GlobalRules struct {
	OctoberBirthdayAEP *MonthDay                   `yaml:"october_birthday_aep"`
	StateSpecificRules map[string]StateSpecialRule `yaml:"state_specific_rules"`
}

// Config is the full rule document, read-only after Load.
type Config struct {
	TimingConstants TimingConstants        `yaml:"timing_constants"`
	AEP             AEPConfig              `yaml:"aep_config"`
	StateRules      map[string]StateRule   `yaml:"state_rules"`
	ContactRules    map[string]ContactRule `yaml:"contact_rules"`
	GlobalRules     GlobalRules            `yaml:"global_rules"`
}

// Default returns the built-in rule set: standard timing constants, the four
// default AEP slots, and the known window/year-round jurisdictions.
func Default() *Config {
	return &Config{
		TimingConstants: TimingConstants{
			BirthdayEmailDaysBefore: 14,
			EffectiveDateDaysBefore: 30,
			PreWindowExclusionDays:  60,
		},
		AEP: AEPConfig{
			DefaultDates: []MonthDay{
				{Month: 8, Day: 18},
				{Month: 8, Day: 25},
				{Month: 9, Day: 1},
				{Month: 9, Day: 7},
			},
			Years: []int{2023, 2024, 2025, 2026},
		},
		StateRules: map[string]StateRule{
			"CA": {Type: RuleTypeBirthday, WindowBefore: 30, WindowAfter: 60},
			"ID": {Type: RuleTypeBirthday, WindowBefore: 0, WindowAfter: 63},
			"IL": {Type: RuleTypeBirthday, WindowBefore: 60, WindowAfter: 45, AgeLimit: 76},
			"KY": {Type: RuleTypeBirthday, WindowBefore: 0, WindowAfter: 60},
			"LA": {Type: RuleTypeBirthday, WindowBefore: 30, WindowAfter: 63},
			"MD": {Type: RuleTypeBirthday, WindowBefore: 0, WindowAfter: 30},
			"NV": {Type: RuleTypeBirthday, WindowBefore: 0, WindowAfter: 59, UseMonthStart: true},
			"OK": {Type: RuleTypeBirthday, WindowBefore: 0, WindowAfter: 60},
			"OR": {Type: RuleTypeBirthday, WindowBefore: 0, WindowAfter: 31},
			"MO": {Type: RuleTypeEffectiveDate, WindowBefore: 30, WindowAfter: 33},
			"CT": {Type: RuleTypeYearRound},
			"MA": {Type: RuleTypeYearRound},
			"NY": {Type: RuleTypeYearRound},
			"WA": {Type: RuleTypeYearRound},
		},
		ContactRules: map[string]ContactRule{},
		GlobalRules: GlobalRules{
			OctoberBirthdayAEP: &MonthDay{Month: 8, Day: 25},
			StateSpecificRules: map[string]StateSpecialRule{
				"CA": {PostWindowPeriodDays: 30, LeapYearOverride: &MonthDay{Month: 3, Day: 30}},
				"NV": {LeapYearOverride: &MonthDay{Month: 3, Day: 31}},
			},
		},
	}
}

// Load reads a rule document from path, layered over Default. A missing
// section keeps the defaults for that section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule config: %w", err)
	}

	cfg := Default()
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse rule config: %w", err)
	}

	if overlay.TimingConstants != (TimingConstants{}) {
		cfg.TimingConstants = overlay.TimingConstants
	}
	if len(overlay.AEP.DefaultDates) > 0 || len(overlay.AEP.Years) > 0 {
		cfg.AEP = overlay.AEP
	}
	if len(overlay.StateRules) > 0 {
		cfg.StateRules = overlay.StateRules
	}
	if len(overlay.ContactRules) > 0 {
		cfg.ContactRules = overlay.ContactRules
	}
	if overlay.GlobalRules.OctoberBirthdayAEP != nil || len(overlay.GlobalRules.StateSpecificRules) > 0 {
		cfg.GlobalRules = overlay.GlobalRules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural integrity of the document. Rule semantics
// (window precedence, slot assignment) are the engine's concern.
func (c *Config) Validate() error {
	tc := c.TimingConstants
	if tc.BirthdayEmailDaysBefore < 0 || tc.EffectiveDateDaysBefore < 0 || tc.PreWindowExclusionDays < 0 {
		return fmt.Errorf("timing constants must be non-negative")
	}

	if len(c.AEP.DefaultDates) == 0 {
		return fmt.Errorf("aep_config.default_dates must be a non-empty list")
	}
	for i, md := range c.AEP.DefaultDates {
		if !md.valid() {
			return fmt.Errorf("aep_config.default_dates[%d]: invalid date %d/%d", i, md.Month, md.Day)
		}
	}
	for _, y := range c.AEP.Years {
		if y < 2000 {
			return fmt.Errorf("aep_config.years: invalid year %d", y)
		}
	}

	for state, sr := range c.StateRules {
		switch sr.Type {
		case RuleTypeBirthday, RuleTypeEffectiveDate:
			if sr.WindowBefore < 0 || sr.WindowAfter < 0 {
				return fmt.Errorf("state_rules.%s: window periods must be non-negative", state)
			}
		case RuleTypeYearRound:
		default:
			return fmt.Errorf("state_rules.%s: invalid rule type %q", state, sr.Type)
		}
	}

	for id, cr := range c.ContactRules {
		if cr.AEPDateOverride != nil && !cr.AEPDateOverride.valid() {
			return fmt.Errorf("contact_rules.%s: invalid aep_date_override", id)
		}
		for i, pw := range cr.PostWindowRules {
			if !pw.OverrideDate.valid() {
				return fmt.Errorf("contact_rules.%s: post_window_rules[%d]: invalid override_date", id, i)
			}
			if bm := pw.Condition.BirthMonth; bm < 0 || bm > 12 {
				return fmt.Errorf("contact_rules.%s: post_window_rules[%d]: invalid birth_month %d", id, i, bm)
			}
		}
	}

	if md := c.GlobalRules.OctoberBirthdayAEP; md != nil && !md.valid() {
		return fmt.Errorf("global_rules.october_birthday_aep: invalid date")
	}
	for state, sp := range c.GlobalRules.StateSpecificRules {
		if sp.PostWindowPeriodDays < 0 {
			return fmt.Errorf("global_rules.state_specific_rules.%s: post_window_period_days must be non-negative", state)
		}
		if sp.LeapYearOverride != nil && !sp.LeapYearOverride.valid() {
			return fmt.Errorf("global_rules.state_specific_rules.%s: invalid leap_year_override", state)
		}
	}

	return nil
}
