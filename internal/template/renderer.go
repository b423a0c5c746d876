// Package template renders message bodies with the Liquid template language.
// Rendering is pure: the same kind, contact and organization always produce
// the same output, and failures surface as errors for the pipeline to record.
package template

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/enrollment-mailer/internal/calendar"
	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/scheduler"
)

// Organization is the sender context injected into every render.
type Organization struct {
	ID         int    `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	AgentName  string `yaml:"agent_name" json:"agent_name"`
	AgentEmail string `yaml:"agent_email" json:"agent_email"`
	Phone      string `yaml:"phone" json:"phone"`
	Website    string `yaml:"website" json:"website"`
	FromEmail  string `yaml:"from_email" json:"from_email"`
	FromName   string `yaml:"from_name" json:"from_name"`
	ReplyTo    string `yaml:"reply_to" json:"reply_to"`
}

// Rendered is the output of one render.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type messageTemplate struct {
	subject string
	html    string
	text    string
}

// Renderer compiles and caches Liquid templates per message kind.
type Renderer struct {
	engine    *liquid.Engine
	cache     sync.Map // map[string]*liquid.Template
	templates map[scheduler.Kind]messageTemplate
}

// NewRenderer creates a renderer with the built-in per-kind templates and
// the domain filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{
		engine:    liquid.NewEngine(),
		templates: builtinTemplates(),
	}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// Fallback value: {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Long-form date: {{ scheduled_date | format_date }}
	r.engine.RegisterFilter("format_date", func(value interface{}) string {
		switch v := value.(type) {
		case time.Time:
			return v.Format("January 2, 2006")
		case *time.Time:
			if v == nil {
				return ""
			}
			return v.Format("January 2, 2006")
		case string:
			if d, err := calendar.Parse(v); err == nil {
				return d.Format("January 2, 2006")
			}
			return v
		}
		return fmt.Sprintf("%v", value)
	})

	// US phone formatting: {{ organization.phone | format_phone }}
	r.engine.RegisterFilter("format_phone", func(s string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		if len(digits) != 10 {
			return s
		}
		return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
	})
}

// SetTemplate replaces the built-in template for one kind.
func (r *Renderer) SetTemplate(kind scheduler.Kind, subject, html, text string) {
	r.templates[kind] = messageTemplate{subject: subject, html: html, text: text}
	r.cache.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), string(kind)+"/") {
			r.cache.Delete(k)
		}
		return true
	})
}

// Render produces the subject and bodies for one message. The scheduled date
// selects the AEP season year exposed to templates.
func (r *Renderer) Render(kind scheduler.Kind, c *contacts.Contact, org *Organization, scheduledDate time.Time, links map[string]string) (*Rendered, error) {
	tpl, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("no template for kind %s", kind)
	}

	ctx := r.bindings(c, org, scheduledDate, links)
	subject, err := r.render(string(kind)+"/subject", tpl.subject, ctx)
	if err != nil {
		return nil, fmt.Errorf("render %s subject: %w", kind, err)
	}
	html, err := r.render(string(kind)+"/html", tpl.html, ctx)
	if err != nil {
		return nil, fmt.Errorf("render %s html: %w", kind, err)
	}
	text, err := r.render(string(kind)+"/text", tpl.text, ctx)
	if err != nil {
		return nil, fmt.Errorf("render %s text: %w", kind, err)
	}
	return &Rendered{Subject: subject, HTML: html, Text: text}, nil
}

func (r *Renderer) render(cacheKey, src string, ctx map[string]interface{}) (string, error) {
	if cached, ok := r.cache.Load(cacheKey); ok {
		return cached.(*liquid.Template).RenderString(ctx)
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return "", err
	}
	r.cache.Store(cacheKey, tpl)
	return tpl.RenderString(ctx)
}

func (r *Renderer) bindings(c *contacts.Contact, org *Organization, scheduledDate time.Time, links map[string]string) map[string]interface{} {
	year := scheduledDate.Year()
	ctx := map[string]interface{}{
		"first_name":     c.FirstName,
		"last_name":      c.LastName,
		"full_name":      c.FullName(),
		"email":          c.Email,
		"state":          c.Jurisdiction(),
		"scheduled_date": scheduledDate,
		"current_year":   year,
		// AEP season bounds for the scheduled year.
		"aep_start": calendar.NewDate(year, time.October, 15),
		"aep_end":   calendar.NewDate(year, time.December, 7),
	}
	if c.BirthDate != nil {
		ctx["birth_date"] = *c.BirthDate
	}
	if c.EffectiveDate != nil {
		ctx["effective_date"] = *c.EffectiveDate
	}
	if org != nil {
		ctx["organization"] = map[string]interface{}{
			"name":        org.Name,
			"agent_name":  org.AgentName,
			"agent_email": org.AgentEmail,
			"phone":       org.Phone,
			"website":     org.Website,
		}
	}
	if len(links) > 0 {
		l := make(map[string]interface{}, len(links))
		for k, v := range links {
			l[k] = v
		}
		ctx["links"] = l
	}
	return ctx
}

func builtinTemplates() map[scheduler.Kind]messageTemplate {
	footer := `<p>{{ organization.agent_name | default: organization.name }}<br>` +
		`{{ organization.phone | format_phone }}<br>` +
		`{{ organization.website }}</p>`

	return map[scheduler.Kind]messageTemplate{
		scheduler.KindBirthday: {
			subject: `Happy early birthday, {{ first_name | default: "friend" }}!`,
			html: `<p>Hi {{ first_name | default: "there" }},</p>` +
				`<p>Your birthday is coming up on {{ birth_date | format_date }}. ` +
				`It may open an enrollment window for your plan, so this is a good ` +
				`time to review your coverage.</p>` + footer,
			text: `Hi {{ first_name | default: "there" }}, your birthday is coming up. ` +
				`It may open an enrollment window for your plan. ` +
				`Call {{ organization.phone | format_phone }} to review your coverage.`,
		},
		scheduler.KindEffectiveDate: {
			subject: `Your policy anniversary is almost here`,
			html: `<p>Hi {{ first_name | default: "there" }},</p>` +
				`<p>Your policy anniversary falls on {{ effective_date | format_date }}. ` +
				`Rates and plan options change year to year; a quick review can ` +
				`make sure you are still on the right plan.</p>` + footer,
			text: `Hi {{ first_name | default: "there" }}, your policy anniversary is ` +
				`almost here. Reply or call {{ organization.phone | format_phone }} for a review.`,
		},
		scheduler.KindAEP: {
			subject: `Annual Enrollment starts {{ aep_start | format_date }}`,
			html: `<p>Hi {{ first_name | default: "there" }},</p>` +
				`<p>The Annual Enrollment Period runs {{ aep_start | format_date }} ` +
				`through {{ aep_end | format_date }}. Now is the time to compare ` +
				`plans for {{ current_year | plus: 1 }}.</p>` + footer,
			text: `Annual Enrollment runs {{ aep_start | format_date }} through ` +
				`{{ aep_end | format_date }}. Call {{ organization.phone | format_phone }} to compare plans.`,
		},
		scheduler.KindPostWindow: {
			subject: `Still thinking it over, {{ first_name | default: "friend" }}?`,
			html: `<p>Hi {{ first_name | default: "there" }},</p>` +
				`<p>Your recent enrollment window has closed, but there may still be ` +
				`options available to you. Reach out and we can walk through them.</p>` + footer,
			text: `Your recent enrollment window has closed, but there may still be ` +
				`options. Call {{ organization.phone | format_phone }} to talk them through.`,
		},
	}
}
