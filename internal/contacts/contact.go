// Package contacts defines the contact record the scheduler operates on and
// the loaders that produce it from JSON files or the organization database.
package contacts

import (
	"strings"
	"time"

	"github.com/ignite/enrollment-mailer/internal/rules"
)

// Contact is one recipient. BirthDate and EffectiveDate are civil dates at
// midnight UTC; nil means the anchor is missing. InvalidAnchor marks a record
// whose anchor field was present but unparseable, which the scheduler reports
// distinctly from a missing one.
type Contact struct {
	ID            string     `json:"id"`
	OrgID         int        `json:"org_id"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	Email         string     `json:"email"`
	State         string     `json:"state"`
	ZipCode       string     `json:"zip_code"`
	BirthDate     *time.Time `json:"birth_date,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	Phone         string     `json:"phone,omitempty"`

	InvalidAnchor bool `json:"-"`
}

// Jurisdiction returns the contact's two-letter state code, falling back to
// ZIP inference when the state field is blank or not a known code.
func (c *Contact) Jurisdiction() string {
	s := strings.ToUpper(strings.TrimSpace(c.State))
	if len(s) == 2 {
		return s
	}
	return rules.StateFromZip(c.ZipCode)
}

// FullName joins the name parts, tolerating blanks.
func (c *Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// HasEmail reports whether the record carries a plausible recipient address.
func (c *Contact) HasEmail() bool {
	return strings.Contains(c.Email, "@")
}
