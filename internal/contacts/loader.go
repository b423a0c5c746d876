package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ignite/enrollment-mailer/internal/calendar"
	"github.com/ignite/enrollment-mailer/internal/pkg/logger"
)

// ErrNotFound is returned when a contact id has no record.
var ErrNotFound = fmt.Errorf("contact not found")

// Loader produces contact records for the scheduler and the send pipeline.
type Loader interface {
	LoadAll(ctx context.Context, orgID int) ([]*Contact, error)
	GetByID(ctx context.Context, orgID int, id string) (*Contact, error)
}

// flexID accepts contact ids encoded as either JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// rawContact is the wire form of a JSON contact record. Anchor dates arrive
// as strings in whatever format the upstream export produced.
type rawContact struct {
	ID            flexID `json:"id"`
	OrgID         int    `json:"org_id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
	State         string `json:"state"`
	ZipCode       string `json:"zip_code"`
	BirthDate     string `json:"birth_date"`
	EffectiveDate string `json:"effective_date"`
	Phone         string `json:"phone"`
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", time.RFC3339}

func parseAnchor(s string) (*time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := calendar.Normalize(t)
			return &d, true
		}
	}
	return nil, false
}

func (r rawContact) contact() *Contact {
	c := &Contact{
		ID:        string(r.ID),
		OrgID:     r.OrgID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     strings.TrimSpace(r.Email),
		State:     r.State,
		ZipCode:   strings.TrimSpace(r.ZipCode),
		Phone:     r.Phone,
	}
	var ok bool
	if c.BirthDate, ok = parseAnchor(r.BirthDate); !ok {
		c.InvalidAnchor = true
		logger.Warn("unparseable birth date", "contact_id", c.ID, "value", r.BirthDate)
	}
	if c.EffectiveDate, ok = parseAnchor(r.EffectiveDate); !ok {
		c.InvalidAnchor = true
		logger.Warn("unparseable effective date", "contact_id", c.ID, "value", r.EffectiveDate)
	}
	return c
}

// FileLoader reads contacts from a JSON array on disk.
type FileLoader struct {
	Path string
}

// NewFileLoader creates a loader over a JSON export file.
func NewFileLoader(path string) *FileLoader { return &FileLoader{Path: path} }

// LoadAll decodes every record in the file. Records with unparseable anchor
// dates are kept and flagged, not dropped, so the scheduler can report them.
func (l *FileLoader) LoadAll(_ context.Context, orgID int) ([]*Contact, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}
	var raws []rawContact
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse contacts file: %w", err)
	}
	out := make([]*Contact, 0, len(raws))
	for _, r := range raws {
		c := r.contact()
		if c.OrgID == 0 {
			c.OrgID = orgID
		}
		if orgID != 0 && c.OrgID != orgID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetByID scans the file for one record.
func (l *FileLoader) GetByID(ctx context.Context, orgID int, id string) (*Contact, error) {
	all, err := l.LoadAll(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// DBLoader reads contacts from the organization's contacts table.
type DBLoader struct{ db *sql.DB }

// NewDBLoader creates a Postgres-backed contact loader.
func NewDBLoader(db *sql.DB) *DBLoader { return &DBLoader{db: db} }

const contactColumns = `
	id, org_id, COALESCE(first_name,''), COALESCE(last_name,''),
	COALESCE(email,''), COALESCE(state,''), COALESCE(zip_code,''),
	birth_date, effective_date, COALESCE(phone,'')`

func scanContact(row interface{ Scan(...interface{}) error }) (*Contact, error) {
	c := &Contact{}
	var birth, effective sql.NullTime
	if err := row.Scan(
		&c.ID, &c.OrgID, &c.FirstName, &c.LastName,
		&c.Email, &c.State, &c.ZipCode,
		&birth, &effective, &c.Phone,
	); err != nil {
		return nil, err
	}
	if birth.Valid {
		d := calendar.Normalize(birth.Time)
		c.BirthDate = &d
	}
	if effective.Valid {
		d := calendar.Normalize(effective.Time)
		c.EffectiveDate = &d
	}
	return c, nil
}

// LoadAll fetches every contact for the organization.
func (l *DBLoader) LoadAll(ctx context.Context, orgID int) ([]*Contact, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE org_id = $1
		ORDER BY id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByID fetches one contact.
func (l *DBLoader) GetByID(ctx context.Context, orgID int, id string) (*Contact, error) {
	c, err := scanContact(l.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE org_id = $1 AND id = $2
	`, orgID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}
