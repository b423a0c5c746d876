// Package tracking persists scheduled messages as tracking rows and drives
// their send-status state machine. All mutation goes through the store
// operations; callers never update rows directly.
package tracking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a row's position in the send state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusAccepted   Status = "accepted"
	StatusDelivered  Status = "delivered"
	StatusSent       Status = "sent"
	StatusDeferred   Status = "deferred"
	StatusBounced    Status = "bounced"
	StatusDropped    Status = "dropped"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Mode selects the recipient policy for a row.
type Mode string

const (
	ModeTest       Mode = "test"
	ModeProduction Mode = "production"
)

// MaxAttempts caps how many times a failed row may be retried.
const MaxAttempts = 5

var (
	ErrDuplicateRow  = errors.New("tracking: duplicate row in batch")
	ErrBadTransition = errors.New("tracking: disallowed status transition")
	ErrNotFound      = errors.New("tracking: row not found")
)

// transitionSources lists, per target status, the statuses a row may come
// from. pending is reachable from failed only through the retry operation,
// never through Finalize.
var transitionSources = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusSent:       {StatusProcessing},
	StatusFailed:     {StatusProcessing},
	StatusSkipped:    {StatusProcessing},
	StatusAccepted:   {StatusSent},
	StatusDelivered:  {StatusSent, StatusDeferred, StatusAccepted},
	StatusDeferred:   {StatusSent, StatusAccepted},
	StatusBounced:    {StatusSent, StatusDeferred, StatusAccepted},
	StatusDropped:    {StatusSent, StatusDeferred, StatusAccepted},
}

// CanTransition reports whether from → to is an allowed state change.
func CanTransition(from, to Status) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a row in this status needs no further sending.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusAccepted, StatusDelivered, StatusDeferred,
		StatusBounced, StatusDropped, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Row is one persisted tracking record.
type Row struct {
	ID              int64      `json:"id"`
	OrgID           int        `json:"org_id"`
	ContactID       string     `json:"contact_id"`
	EmailType       string     `json:"email_type"`
	ScheduledDate   time.Time  `json:"scheduled_date"`
	SendStatus      Status     `json:"send_status"`
	SendMode        Mode       `json:"send_mode"`
	TestEmail       string     `json:"test_email,omitempty"`
	AttemptCount    int        `json:"send_attempt_count"`
	LastAttemptAt   *time.Time `json:"last_attempt_date,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	BatchID         string     `json:"batch_id"`
	MessageID       string     `json:"message_id,omitempty"`
	DeliveryStatus  string     `json:"delivery_status,omitempty"`
	StatusCheckedAt *time.Time `json:"status_checked_at,omitempty"`
	StatusDetails   string     `json:"status_details,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BatchSummary aggregates a batch's row counts by status.
type BatchSummary struct {
	BatchID    string `json:"batch_id"`
	Mode       Mode   `json:"send_mode"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Deferred   int    `json:"deferred"`
	Bounced    int    `json:"bounced"`
	Dropped    int    `json:"dropped"`
	Skipped    int    `json:"skipped"`
}

// Complete reports whether nothing in the batch is pending or in flight.
func (b *BatchSummary) Complete() bool {
	return b.Pending == 0 && b.Processing == 0
}

// NewBatchID mints a batch identifier of the form batch_<uuid10>_<unix>.
func NewBatchID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	return fmt.Sprintf("batch_%s_%d", id, time.Now().Unix())
}
