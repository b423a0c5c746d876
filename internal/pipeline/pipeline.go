// Package pipeline drives scheduled intents through delivery: it persists
// them as tracking rows, claims and sends chunks, retries failures, and
// reconciles delivery status with the gateway.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/gateway"
	"github.com/ignite/enrollment-mailer/internal/pkg/distlock"
	"github.com/ignite/enrollment-mailer/internal/pkg/logger"
	"github.com/ignite/enrollment-mailer/internal/scheduler"
	"github.com/ignite/enrollment-mailer/internal/template"
	"github.com/ignite/enrollment-mailer/internal/tracking"
)

// Row-level skip reasons recorded in last_error.
const (
	ReasonMissingRecipient = "missing recipient"
	ReasonNoTestRecipient  = "no test recipient configured"
	ReasonTemplateError    = "template error"
)

// ErrBatchLocked means another worker holds the batch's send lock.
var ErrBatchLocked = errors.New("pipeline: batch is locked by another worker")

// TrackingStore is the slice of the store the pipeline mutates through.
type TrackingStore interface {
	InsertBatch(ctx context.Context, rows []*tracking.Row) error
	GetBatch(ctx context.Context, orgID int, batchID string) (*tracking.BatchSummary, error)
	ClaimChunk(ctx context.Context, orgID int, batchID string, n int) ([]*tracking.Row, int64, error)
	Finalize(ctx context.Context, rowID int64, out tracking.Outcome) error
	MarkFailedAsRetryable(ctx context.Context, orgID int, batchID string, n int) (int, error)
	StaleRows(ctx context.Context, orgID int, batchID string, staleAfter time.Duration) ([]*tracking.Row, error)
	RecordStatusCheck(ctx context.Context, rowID int64, deliveryStatus, details string) error
}

// ContactResolver looks contacts up at send time.
type ContactResolver interface {
	GetByID(ctx context.Context, orgID int, id string) (*contacts.Contact, error)
}

// Renderer produces message bodies per kind.
type Renderer interface {
	Render(kind scheduler.Kind, c *contacts.Contact, org *template.Organization, scheduledDate time.Time, links map[string]string) (*template.Rendered, error)
}

// LockFactory builds a distributed lock for a key. nil disables locking.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Options configure one pipeline instance.
type Options struct {
	OrgID            int
	Mode             tracking.Mode
	DryRun           bool
	TestEmails       []string
	Delay            time.Duration
	GatewayTimeout   time.Duration
	StatusStaleAfter time.Duration
	DeliveredGrace   time.Duration
	LockTTL          time.Duration
}

func (o *Options) withDefaults() {
	if o.Mode == "" {
		o.Mode = tracking.ModeTest
	}
	if o.Delay == 0 {
		o.Delay = 500 * time.Millisecond
	}
	if o.GatewayTimeout == 0 {
		o.GatewayTimeout = gateway.DefaultTimeout
	}
	if o.StatusStaleAfter == 0 {
		o.StatusStaleAfter = 10 * time.Minute
	}
	if o.DeliveredGrace == 0 {
		o.DeliveredGrace = 24 * time.Hour
	}
	if o.LockTTL == 0 {
		o.LockTTL = 5 * time.Minute
	}
}

// Pipeline owns the delivery flow for one organization.
type Pipeline struct {
	store    TrackingStore
	resolver ContactResolver
	gateway  gateway.Gateway
	renderer Renderer
	newLock  LockFactory
	org      *template.Organization
	opts     Options
}

// New builds a pipeline. newLock may be nil when single-process operation is
// guaranteed.
func New(store TrackingStore, resolver ContactResolver, gw gateway.Gateway, renderer Renderer, newLock LockFactory, org *template.Organization, opts Options) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		store:    store,
		resolver: resolver,
		gateway:  gw,
		renderer: renderer,
		newLock:  newLock,
		org:      org,
		opts:     opts,
	}
}

// BulkIntents builds one scheduled intent of the given kind per contact,
// bypassing the schedule. Used with ScopeBulk.
func BulkIntents(list []*contacts.Contact, kind scheduler.Kind, date time.Time) []scheduler.Intent {
	out := make([]scheduler.Intent, 0, len(list))
	for _, c := range list {
		out = append(out, scheduler.Intent{
			ContactID: c.ID,
			Kind:      kind,
			Date:      date,
			Status:    scheduler.StatusScheduled,
		})
	}
	return out
}

// InsertScheduled filters scheduled intents through the scope, assigns a
// fresh batch id and inserts the tracking rows atomically. In test mode the
// fixed test addresses are assigned round-robin. Returns the batch id and
// the inserted rows; a scope that admits nothing returns an empty batch id.
func (p *Pipeline) InsertScheduled(ctx context.Context, intents []scheduler.Intent, scope Scope, now time.Time) (string, []*tracking.Row, error) {
	start, end, bounded := scope.Window(now)
	batchID := tracking.NewBatchID()

	var rows []*tracking.Row
	testIdx := 0
	for _, in := range intents {
		if in.Status != scheduler.StatusScheduled {
			continue
		}
		if bounded && (in.Date.Before(start) || in.Date.After(end)) {
			continue
		}
		r := &tracking.Row{
			OrgID:         p.opts.OrgID,
			ContactID:     in.ContactID,
			EmailType:     string(in.Kind),
			ScheduledDate: in.Date,
			SendMode:      p.opts.Mode,
			BatchID:       batchID,
		}
		if p.opts.Mode == tracking.ModeTest && len(p.opts.TestEmails) > 0 {
			r.TestEmail = p.opts.TestEmails[testIdx%len(p.opts.TestEmails)]
			testIdx++
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}

	if err := p.store.InsertBatch(ctx, rows); err != nil {
		return "", nil, err
	}
	logger.Info("batch inserted", "batch_id", batchID, "rows", len(rows), "scope", string(scope), "mode", string(p.opts.Mode))
	return batchID, rows, nil
}

// ChunkReport summarizes one ProcessChunk call.
type ChunkReport struct {
	BatchID string `json:"batch_id"`
	Lease   int64  `json:"lease"`
	Claimed int    `json:"claimed"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}

// ProcessChunk claims up to size pending rows of the batch and sends them.
// The chunk is the cancellation unit: once rows are claimed the whole chunk
// is finalized even if ctx is cancelled mid-way, so no claimed row is left
// in processing.
func (p *Pipeline) ProcessChunk(ctx context.Context, batchID string, size int) (*ChunkReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.newLock != nil {
		lock := p.newLock("send:"+batchID, p.opts.LockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire batch lock: %w", err)
		}
		if !ok {
			return nil, ErrBatchLocked
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	rows, lease, err := p.store.ClaimChunk(ctx, p.opts.OrgID, batchID, size)
	if err != nil {
		return nil, err
	}
	report := &ChunkReport{BatchID: batchID, Lease: lease, Claimed: len(rows)}

	// Claimed rows are processed on a context detached from cancellation so
	// in-flight outcomes always reach the store.
	sendCtx := context.WithoutCancel(ctx)
	for i, row := range rows {
		if i > 0 && p.opts.Delay > 0 {
			time.Sleep(p.opts.Delay)
		}
		switch p.processRow(sendCtx, row) {
		case tracking.StatusSent:
			report.Sent++
		case tracking.StatusFailed:
			report.Failed++
		case tracking.StatusSkipped:
			report.Skipped++
		}
	}

	logger.Info("chunk processed", "batch_id", batchID, "lease", lease,
		"claimed", report.Claimed, "sent", report.Sent, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

func transientDetails(transient bool) string {
	b, _ := json.Marshal(map[string]bool{"transient": transient})
	return string(b)
}

// processRow resolves, renders and sends one claimed row, then finalizes it.
// Every path ends in exactly one Finalize call.
func (p *Pipeline) processRow(ctx context.Context, row *tracking.Row) tracking.Status {
	finalize := func(out tracking.Outcome) tracking.Status {
		if err := p.store.Finalize(ctx, row.ID, out); err != nil {
			logger.Error("finalize failed", "row_id", row.ID, "status", string(out.Status), "error", err.Error())
		}
		return out.Status
	}

	c, err := p.resolver.GetByID(ctx, row.OrgID, row.ContactID)
	if errors.Is(err, contacts.ErrNotFound) {
		return finalize(tracking.Outcome{Status: tracking.StatusSkipped, Error: ReasonMissingRecipient})
	}
	if err != nil {
		return finalize(tracking.Outcome{
			Status:  tracking.StatusFailed,
			Error:   fmt.Sprintf("resolve contact: %v", err),
			Details: transientDetails(true),
		})
	}

	recipient := c.Email
	if row.SendMode == tracking.ModeTest {
		// A test row without a test address must never reach the contact's
		// real mailbox. Dry-run keeps the contact address since nothing
		// leaves the process.
		if row.TestEmail != "" {
			recipient = row.TestEmail
		} else if !p.opts.DryRun {
			return finalize(tracking.Outcome{Status: tracking.StatusSkipped, Error: ReasonNoTestRecipient})
		}
	}
	if recipient == "" {
		return finalize(tracking.Outcome{Status: tracking.StatusSkipped, Error: ReasonMissingRecipient})
	}

	rendered, err := p.renderer.Render(scheduler.Kind(row.EmailType), c, p.org, row.ScheduledDate, nil)
	if err != nil {
		return finalize(tracking.Outcome{
			Status: tracking.StatusSkipped,
			Error:  fmt.Sprintf("%s: %v", ReasonTemplateError, err),
		})
	}

	if p.opts.DryRun {
		return finalize(tracking.Outcome{
			Status:    tracking.StatusSent,
			MessageID: "dry:" + uuid.New().String()[:8],
		})
	}

	env := &gateway.Envelope{
		To:        recipient,
		ToName:    c.FullName(),
		FromEmail: p.org.FromEmail,
		FromName:  p.org.FromName,
		ReplyTo:   p.org.ReplyTo,
		Subject:   rendered.Subject,
		HTMLBody:  rendered.HTML,
		TextBody:  rendered.Text,
		ContactID: row.ContactID,
		BatchID:   row.BatchID,
		Kind:      row.EmailType,
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.GatewayTimeout)
	res, err := p.gateway.Send(callCtx, env)
	cancel()
	if err != nil {
		return finalize(tracking.Outcome{
			Status:  tracking.StatusFailed,
			Error:   err.Error(),
			Details: transientDetails(true),
		})
	}
	if !res.Accepted {
		return finalize(tracking.Outcome{
			Status:  tracking.StatusFailed,
			Error:   res.Error,
			Details: transientDetails(res.Transient),
		})
	}
	return finalize(tracking.Outcome{Status: tracking.StatusSent, MessageID: res.MessageID})
}

// RetryFailed moves up to size failed rows back to pending, then processes
// a chunk. Rows that exhausted their attempt budget stay failed.
func (p *Pipeline) RetryFailed(ctx context.Context, batchID string, size int) (*ChunkReport, error) {
	n, err := p.store.MarkFailedAsRetryable(ctx, p.opts.OrgID, batchID, size)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &ChunkReport{BatchID: batchID}, nil
	}
	logger.Info("failed rows reset for retry", "batch_id", batchID, "rows", n)
	return p.ProcessChunk(ctx, batchID, size)
}

// Resume continues a partially processed batch from whatever pending
// remains.
func (p *Pipeline) Resume(ctx context.Context, batchID string, size int) (*ChunkReport, error) {
	return p.ProcessChunk(ctx, batchID, size)
}

// Status returns the batch's aggregate view.
func (p *Pipeline) Status(ctx context.Context, batchID string) (*tracking.BatchSummary, error) {
	return p.store.GetBatch(ctx, p.opts.OrgID, batchID)
}

// StatusReport summarizes one UpdateDeliveryStatus call.
type StatusReport struct {
	BatchID   string `json:"batch_id"`
	Checked   int    `json:"checked"`
	Delivered int    `json:"delivered"`
	Deferred  int    `json:"deferred"`
	Bounced   int    `json:"bounced"`
	Dropped   int    `json:"dropped"`
	Unknown   int    `json:"unknown"`
}

// UpdateDeliveryStatus queries the gateway for rows whose last status check
// is stale and applies any terminal outcome. Rows with no definitive
// provider status past the grace period are promoted to delivered.
func (p *Pipeline) UpdateDeliveryStatus(ctx context.Context, batchID string) (*StatusReport, error) {
	rows, err := p.store.StaleRows(ctx, p.opts.OrgID, batchID, p.opts.StatusStaleAfter)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{BatchID: batchID}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		callCtx, cancel := context.WithTimeout(ctx, p.opts.GatewayTimeout)
		res, err := p.gateway.QueryStatus(callCtx, row.MessageID)
		cancel()
		if err != nil {
			logger.Warn("status query failed", "row_id", row.ID, "message_id", row.MessageID, "error", err.Error())
			if rErr := p.store.RecordStatusCheck(ctx, row.ID, "", fmt.Sprintf("status check failed: %v", err)); rErr != nil {
				logger.Error("record status check failed", "row_id", row.ID, "error", rErr.Error())
			}
			report.Unknown++
			continue
		}

		switch res.Status {
		case gateway.DeliveryDelivered:
			p.applyDelivery(ctx, row, tracking.StatusDelivered, res)
			report.Delivered++
		case gateway.DeliveryBounced:
			p.applyDelivery(ctx, row, tracking.StatusBounced, res)
			report.Bounced++
		case gateway.DeliveryDropped:
			p.applyDelivery(ctx, row, tracking.StatusDropped, res)
			report.Dropped++
		case gateway.DeliveryDeferred:
			if row.SendStatus == tracking.StatusDeferred {
				if err := p.store.RecordStatusCheck(ctx, row.ID, res.Status, res.Details); err != nil {
					logger.Error("record status check failed", "row_id", row.ID, "error", err.Error())
				}
			} else {
				p.applyDelivery(ctx, row, tracking.StatusDeferred, res)
			}
			report.Deferred++
		default:
			if p.pastGrace(row) {
				p.applyDelivery(ctx, row, tracking.StatusDelivered, &gateway.StatusResult{
					Status:  gateway.DeliveryDelivered,
					Details: "no definitive provider status past grace period",
				})
				report.Delivered++
				continue
			}
			if err := p.store.RecordStatusCheck(ctx, row.ID, "", res.Details); err != nil {
				logger.Error("record status check failed", "row_id", row.ID, "error", err.Error())
			}
			report.Unknown++
		}
	}
	return report, nil
}

func (p *Pipeline) pastGrace(row *tracking.Row) bool {
	if row.SendStatus != tracking.StatusSent && row.SendStatus != tracking.StatusAccepted {
		return false
	}
	if row.LastAttemptAt == nil {
		return false
	}
	return time.Since(*row.LastAttemptAt) > p.opts.DeliveredGrace
}

func (p *Pipeline) applyDelivery(ctx context.Context, row *tracking.Row, status tracking.Status, res *gateway.StatusResult) {
	err := p.store.Finalize(ctx, row.ID, tracking.Outcome{
		Status:         status,
		DeliveryStatus: res.Status,
		Details:        res.Details,
	})
	if err != nil {
		logger.Error("apply delivery status failed", "row_id", row.ID, "status", string(status), "error", err.Error())
	}
}
