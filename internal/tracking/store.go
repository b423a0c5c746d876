package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// Store is the Postgres-backed tracking row store. Claim and finalize are
// linearizable per row; concurrent workers claim disjoint chunks via
// FOR UPDATE SKIP LOCKED.
type Store struct {
	db       *sql.DB
	leaseSeq int64
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// EnsureSchema creates the tracking table and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, s.db)
}

const rowColumns = `id, org_id, contact_id, email_type, scheduled_date, send_status, send_mode,
	COALESCE(test_email,''), send_attempt_count, last_attempt_date, COALESCE(last_error,''),
	batch_id, COALESCE(message_id,''), COALESCE(delivery_status,''), status_checked_at,
	COALESCE(status_details,''), created_at, updated_at`

func scanRow(sc interface{ Scan(...interface{}) error }) (*Row, error) {
	r := &Row{}
	var lastAttempt, checkedAt sql.NullTime
	if err := sc.Scan(
		&r.ID, &r.OrgID, &r.ContactID, &r.EmailType, &r.ScheduledDate, &r.SendStatus, &r.SendMode,
		&r.TestEmail, &r.AttemptCount, &lastAttempt, &r.LastError,
		&r.BatchID, &r.MessageID, &r.DeliveryStatus, &checkedAt,
		&r.StatusDetails, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		r.LastAttemptAt = &lastAttempt.Time
	}
	if checkedAt.Valid {
		r.StatusCheckedAt = &checkedAt.Time
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// InsertBatch inserts all rows atomically. Any duplicate
// (org, batch, contact, kind, date) fails the whole call with
// ErrDuplicateRow. Row IDs and timestamps are filled in on success.
func (s *Store) InsertBatch(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		if r.SendStatus == "" {
			r.SendStatus = StatusPending
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO email_send_tracking
				(org_id, contact_id, email_type, scheduled_date, send_status,
				 send_mode, test_email, batch_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), $8, NOW(), NOW())
			RETURNING id, created_at, updated_at
		`, r.OrgID, r.ContactID, r.EmailType, r.ScheduledDate, r.SendStatus,
			r.SendMode, r.TestEmail, r.BatchID,
		).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contact %s kind %s", ErrDuplicateRow, r.ContactID, r.EmailType)
		}
		if err != nil {
			return fmt.Errorf("insert tracking row: %w", err)
		}
	}
	return tx.Commit()
}

const batchAggregates = `
	COUNT(*),
	SUM(CASE WHEN send_status = 'pending' THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status = 'processing' THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status IN ('sent','accepted','delivered') THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status = 'failed' THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status = 'deferred' THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status = 'bounced' THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status = 'dropped' THEN 1 ELSE 0 END),
	SUM(CASE WHEN send_status = 'skipped' THEN 1 ELSE 0 END)`

func scanSummary(sc interface{ Scan(...interface{}) error }) (*BatchSummary, error) {
	b := &BatchSummary{}
	err := sc.Scan(&b.BatchID, &b.Mode,
		&b.Total, &b.Pending, &b.Processing, &b.Sent, &b.Failed,
		&b.Deferred, &b.Bounced, &b.Dropped, &b.Skipped)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Status Status
	Mode   Mode
	From   *time.Time
	To     *time.Time
	Limit  int
}

// ListBatches returns per-batch aggregates for an organization, newest
// first.
func (s *Store) ListBatches(ctx context.Context, orgID int, f BatchFilter) ([]*BatchSummary, error) {
	q := `SELECT batch_id, send_mode,` + batchAggregates + `
		FROM email_send_tracking
		WHERE org_id = $1`
	args := []interface{}{orgID}
	idx := 2

	if f.Mode != "" {
		q += fmt.Sprintf(" AND send_mode = $%d", idx)
		args = append(args, f.Mode)
		idx++
	}
	if f.From != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *f.To)
		idx++
	}
	q += " GROUP BY batch_id, send_mode"
	if f.Status != "" {
		q += fmt.Sprintf(" HAVING SUM(CASE WHEN send_status = $%d THEN 1 ELSE 0 END) > 0", idx)
		args = append(args, f.Status)
		idx++
	}
	q += " ORDER BY MIN(created_at) DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchSummary
	for rows.Next() {
		b, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch summary: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBatch returns the aggregate view of one batch.
func (s *Store) GetBatch(ctx context.Context, orgID int, batchID string) (*BatchSummary, error) {
	b, err := scanSummary(s.db.QueryRowContext(ctx, `
		SELECT batch_id, send_mode,`+batchAggregates+`
		FROM email_send_tracking
		WHERE org_id = $1 AND batch_id = $2
		GROUP BY batch_id, send_mode
	`, orgID, batchID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// ClaimChunk atomically moves up to n pending rows of the batch to
// processing and returns them with a monotonically increasing lease id.
// Concurrent claimers skip each other's locked rows.
func (s *Store) ClaimChunk(ctx context.Context, orgID int, batchID string, n int) ([]*Row, int64, error) {
	lease := atomic.AddInt64(&s.leaseSeq, 1)
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_send_tracking
			SET send_status = 'processing', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM email_send_tracking
				WHERE org_id = $1 AND batch_id = $2 AND send_status = 'pending'
				ORDER BY scheduled_date, id
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		)
		SELECT `+rowColumns+` FROM claimed ORDER BY scheduled_date, id
	`, orgID, batchID, n)
	if err != nil {
		return nil, 0, fmt.Errorf("claim chunk: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan claimed row: %w", err)
		}
		out = append(out, r)
	}
	return out, lease, rows.Err()
}

// Outcome is the result applied to a row by Finalize.
type Outcome struct {
	Status         Status
	MessageID      string
	Error          string
	DeliveryStatus string
	Details        string
}

// attempted reports whether the outcome consumed a send attempt.
func (o Outcome) attempted() bool {
	return o.Status == StatusSent || o.Status == StatusFailed
}

// Finalize applies an outcome to a row under the transition rules. The
// guarded update only matches rows whose current status may move to the
// outcome status; anything else reports ErrBadTransition.
func (s *Store) Finalize(ctx context.Context, rowID int64, out Outcome) error {
	sources := transitionSources[out.Status]
	if len(sources) == 0 {
		return fmt.Errorf("%w: no path to %s", ErrBadTransition, out.Status)
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	incr := 0
	if out.attempted() {
		incr = 1
	}
	checked := out.DeliveryStatus != ""

	res, err := s.db.ExecContext(ctx, `
		UPDATE email_send_tracking
		SET send_status = $2,
			send_attempt_count = send_attempt_count + $3,
			last_attempt_date = CASE WHEN $3 > 0 THEN NOW() ELSE last_attempt_date END,
			last_error = COALESCE(NULLIF($4,''), last_error),
			message_id = COALESCE(NULLIF($5,''), message_id),
			delivery_status = COALESCE(NULLIF($6,''), delivery_status),
			status_details = COALESCE(NULLIF($7,''), status_details),
			status_checked_at = CASE WHEN $8 THEN NOW() ELSE status_checked_at END,
			updated_at = NOW()
		WHERE id = $1 AND send_status = ANY($9)
	`, rowID, out.Status, incr, out.Error, out.MessageID,
		out.DeliveryStatus, out.Details, checked, pq.Array(from))
	if err != nil {
		return fmt.Errorf("finalize row %d: %w", rowID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize row %d: %w", rowID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: row %d to %s", ErrBadTransition, rowID, out.Status)
	}
	return nil
}

// MarkFailedAsRetryable moves up to n failed rows back to pending, skipping
// rows that exhausted their attempts. Returns how many rows were reset.
func (s *Store) MarkFailedAsRetryable(ctx context.Context, orgID int, batchID string, n int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_send_tracking
		SET send_status = 'pending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_send_tracking
			WHERE org_id = $1 AND batch_id = $2
			  AND send_status = 'failed' AND send_attempt_count < $3
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
	`, orgID, batchID, MaxAttempts, n)
	if err != nil {
		return 0, fmt.Errorf("mark retryable: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark retryable: %w", err)
	}
	return int(affected), nil
}

// StaleRows returns rows awaiting a delivery-status check: sent, accepted or
// deferred with a gateway message id whose last check is older than
// staleAfter (or never happened).
func (s *Store) StaleRows(ctx context.Context, orgID int, batchID string, staleAfter time.Duration) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM email_send_tracking
		WHERE org_id = $1 AND batch_id = $2
		  AND send_status IN ('sent','accepted','deferred')
		  AND message_id IS NOT NULL AND message_id <> ''
		  AND (status_checked_at IS NULL OR status_checked_at < NOW() - ($3 * INTERVAL '1 second'))
		ORDER BY id
	`, orgID, batchID, int64(staleAfter.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("stale rows: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordStatusCheck stamps a non-terminal delivery-status probe on a row
// without changing send_status.
func (s *Store) RecordStatusCheck(ctx context.Context, rowID int64, deliveryStatus, details string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_send_tracking
		SET delivery_status = COALESCE(NULLIF($2,''), delivery_status),
			status_details = COALESCE(NULLIF($3,''), status_details),
			status_checked_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, rowID, deliveryStatus, details)
	if err != nil {
		return fmt.Errorf("record status check: %w", err)
	}
	return nil
}

// ListRows returns every row of a batch in insertion order.
func (s *Store) ListRows(ctx context.Context, orgID int, batchID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM email_send_tracking
		WHERE org_id = $1 AND batch_id = $2
		ORDER BY id
	`, orgID, batchID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow fetches one row by id.
func (s *Store) GetRow(ctx context.Context, rowID int64) (*Row, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM email_send_tracking
		WHERE id = $1
	`, rowID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	return r, nil
}
