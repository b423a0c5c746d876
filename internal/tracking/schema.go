package tracking

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements is applied in order by EnsureSchema. Every statement is
// idempotent so the pipeline can run it at every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS email_send_tracking (
		id BIGSERIAL PRIMARY KEY,
		org_id INTEGER NOT NULL,
		contact_id TEXT NOT NULL,
		email_type TEXT NOT NULL,
		scheduled_date DATE NOT NULL,
		send_status TEXT NOT NULL DEFAULT 'pending',
		send_mode TEXT NOT NULL,
		test_email TEXT,
		send_attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_date TIMESTAMPTZ,
		last_error TEXT,
		batch_id TEXT NOT NULL,
		message_id TEXT,
		delivery_status TEXT,
		status_checked_at TIMESTAMPTZ,
		status_details TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_send_tracking_row
		ON email_send_tracking (org_id, batch_id, contact_id, email_type, scheduled_date)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_batch ON email_send_tracking (batch_id)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_status ON email_send_tracking (send_status)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_mode ON email_send_tracking (send_mode)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_contact ON email_send_tracking (contact_id)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_contact_type ON email_send_tracking (contact_id, email_type)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_status_date ON email_send_tracking (send_status, scheduled_date)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_message ON email_send_tracking (message_id)`,
	`CREATE INDEX IF NOT EXISTS ix_send_tracking_delivery ON email_send_tracking (delivery_status)`,
}

// EnsureSchema creates the tracking table and its indexes if absent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tracking schema: %w", err)
		}
	}
	return nil
}
