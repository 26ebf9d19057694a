package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		provider_customer_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		status VARCHAR(20) NOT NULL,
		picked_up_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		distance_meters BIGINT NOT NULL DEFAULT 0,
		duration_minutes BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_user_completed ON trips(user_id, completed_at) WHERE status = 'completed'`,
	`CREATE TABLE IF NOT EXISTS usage_ledgers (
		user_id TEXT NOT NULL REFERENCES users(id),
		period CHAR(7) NOT NULL,
		rides_count BIGINT NOT NULL DEFAULT 0,
		total_distance_meters BIGINT NOT NULL DEFAULT 0,
		total_duration_minutes BIGINT NOT NULL DEFAULT 0,
		cost_components JSONB NOT NULL DEFAULT '{}',
		adjustments JSONB NOT NULL DEFAULT '[]',
		raw_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		final_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, period)
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		line_items JSONB NOT NULL DEFAULT '[]',
		total_amount NUMERIC(14,2) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		status VARCHAR(20) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paid_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_invoices_user_period_billable
		ON invoices(user_id, period_start, period_end) WHERE status <> 'draft'`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_overdue ON invoices(id) WHERE status = 'overdue'`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount NUMERIC(14,2) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		payment_method VARCHAR(30) NOT NULL,
		status VARCHAR(20) NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		provider_transaction_id TEXT,
		failure_reason TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		superseded_by TEXT,
		attempted_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_attempts_one_pending
		ON payment_attempts(invoice_id) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_attempts_one_success
		ON payment_attempts(invoice_id) WHERE status = 'succeeded'`,
	`CREATE INDEX IF NOT EXISTS idx_payment_attempts_due
		ON payment_attempts(next_retry_at) WHERE status = 'failed' AND superseded_by IS NULL`,
	`CREATE TABLE IF NOT EXISTS dunning_notices (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		notice_level SMALLINT NOT NULL CHECK (notice_level BETWEEN 1 AND 3),
		status VARCHAR(20) NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		message TEXT NOT NULL,
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (invoice_id, notice_level)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		provider VARCHAR(50) NOT NULL,
		event_type VARCHAR(100) NOT NULL DEFAULT '',
		payload BYTEA NOT NULL,
		signature TEXT NOT NULL,
		timestamp TEXT,
		status VARCHAR(20) NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at TIMESTAMPTZ,
		processing_error TEXT,
		claimed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_retries (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL,
		url TEXT NOT NULL,
		payload BYTEA NOT NULL,
		headers JSONB NOT NULL DEFAULT '{}',
		max_attempts INTEGER NOT NULL,
		current_attempt INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ NOT NULL,
		last_error TEXT,
		failed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_retries_due ON webhook_retries(next_retry_at) WHERE failed_at IS NULL`,
}

// EnsureSchema creates the billing tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
