package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

const webhookEventColumns = `id, event_id, provider, event_type, payload, signature, COALESCE(timestamp, ''),
	status, processed, processed_at, COALESCE(processing_error, ''), claimed_at, created_at`

// InsertWebhookEvent relies on the unique event_id so concurrent deliveries race safely:
// the loser inserts nothing and reports created=false.
func (t *pgTx) InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO webhook_events (id, event_id, provider, event_type, payload, signature, timestamp,
		                            status, processed, processed_at, processing_error, claimed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.EventID, e.Provider, e.EventType, e.Payload, e.Signature, nullString(e.Timestamp),
		e.Status, e.Processed, e.ProcessedAt, nullString(e.ProcessingError), e.ClaimedAt, e.CreatedAt)
	if err != nil {
		return false, mapErr("insert webhook event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("insert webhook event", err)
	}
	return n == 1, nil
}

func (t *pgTx) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := t.tx.QueryRowContext(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE event_id = $1`, eventID).
		Scan(&e.ID, &e.EventID, &e.Provider, &e.EventType, &e.Payload, &e.Signature, &e.Timestamp,
			&e.Status, &e.Processed, &e.ProcessedAt, &e.ProcessingError, &e.ClaimedAt, &e.CreatedAt)
	if err != nil {
		return nil, mapErr("get webhook event", err)
	}
	return &e, nil
}

func (t *pgTx) ClaimWebhookEvent(ctx context.Context, eventID string, now, staleBefore time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'stored', claimed_at = $2, processing_error = NULL
		WHERE event_id = $1
		  AND processed = FALSE
		  AND (status = 'failed' OR (status = 'stored' AND claimed_at < $3))`,
		eventID, now, staleBefore)
	if err != nil {
		return false, mapErr("claim webhook event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("claim webhook event", err)
	}
	return n == 1, nil
}

func (t *pgTx) UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET event_type = $2, status = $3, processed = $4, processed_at = $5, processing_error = $6, claimed_at = $7
		WHERE event_id = $1`,
		e.EventID, e.EventType, e.Status, e.Processed, e.ProcessedAt, nullString(e.ProcessingError), e.ClaimedAt)
	if err != nil {
		return mapErr("update webhook event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr("update webhook event", sql.ErrNoRows)
	}
	return nil
}

const webhookRetryColumns = `id, webhook_id, url, payload, headers, max_attempts, current_attempt,
	next_retry_at, COALESCE(last_error, ''), failed_at, created_at`

func scanWebhookRetry(row rowScanner) (*models.WebhookRetry, error) {
	var (
		r       models.WebhookRetry
		headers []byte
	)
	if err := row.Scan(&r.ID, &r.WebhookID, &r.URL, &r.Payload, &headers, &r.MaxAttempts, &r.CurrentAttempt,
		&r.NextRetryAt, &r.LastError, &r.FailedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(headers, &r.Headers); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) CreateWebhookRetry(ctx context.Context, r *models.WebhookRetry) error {
	headers, err := toJSON(r.Headers)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO webhook_retries (`+webhookRetryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.WebhookID, r.URL, r.Payload, headers, r.MaxAttempts, r.CurrentAttempt,
		r.NextRetryAt, nullString(r.LastError), r.FailedAt, r.CreatedAt)
	return mapErr("create webhook retry", err)
}

// ClaimDueWebhookRetries leases rows by moving next_retry_at forward in the same
// statement that selects them, so a crashed worker's rows come back after the lease.
func (t *pgTx) ClaimDueWebhookRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.WebhookRetry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM webhook_retries
			WHERE failed_at IS NULL AND next_retry_at <= $1
			ORDER BY next_retry_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_retries w
		SET next_retry_at = $2
		FROM due
		WHERE w.id = due.id
		RETURNING w.id, w.webhook_id, w.url, w.payload, w.headers, w.max_attempts, w.current_attempt,
		          w.next_retry_at, COALESCE(w.last_error, ''), w.failed_at, w.created_at`,
		now, leaseUntil, limit)
	if err != nil {
		return nil, mapErr("claim webhook retries", err)
	}
	defer rows.Close()

	var retries []models.WebhookRetry
	for rows.Next() {
		r, err := scanWebhookRetry(rows)
		if err != nil {
			return nil, mapErr("scan webhook retry", err)
		}
		retries = append(retries, *r)
	}
	return retries, mapErr("claim webhook retries", rows.Err())
}

func (t *pgTx) UpdateWebhookRetry(ctx context.Context, r *models.WebhookRetry) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_retries
		SET current_attempt = $2, next_retry_at = $3, last_error = $4, failed_at = $5
		WHERE id = $1`,
		r.ID, r.CurrentAttempt, r.NextRetryAt, nullString(r.LastError), r.FailedAt)
	if err != nil {
		return mapErr("update webhook retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr("update webhook retry", sql.ErrNoRows)
	}
	return nil
}

func (t *pgTx) DeleteWebhookRetry(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM webhook_retries WHERE id = $1`, id)
	return mapErr("delete webhook retry", err)
}

func (t *pgTx) ListDeadLetters(ctx context.Context, limit int) ([]models.WebhookRetry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+webhookRetryColumns+`
		FROM webhook_retries WHERE failed_at IS NOT NULL ORDER BY failed_at LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr("list dead letters", err)
	}
	defer rows.Close()

	var retries []models.WebhookRetry
	for rows.Next() {
		r, err := scanWebhookRetry(rows)
		if err != nil {
			return nil, mapErr("scan dead letter", err)
		}
		retries = append(retries, *r)
	}
	return retries, mapErr("list dead letters", rows.Err())
}
