package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

const attemptColumns = `id, invoice_id, amount, currency, payment_method, status, idempotency_key,
	COALESCE(provider_transaction_id, ''), COALESCE(failure_reason, ''), retry_count, next_retry_at,
	COALESCE(superseded_by, ''), attempted_at, completed_at`

const attemptColumnsJoined = `pa.id, pa.invoice_id, pa.amount, pa.currency, pa.payment_method, pa.status,
	pa.idempotency_key, COALESCE(pa.provider_transaction_id, ''), COALESCE(pa.failure_reason, ''),
	pa.retry_count, pa.next_retry_at, COALESCE(pa.superseded_by, ''), pa.attempted_at, pa.completed_at`

func scanAttempt(row rowScanner) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	if err := row.Scan(&a.ID, &a.InvoiceID, &a.Amount, &a.Currency, &a.PaymentMethod, &a.Status,
		&a.IdempotencyKey, &a.ProviderTransactionID, &a.FailureReason, &a.RetryCount, &a.NextRetryAt,
		&a.SupersededBy, &a.AttemptedAt, &a.CompletedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_attempts (id, invoice_id, amount, currency, payment_method, status, idempotency_key,
		                              provider_transaction_id, failure_reason, retry_count, next_retry_at,
		                              superseded_by, attempted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.InvoiceID, a.Amount, a.Currency, a.PaymentMethod, a.Status, a.IdempotencyKey,
		nullString(a.ProviderTransactionID), nullString(a.FailureReason), a.RetryCount, a.NextRetryAt,
		nullString(a.SupersededBy), a.AttemptedAt, a.CompletedAt)
	return mapErr("create payment attempt", err)
}

func (t *pgTx) GetAttemptForUpdate(ctx context.Context, id string) (*models.PaymentAttempt, error) {
	a, err := scanAttempt(t.tx.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("lock payment attempt", err)
	}
	return a, nil
}

func (t *pgTx) GetAttemptByKeyForUpdate(ctx context.Context, key string) (*models.PaymentAttempt, error) {
	a, err := scanAttempt(t.tx.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = $1 FOR UPDATE`, key))
	if err != nil {
		return nil, mapErr("lock payment attempt by key", err)
	}
	return a, nil
}

func (t *pgTx) ListAttempts(ctx context.Context, invoiceID string) ([]models.PaymentAttempt, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+attemptColumns+`
		FROM payment_attempts WHERE invoice_id = $1 ORDER BY retry_count, attempted_at`, invoiceID)
	if err != nil {
		return nil, mapErr("list payment attempts", err)
	}
	defer rows.Close()

	var attempts []models.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, mapErr("scan payment attempt", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, mapErr("list payment attempts", rows.Err())
}

func (t *pgTx) HasPendingAttempt(ctx context.Context, invoiceID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE invoice_id = $1 AND status = 'pending')`,
		invoiceID).Scan(&exists)
	return exists, mapErr("check pending attempt", err)
}

func (t *pgTx) UpdateAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET status = $2, provider_transaction_id = $3, failure_reason = $4, next_retry_at = $5,
		    superseded_by = $6, completed_at = $7
		WHERE id = $1`,
		a.ID, a.Status, nullString(a.ProviderTransactionID), nullString(a.FailureReason), a.NextRetryAt,
		nullString(a.SupersededBy), a.CompletedAt)
	if err != nil {
		return mapErr("update payment attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr("update payment attempt", sql.ErrNoRows)
	}
	return nil
}

func (t *pgTx) ClaimDueRetry(ctx context.Context, now time.Time, maxAttempts int) (*models.PaymentAttempt, error) {
	a, err := scanAttempt(t.tx.QueryRowContext(ctx, `SELECT `+attemptColumnsJoined+`
		FROM payment_attempts pa
		JOIN invoices i ON i.id = pa.invoice_id
		WHERE pa.status = 'failed'
		  AND pa.superseded_by IS NULL
		  AND pa.retry_count + 1 < $2
		  AND (pa.next_retry_at IS NULL OR pa.next_retry_at <= $1)
		  AND i.status = 'pending'
		ORDER BY pa.next_retry_at NULLS FIRST, pa.id
		LIMIT 1
		FOR UPDATE OF pa, i SKIP LOCKED`, now, maxAttempts))
	if err != nil {
		return nil, mapErr("claim due retry", err)
	}
	return a, nil
}

func (t *pgTx) ClaimStalePending(ctx context.Context, olderThan time.Time, afterID string) (*models.PaymentAttempt, error) {
	a, err := scanAttempt(t.tx.QueryRowContext(ctx, `SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE status = 'pending' AND attempted_at < $1 AND id > $2
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, olderThan, afterID))
	if err != nil {
		return nil, mapErr("claim stale attempt", err)
	}
	return a, nil
}
