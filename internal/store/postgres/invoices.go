package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

const invoiceColumns = `id, user_id, period_start, period_end, line_items, total_amount, currency,
	due_date, status, created_at, updated_at, paid_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var (
		inv   models.Invoice
		items []byte
	)
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.PeriodStart, &inv.PeriodEnd, &items, &inv.TotalAmount,
		&inv.Currency, &inv.DueDate, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt, &inv.PaidAt); err != nil {
		return nil, err
	}
	if err := fromJSON(items, &inv.LineItems); err != nil {
		return nil, err
	}
	return &inv, nil
}

// LockInvoiceSlot takes a transaction-scoped advisory lock so two generators for the
// same user and period queue up instead of racing on the partial unique index.
func (t *pgTx) LockInvoiceSlot(ctx context.Context, userID string, periodStart time.Time) error {
	key := fmt.Sprintf("invoice:%s:%s", userID, periodStart.UTC().Format("2006-01"))
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return mapErr("lock invoice slot", err)
}

func (t *pgTx) FindBillableInvoice(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*models.Invoice, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+`
		FROM invoices
		WHERE user_id = $1 AND period_start = $2 AND period_end = $3 AND status <> 'draft'
		LIMIT 1`, userID, periodStart, periodEnd)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, mapErr("find billable invoice", err)
	}
	return inv, nil
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	items, err := toJSON(inv.LineItems)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inv.ID, inv.UserID, inv.PeriodStart, inv.PeriodEnd, items, inv.TotalAmount, inv.Currency,
		inv.DueDate, inv.Status, inv.CreatedAt, inv.UpdatedAt, inv.PaidAt)
	return mapErr("create invoice", err)
}

func (t *pgTx) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get invoice", err)
	}
	return inv, nil
}

func (t *pgTx) GetInvoiceForUpdate(ctx context.Context, id string) (*models.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("lock invoice", err)
	}
	return inv, nil
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv *models.Invoice) error {
	items, err := toJSON(inv.LineItems)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET line_items = $2, total_amount = $3, due_date = $4, status = $5, updated_at = $6, paid_at = $7
		WHERE id = $1`,
		inv.ID, items, inv.TotalAmount, inv.DueDate, inv.Status, inv.UpdatedAt, inv.PaidAt)
	if err != nil {
		return mapErr("update invoice", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr("update invoice", sql.ErrNoRows)
	}
	return nil
}

func (t *pgTx) ClaimNextOverdueInvoice(ctx context.Context, afterID string) (*models.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'overdue' AND id > $1
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, afterID))
	if err != nil {
		return nil, mapErr("claim overdue invoice", err)
	}
	return inv, nil
}
