package postgres

import (
	"context"
	"database/sql"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

func (t *pgTx) ListNotices(ctx context.Context, invoiceID string) ([]models.DunningNotice, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, invoice_id, user_id, notice_level, status, sent_at, due_date, amount, message, delivered
		FROM dunning_notices
		WHERE invoice_id = $1
		ORDER BY notice_level`, invoiceID)
	if err != nil {
		return nil, mapErr("list dunning notices", err)
	}
	defer rows.Close()

	var notices []models.DunningNotice
	for rows.Next() {
		var n models.DunningNotice
		if err := rows.Scan(&n.ID, &n.InvoiceID, &n.UserID, &n.NoticeLevel, &n.Status, &n.SentAt, &n.DueDate,
			&n.Amount, &n.Message, &n.Delivered); err != nil {
			return nil, mapErr("scan dunning notice", err)
		}
		notices = append(notices, n)
	}
	return notices, mapErr("list dunning notices", rows.Err())
}

func (t *pgTx) CreateNotice(ctx context.Context, n *models.DunningNotice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dunning_notices (id, invoice_id, user_id, notice_level, status, sent_at, due_date, amount, message, delivered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.InvoiceID, n.UserID, n.NoticeLevel, n.Status, n.SentAt, n.DueDate, n.Amount, n.Message, n.Delivered)
	return mapErr("create dunning notice", err)
}

func (t *pgTx) MarkNoticeDelivered(ctx context.Context, id string, delivered bool) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE dunning_notices SET delivered = $2 WHERE id = $1`, id, delivered)
	if err != nil {
		return mapErr("mark notice delivered", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr("mark notice delivered", sql.ErrNoRows)
	}
	return nil
}
