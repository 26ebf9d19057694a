package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

func (t *pgTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, email, status, COALESCE(provider_customer_id, ''), created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Status, &u.ProviderCustomerID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr("get user", err)
	}
	return &u, nil
}

func (t *pgTx) SetProviderCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET provider_customer_id = $2, updated_at = NOW() WHERE id = $1`, userID, customerID)
	return mapErr("set provider customer", err)
}

func (t *pgTx) SuspendUser(ctx context.Context, userID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`, userID, models.UserStatusSuspended)
	if err != nil {
		return mapErr("suspend user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr("suspend user", sql.ErrNoRows)
	}
	return nil
}

func (t *pgTx) ListQualifyingTrips(ctx context.Context, userID string, from, to time.Time) ([]models.Trip, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, status, picked_up_at, completed_at, distance_meters, duration_minutes
		FROM trips
		WHERE user_id = $1
		  AND status = 'completed'
		  AND picked_up_at IS NOT NULL
		  AND completed_at >= $2 AND completed_at < $3
		ORDER BY id`, userID, from, to)
	if err != nil {
		return nil, mapErr("list trips", err)
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		var trip models.Trip
		if err := rows.Scan(&trip.ID, &trip.UserID, &trip.Status, &trip.PickedUpAt, &trip.CompletedAt,
			&trip.DistanceMeters, &trip.DurationMinutes); err != nil {
			return nil, mapErr("scan trip", err)
		}
		trips = append(trips, trip)
	}
	return trips, mapErr("list trips", rows.Err())
}

func (t *pgTx) ListBillableUsers(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT u.id
		FROM users u
		JOIN trips tr ON tr.user_id = u.id
		WHERE u.status = 'active'
		  AND tr.status = 'completed'
		  AND tr.picked_up_at IS NOT NULL
		  AND tr.completed_at >= $1 AND tr.completed_at < $2
		ORDER BY u.id`, from, to)
	if err != nil {
		return nil, mapErr("list billable users", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan billable user", err)
		}
		ids = append(ids, id)
	}
	return ids, mapErr("list billable users", rows.Err())
}

func (t *pgTx) GetLedgerForUpdate(ctx context.Context, userID, period string) (*models.UsageLedger, error) {
	var (
		l                     models.UsageLedger
		components, adjustRaw []byte
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, period, rides_count, total_distance_meters, total_duration_minutes,
		       cost_components, adjustments, raw_amount, final_amount, created_at, updated_at
		FROM usage_ledgers
		WHERE user_id = $1 AND period = $2
		FOR UPDATE`, userID, period,
	).Scan(&l.UserID, &l.Period, &l.RidesCount, &l.TotalDistanceMeters, &l.TotalDurationMinutes,
		&components, &adjustRaw, &l.RawAmount, &l.FinalAmount, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, mapErr("get ledger", err)
	}
	if err := fromJSON(components, &l.CostComponents); err != nil {
		return nil, err
	}
	if err := fromJSON(adjustRaw, &l.Adjustments); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) UpsertLedger(ctx context.Context, l *models.UsageLedger) error {
	components, err := toJSON(l.CostComponents)
	if err != nil {
		return err
	}
	adjustments := l.Adjustments
	if adjustments == nil {
		adjustments = []models.Adjustment{}
	}
	adjustRaw, err := toJSON(adjustments)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO usage_ledgers (user_id, period, rides_count, total_distance_meters, total_duration_minutes,
		                           cost_components, adjustments, raw_amount, final_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, period) DO UPDATE SET
			rides_count = EXCLUDED.rides_count,
			total_distance_meters = EXCLUDED.total_distance_meters,
			total_duration_minutes = EXCLUDED.total_duration_minutes,
			cost_components = EXCLUDED.cost_components,
			adjustments = EXCLUDED.adjustments,
			raw_amount = EXCLUDED.raw_amount,
			final_amount = EXCLUDED.final_amount,
			updated_at = EXCLUDED.updated_at`,
		l.UserID, l.Period, l.RidesCount, l.TotalDistanceMeters, l.TotalDurationMinutes,
		components, adjustRaw, l.RawAmount, l.FinalAmount, l.CreatedAt, l.UpdatedAt)
	return mapErr("upsert ledger", err)
}
