package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// Ledger owns the usage_ledgers rows: one per user and month, recomputed from trips
// and carrying the ordered list of manual adjustments.
type Ledger struct {
	store      store.Store
	aggregator *Aggregator
	now        func() time.Time
}

// NewLedger creates a ledger service.
func NewLedger(st store.Store, aggregator *Aggregator) *Ledger {
	return &Ledger{store: st, aggregator: aggregator, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Aggregator returns the aggregator the ledger prices with.
func (l *Ledger) Aggregator() *Aggregator {
	return l.aggregator
}

// Summarize aggregates a month without writing anything.
func (l *Ledger) Summarize(ctx context.Context, userID string, period models.BillingPeriod) (*models.UsageSummary, error) {
	var summary *models.UsageSummary
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		summary, err = l.aggregator.Aggregate(ctx, tx, userID, period)
		return err
	})
	return summary, err
}

// Get returns the stored ledger.
func (l *Ledger) Get(ctx context.Context, userID string, period models.BillingPeriod) (*models.UsageLedger, error) {
	var ledger *models.UsageLedger
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ledger, err = tx.GetLedgerForUpdate(ctx, userID, period.String())
		return err
	})
	return ledger, err
}

// Recompute re-aggregates a month inside tx and merges it into the stored ledger,
// keeping adjustments. The ledger row stays locked until tx ends.
func (l *Ledger) Recompute(ctx context.Context, tx store.Tx, userID string, period models.BillingPeriod) (*models.UsageLedger, *models.UsageSummary, error) {
	summary, err := l.aggregator.Aggregate(ctx, tx, userID, period)
	if err != nil {
		return nil, nil, err
	}

	now := l.now()
	ledger, err := tx.GetLedgerForUpdate(ctx, userID, period.String())
	switch {
	case errors.Is(err, models.ErrNotFound):
		ledger = &models.UsageLedger{UserID: userID, Period: period.String(), CreatedAt: now}
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load ledger for %s: %w", userID, err)
	}

	ledger.RidesCount = summary.RidesCount
	ledger.TotalDistanceMeters = summary.TotalDistance
	ledger.TotalDurationMinutes = summary.TotalDuration
	ledger.CostComponents = summary.Components
	ledger.RawAmount = summary.RawCost
	ledger.FinalAmount = summary.FinalCost
	ledger.UpdatedAt = now

	if err := tx.UpsertLedger(ctx, ledger); err != nil {
		return nil, nil, fmt.Errorf("failed to save ledger for %s: %w", userID, err)
	}
	return ledger, summary, nil
}

// AppendAdjustment records a credit or debit and refreshes the ledger totals.
func (l *Ledger) AppendAdjustment(ctx context.Context, userID string, period models.BillingPeriod, adj models.Adjustment) (*models.UsageLedger, error) {
	if err := validateAdjustment(adj); err != nil {
		return nil, err
	}
	if adj.AppliedAt.IsZero() {
		adj.AppliedAt = l.now()
	}
	adj.Amount = adj.Amount.Round(2)

	var ledger *models.UsageLedger
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		current, _, err := l.Recompute(ctx, tx, userID, period)
		if err != nil {
			return err
		}
		current.Adjustments = append(current.Adjustments, adj)
		current.FinalAmount = FinalCost(current.RawAmount, current.AdjustmentTotal())
		current.UpdatedAt = l.now()
		if err := tx.UpsertLedger(ctx, current); err != nil {
			return fmt.Errorf("failed to append adjustment for %s: %w", userID, err)
		}
		ledger = current
		return nil
	})
	return ledger, err
}

func validateAdjustment(adj models.Adjustment) error {
	if adj.Type != models.AdjustmentCredit && adj.Type != models.AdjustmentDebit {
		return &models.ValidationError{Field: "type", Message: "must be credit or debit"}
	}
	if !adj.Amount.IsPositive() {
		return &models.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return &models.ValidationError{Field: "reason", Message: "is required"}
	}
	return nil
}
