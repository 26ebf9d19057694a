package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// RunBillingCycle generates an invoice for every active user with usage in the
// period. Each user is billed in its own transaction; a failing user is recorded
// and the cycle moves on. Users already billed count as skipped, so a rerun after
// an interruption picks up where the last one stopped.
func (e *Engine) RunBillingCycle(ctx context.Context, period models.BillingPeriod, dryRun bool) (*models.BillingCycleResult, error) {
	result := &models.BillingCycleResult{
		Period:      period.String(),
		DryRun:      dryRun,
		TotalAmount: decimal.Zero,
		Errors:      []string{},
	}

	var userIDs []string
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		userIDs, err = tx.ListBillableUsers(ctx, period.Start(), period.End())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list billable users: %w", err)
	}

	start := time.Now()
	e.logger.Info("Billing cycle started", "period", period.String(), "users", len(userIDs), "dry_run", dryRun)

	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cycle interrupted: %v", err))
			break
		}
		result.ProcessedUsers++

		inv, err := e.GenerateInvoice(ctx, userID, period, dryRun)
		switch {
		case models.IsIdempotentNoop(err):
			result.Skipped++
		case err != nil:
			e.logger.Error("Failed to bill user", "user_id", userID, "period", period.String(), "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("user %s: %v", userID, err))
		default:
			result.GeneratedInvoices++
			result.TotalAmount = result.TotalAmount.Add(inv.TotalAmount)
		}
	}

	e.logger.Info("Billing cycle completed",
		"period", period.String(),
		"processed", result.ProcessedUsers,
		"generated", result.GeneratedInvoices,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
		"total", result.TotalAmount.StringFixed(2),
		"duration", time.Since(start).String())
	return result, nil
}
