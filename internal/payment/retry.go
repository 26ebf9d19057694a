package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// DefaultStaleAfter is how long an attempt may stay pending before it is re-driven
const DefaultStaleAfter = 15 * time.Minute

// RetryScheduler re-drives failed and abandoned payment attempts
type RetryScheduler struct {
	executor   *Executor
	logger     *logger.Logger
	staleAfter time.Duration
}

// NewRetryScheduler creates a retry scheduler over an executor
func NewRetryScheduler(executor *Executor, log *logger.Logger, staleAfter time.Duration) *RetryScheduler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RetryScheduler{executor: executor, logger: log, staleAfter: staleAfter}
}

// ProcessPaymentRetries claims due failed attempts one transaction at a time, opens
// their successor and charges it. An attempt that cannot be opened is pushed to its
// next delay and the sweep moves on; only storage failures end it early.
func (s *RetryScheduler) ProcessPaymentRetries(ctx context.Context) (*models.BatchResult, error) {
	e := s.executor
	result := &models.BatchResult{Errors: []string{}}

	for {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep interrupted: %v", err))
			break
		}

		var (
			prevID     string
			next       *models.PaymentAttempt
			customerID string
		)
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			prev, err := tx.ClaimDueRetry(ctx, e.now(), e.policy.MaxAttempts)
			if err != nil {
				return err
			}
			prevID = prev.ID

			inv, err := tx.GetInvoiceForUpdate(ctx, prev.InvoiceID)
			if err != nil {
				return err
			}
			inFlight, err := tx.HasPendingAttempt(ctx, inv.ID)
			if err != nil {
				return err
			}
			if inFlight {
				// someone is charging this invoice right now; look again after the next delay
				later := e.policy.NextRetryAt(prev.RetryCount, e.now())
				prev.NextRetryAt = &later
				return tx.UpdateAttempt(ctx, prev)
			}

			user, err := tx.GetUser(ctx, inv.UserID)
			if err != nil {
				return err
			}
			if user.ProviderCustomerID == "" {
				return &models.InvalidStateError{Entity: "user", ID: user.ID, Status: user.Status, Reason: "no provider customer"}
			}
			customerID = user.ProviderCustomerID

			next, err = e.createAttempt(ctx, tx, inv, prev)
			return err
		})
		if prevID == "" {
			if errors.Is(err, models.ErrNotFound) {
				break
			}
			if err != nil {
				return result, fmt.Errorf("failed to claim due retry: %w", err)
			}
		}
		if err != nil {
			result.Processed++
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("attempt %s: %v", prevID, err))
			s.logger.Error("Failed to open retry attempt", "attempt_id", prevID, "error", err)
			if models.IsTransient(err) {
				break
			}
			if err := s.deferRetry(ctx, prevID); err != nil {
				// the row would be claimed again straight away
				s.logger.Error("Failed to defer retry attempt", "attempt_id", prevID, "error", err)
				break
			}
			continue
		}
		if next == nil {
			continue
		}

		result.Processed++
		attempt, err := e.execute(ctx, e.provider, next, customerID)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("attempt %s: %v", next.ID, err))
		case attempt.Status == models.AttemptStatusSucceeded:
			result.Succeeded++
		default:
			result.Failed++
		}
	}

	s.logger.Info("Payment retry sweep completed", "processed", result.Processed,
		"succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// deferRetry pushes a failed attempt that could not be opened to its next delay, so the
// rest of the due queue is reached in this sweep.
func (s *RetryScheduler) deferRetry(ctx context.Context, attemptID string) error {
	e := s.executor
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		prev, err := tx.GetAttemptForUpdate(ctx, attemptID)
		if err != nil {
			return err
		}
		if prev.Status != models.AttemptStatusFailed || prev.SupersededBy != "" {
			return nil
		}
		later := e.policy.NextRetryAt(prev.RetryCount, e.now())
		prev.NextRetryAt = &later
		return tx.UpdateAttempt(ctx, prev)
	})
}

// ResumeStaleAttempts re-drives attempts left pending by a crash between the charge and
// its bookkeeping. The original idempotency key is reused so the provider replays the
// first charge instead of making a second one.
func (s *RetryScheduler) ResumeStaleAttempts(ctx context.Context) (*models.BatchResult, error) {
	e := s.executor
	result := &models.BatchResult{Errors: []string{}}
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep interrupted: %v", err))
			break
		}

		var (
			attempt    *models.PaymentAttempt
			customerID string
		)
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			a, err := tx.ClaimStalePending(ctx, e.now().Add(-s.staleAfter), afterID)
			if err != nil {
				return err
			}
			attempt = a
			afterID = a.ID

			inv, err := tx.GetInvoice(ctx, a.InvoiceID)
			if err != nil {
				return err
			}
			user, err := tx.GetUser(ctx, inv.UserID)
			if err != nil {
				return err
			}
			customerID = user.ProviderCustomerID
			return nil
		})
		if attempt == nil {
			if errors.Is(err, models.ErrNotFound) {
				break
			}
			if err != nil {
				return result, fmt.Errorf("failed to claim stale attempt: %w", err)
			}
		}

		result.Processed++
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("attempt %s: %v", attempt.ID, err))
			continue
		}

		s.logger.Warn("Resuming stale payment attempt", "attempt_id", attempt.ID, "invoice_id", attempt.InvoiceID,
			"attempted_at", attempt.AttemptedAt.Format(time.RFC3339))
		completed, err := e.execute(ctx, e.provider, attempt, customerID)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("attempt %s: %v", attempt.ID, err))
		case completed.Status == models.AttemptStatusSucceeded:
			result.Succeeded++
		default:
			result.Failed++
		}
	}

	s.logger.Info("Stale attempt sweep completed", "processed", result.Processed,
		"succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}
