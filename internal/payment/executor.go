package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/ride-billing-engine/internal/dunning"
	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/processor"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// idempotencyNamespace scopes the v5 uuids used as provider idempotency keys
var idempotencyNamespace = uuid.MustParse("6f1c3a52-4b0e-5d7a-9c1e-2a8b7d0f4e61")

// IdempotencyKey derives the provider key of one attempt
func IdempotencyKey(invoiceID, attemptID string) string {
	return "pay_" + uuid.NewSHA1(idempotencyNamespace, []byte(invoiceID+":"+attemptID)).String()
}

// Executor charges invoices. Local state changes run in short transactions on either
// side of the provider call; no lock is held while the provider works.
type Executor struct {
	store     store.Store
	provider  processor.Provider
	simulated processor.Provider
	dunning   *dunning.Engine
	policy    RetryPolicy
	emitter   *events.Emitter
	logger    *logger.Logger
	now       func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithPolicy sets the retry policy
func WithPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithClock overrides the clock
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithEmitter publishes payment events
func WithEmitter(emitter *events.Emitter) Option {
	return func(e *Executor) { e.emitter = emitter }
}

// WithDryRunProvider sets the provider used for dry runs
func WithDryRunProvider(p processor.Provider) Option {
	return func(e *Executor) { e.simulated = p }
}

// NewExecutor creates a payment executor
func NewExecutor(st store.Store, provider processor.Provider, dunningEngine *dunning.Engine, log *logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:     st,
		provider:  provider,
		simulated: processor.NewSimulatedProvider(0.9),
		dunning:   dunningEngine,
		policy:    DefaultRetryPolicy(),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the retry policy in use
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Attempts lists an invoice's payment attempts in creation order
func (e *Executor) Attempts(ctx context.Context, invoiceID string) ([]models.PaymentAttempt, error) {
	var out []models.PaymentAttempt
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetInvoice(ctx, invoiceID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListAttempts(ctx, invoiceID)
		return err
	})
	return out, err
}

// outcome is what the provider said about one attempt
type outcome struct {
	success       bool
	transactionID string
	reason        string
}

// ProcessPayment charges a pending or overdue invoice once. A declined charge is not
// an error: the returned attempt is failed and retries are scheduled from it.
// A dry run charges the simulated provider and writes nothing.
func (e *Executor) ProcessPayment(ctx context.Context, invoiceID string, dryRun bool) (*models.PaymentAttempt, error) {
	if dryRun {
		return e.simulate(ctx, invoiceID)
	}
	customerID, err := e.ensureCustomer(ctx, invoiceID, e.provider, true)
	if err != nil {
		return nil, err
	}

	var attempt *models.PaymentAttempt
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		attempt, err = e.openAttempt(ctx, tx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, e.provider, attempt, customerID)
}

// simulate returns the attempt a live charge would have produced, with the simulated
// provider's answer. The attempt is never stored, so it cannot move the invoice or
// enter the retry queue.
func (e *Executor) simulate(ctx context.Context, invoiceID string) (*models.PaymentAttempt, error) {
	customerID, err := e.ensureCustomer(ctx, invoiceID, e.simulated, false)
	if err != nil {
		return nil, err
	}

	var attempt *models.PaymentAttempt
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := checkPayable(ctx, tx, inv); err != nil {
			return err
		}
		latest, err := latestAttempt(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		attempt = e.newAttempt(inv, latest)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result, err := charge(ctx, e.simulated, &processor.ChargeRequest{
		CustomerID:     customerID,
		InvoiceID:      attempt.InvoiceID,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		IdempotencyKey: attempt.IdempotencyKey,
	})
	now := e.now()
	attempt.CompletedAt = &now
	switch {
	case err != nil:
		attempt.Status = models.AttemptStatusFailed
		attempt.FailureReason = err.Error()
	case result == nil || !result.Success:
		attempt.Status = models.AttemptStatusFailed
		attempt.FailureReason = "provider returned no successful result"
	default:
		attempt.Status = models.AttemptStatusSucceeded
		attempt.ProviderTransactionID = result.TransactionID
	}
	if attempt.Status == models.AttemptStatusFailed && e.policy.CanRetry(attempt.RetryCount) {
		next := e.policy.NextRetryAt(attempt.RetryCount, now)
		attempt.NextRetryAt = &next
	}

	e.logger.Info("Dry-run payment simulated", "invoice_id", invoiceID, "status", attempt.Status,
		"amount", attempt.Amount.StringFixed(2))
	return attempt, nil
}

// ensureCustomer makes sure the invoice's user exists at the provider. The provider
// call happens between transactions; a racing caller that stored an id first wins.
func (e *Executor) ensureCustomer(ctx context.Context, invoiceID string, provider processor.Provider, persist bool) (string, error) {
	var user *models.User
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !models.IsPayable(inv.Status) {
			return &models.InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status, Reason: "not payable"}
		}
		if !inv.TotalAmount.IsPositive() {
			return &models.ValidationError{Field: "total_amount", Message: "nothing to charge"}
		}
		user, err = tx.GetUser(ctx, inv.UserID)
		return err
	})
	if err != nil {
		return "", err
	}
	if user.ProviderCustomerID != "" {
		return user.ProviderCustomerID, nil
	}

	customerID, err := provider.CreateCustomer(ctx, &processor.CustomerProfile{UserID: user.ID, Name: user.Name, Email: user.Email})
	if err != nil {
		return "", fmt.Errorf("failed to create provider customer for user %s: %w", user.ID, err)
	}
	if !persist {
		return customerID, nil
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if current.ProviderCustomerID != "" {
			customerID = current.ProviderCustomerID
			return nil
		}
		return tx.SetProviderCustomerID(ctx, user.ID, customerID)
	})
	if err != nil {
		return "", err
	}
	return customerID, nil
}

// openAttempt inserts the next pending attempt for a locked invoice. Any earlier
// failed attempt that is still waiting for a retry is superseded by it.
func (e *Executor) openAttempt(ctx context.Context, tx store.Tx, inv *models.Invoice) (*models.PaymentAttempt, error) {
	if err := checkPayable(ctx, tx, inv); err != nil {
		return nil, err
	}
	latest, err := latestAttempt(ctx, tx, inv.ID)
	if err != nil {
		return nil, err
	}
	return e.createAttempt(ctx, tx, inv, latest)
}

// checkPayable rejects invoices that are settled, empty or already being charged
func checkPayable(ctx context.Context, tx store.Tx, inv *models.Invoice) error {
	if !models.IsPayable(inv.Status) {
		return &models.InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status, Reason: "not payable"}
	}
	if !inv.TotalAmount.IsPositive() {
		return &models.ValidationError{Field: "total_amount", Message: "nothing to charge"}
	}
	pending, err := tx.HasPendingAttempt(ctx, inv.ID)
	if err != nil {
		return err
	}
	if pending {
		return &models.InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status, Reason: "a payment attempt is already in flight"}
	}
	return nil
}

func latestAttempt(ctx context.Context, tx store.Tx, invoiceID string) (*models.PaymentAttempt, error) {
	previous, err := tx.ListAttempts(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	var latest *models.PaymentAttempt
	for i := range previous {
		if latest == nil || previous[i].RetryCount > latest.RetryCount {
			latest = &previous[i]
		}
	}
	return latest, nil
}

// newAttempt builds the pending attempt following prev (nil for the first one)
func (e *Executor) newAttempt(inv *models.Invoice, prev *models.PaymentAttempt) *models.PaymentAttempt {
	attemptID := uuid.New().String()
	attempt := &models.PaymentAttempt{
		ID:             attemptID,
		InvoiceID:      inv.ID,
		Amount:         inv.TotalAmount,
		Currency:       inv.Currency,
		PaymentMethod:  models.PaymentMethodCard,
		Status:         models.AttemptStatusPending,
		IdempotencyKey: IdempotencyKey(inv.ID, attemptID),
		AttemptedAt:    e.now(),
	}
	if prev != nil {
		attempt.RetryCount = prev.RetryCount + 1
	}
	return attempt
}

// createAttempt writes a pending attempt following prev
func (e *Executor) createAttempt(ctx context.Context, tx store.Tx, inv *models.Invoice, prev *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	attempt := e.newAttempt(inv, prev)
	if err := tx.CreateAttempt(ctx, attempt); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, &models.InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status, Reason: "a payment attempt is already in flight"}
		}
		return nil, fmt.Errorf("failed to create payment attempt: %w", err)
	}

	if prev != nil && prev.SupersededBy == "" && prev.Status == models.AttemptStatusFailed {
		prev.SupersededBy = attempt.ID
		prev.NextRetryAt = nil
		if err := tx.UpdateAttempt(ctx, prev); err != nil {
			return nil, fmt.Errorf("failed to supersede attempt %s: %w", prev.ID, err)
		}
	}
	return attempt, nil
}

// execute calls the provider for a pending attempt and records the result
func (e *Executor) execute(ctx context.Context, provider processor.Provider, attempt *models.PaymentAttempt, customerID string) (*models.PaymentAttempt, error) {
	e.logger.Info("Charging invoice", "invoice_id", attempt.InvoiceID, "attempt_id", attempt.ID,
		"retry_count", attempt.RetryCount, "amount", attempt.Amount.StringFixed(2))
	e.emitter.Emit(events.TypePayment, events.PaymentInitiated, paymentEvent(attempt))

	result, err := charge(ctx, provider, &processor.ChargeRequest{
		CustomerID:     customerID,
		InvoiceID:      attempt.InvoiceID,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		IdempotencyKey: attempt.IdempotencyKey,
	})

	out := outcome{}
	switch {
	case err != nil:
		out.reason = err.Error()
	case result == nil || !result.Success:
		out.reason = "provider returned no successful result"
	default:
		out.success = true
		out.transactionID = result.TransactionID
	}

	completed, _, err := e.complete(ctx, func(tx store.Tx) (*models.PaymentAttempt, error) {
		return tx.GetAttemptForUpdate(ctx, attempt.ID)
	}, out)
	if err != nil {
		e.logger.Error("Failed to record payment result, attempt stays pending", "attempt_id", attempt.ID, "error", err)
		return nil, err
	}
	return completed, nil
}

// charge converts provider panics into failures
func charge(ctx context.Context, provider processor.Provider, req *processor.ChargeRequest) (result *processor.ChargeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &models.ProviderError{Code: "PROVIDER_PANIC", Message: fmt.Sprint(r), Retryable: true}
		}
	}()
	return provider.ChargeCustomer(ctx, req)
}

// ApplyProviderOutcome completes a pending attempt from an asynchronous provider event.
// A success for a failed attempt is reconciled; any other event for a completed
// attempt changes nothing.
func (e *Executor) ApplyProviderOutcome(ctx context.Context, event *processor.ProviderEvent) (*models.PaymentAttempt, error) {
	if event == nil || event.IdempotencyKey == "" {
		return nil, &models.ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	out := outcome{success: event.Succeeded(), transactionID: event.TransactionID}
	if !out.success {
		out.reason = event.FailureCode
		if event.FailureMessage != "" {
			out.reason = fmt.Sprintf("%s: %s", event.FailureCode, event.FailureMessage)
		}
	}
	attempt, changed, err := e.complete(ctx, func(tx store.Tx) (*models.PaymentAttempt, error) {
		return tx.GetAttemptByKeyForUpdate(ctx, event.IdempotencyKey)
	}, out)
	if err != nil {
		return nil, err
	}
	if !changed {
		e.logger.Debug("Provider outcome for completed attempt ignored", "attempt_id", attempt.ID, "status", attempt.Status)
	}
	return attempt, nil
}

// complete finishes a pending attempt and moves the invoice in the same transaction.
// A success reported for a failed attempt is reconciled: the capture happened, so the
// attempt turns succeeded and any waiting retry is cancelled.
func (e *Executor) complete(ctx context.Context, load func(tx store.Tx) (*models.PaymentAttempt, error), out outcome) (*models.PaymentAttempt, bool, error) {
	var (
		attempt      *models.PaymentAttempt
		invoice      *models.Invoice
		notice       *models.DunningNotice
		changed      bool
		exhausted    bool
		reconciled   bool
		doubleCharge bool
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		attempt, err = load(tx)
		if err != nil {
			return err
		}
		switch {
		case attempt.Status == models.AttemptStatusPending:
		case out.success && attempt.Status == models.AttemptStatusFailed:
			reconciled = true
		default:
			return nil
		}
		invoice, err = tx.GetInvoiceForUpdate(ctx, attempt.InvoiceID)
		if err != nil {
			return err
		}

		now := e.now()
		changed = true

		if out.success {
			if reconciled {
				err = models.ReconcileAttempt(attempt)
			} else {
				attempt.CompletedAt = &now
				err = models.TransitionAttempt(attempt, models.AttemptStatusSucceeded)
			}
			if err != nil {
				return err
			}
			attempt.ProviderTransactionID = out.transactionID
			attempt.NextRetryAt = nil
			if err := tx.UpdateAttempt(ctx, attempt); err != nil {
				return err
			}
			if invoice.Status == models.InvoiceStatusPaid {
				doubleCharge = true
				return nil
			}
			if err := models.TransitionInvoice(invoice, models.InvoiceStatusPaid); err != nil {
				return err
			}
			invoice.PaidAt = &now
			invoice.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, invoice); err != nil {
				return err
			}
			return cancelWaitingRetries(ctx, tx, invoice.ID, attempt.ID)
		}

		attempt.CompletedAt = &now
		if err := models.TransitionAttempt(attempt, models.AttemptStatusFailed); err != nil {
			return err
		}
		attempt.FailureReason = out.reason
		if invoice.Status == models.InvoiceStatusPending {
			if e.policy.CanRetry(attempt.RetryCount) {
				next := e.policy.NextRetryAt(attempt.RetryCount, now)
				attempt.NextRetryAt = &next
			} else {
				exhausted = true
				if err := models.TransitionInvoice(invoice, models.InvoiceStatusOverdue); err != nil {
					return err
				}
				invoice.UpdatedAt = now
				if err := tx.UpdateInvoice(ctx, invoice); err != nil {
					return err
				}
				notice, err = e.dunning.CreateNoticeTx(ctx, tx, invoice, models.NoticeLevelReminder)
				if err != nil && !models.IsIdempotentNoop(err) {
					return err
				}
			}
		}
		return tx.UpdateAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, false, err
	}
	switch {
	case doubleCharge:
		e.logger.Error("Invoice captured twice, refund required", "invoice_id", invoice.ID,
			"attempt_id", attempt.ID, "transaction_id", attempt.ProviderTransactionID)
		e.emitter.Emit(events.TypePayment, events.PaymentDoubleCaptured, paymentEvent(attempt))
	case changed:
		if reconciled {
			e.logger.Warn("Late provider success reconciled", "invoice_id", invoice.ID, "attempt_id", attempt.ID)
		}
		e.report(attempt, invoice, exhausted)
	}
	if notice != nil {
		// Deliver logs its own failures
		_ = e.dunning.Deliver(ctx, notice)
	}
	return attempt, changed, nil
}

// cancelWaitingRetries clears the schedule of failed attempts once the invoice is paid
func cancelWaitingRetries(ctx context.Context, tx store.Tx, invoiceID, paidBy string) error {
	attempts, err := tx.ListAttempts(ctx, invoiceID)
	if err != nil {
		return err
	}
	for i := range attempts {
		a := &attempts[i]
		if a.ID == paidBy || a.Status != models.AttemptStatusFailed || a.NextRetryAt == nil {
			continue
		}
		a.NextRetryAt = nil
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) report(attempt *models.PaymentAttempt, invoice *models.Invoice, exhausted bool) {
	data := paymentEvent(attempt)
	switch {
	case attempt.Status == models.AttemptStatusSucceeded:
		e.logger.Info("Payment succeeded", "invoice_id", invoice.ID, "attempt_id", attempt.ID,
			"transaction_id", attempt.ProviderTransactionID)
		e.emitter.Emit(events.TypePayment, events.PaymentSucceeded, data)
		e.emitter.Emit(events.TypeInvoice, events.InvoicePaid, invoiceEvent(invoice))
	case exhausted:
		e.logger.Warn("Payment retries exhausted, invoice overdue", "invoice_id", invoice.ID,
			"attempt_id", attempt.ID, "retry_count", attempt.RetryCount, "reason", attempt.FailureReason)
		e.emitter.Emit(events.TypePayment, events.PaymentRetryExhausted, data)
		e.emitter.Emit(events.TypeInvoice, events.InvoiceOverdue, invoiceEvent(invoice))
	case attempt.NextRetryAt != nil:
		e.logger.Info("Payment failed, retry scheduled", "invoice_id", invoice.ID, "attempt_id", attempt.ID,
			"next_retry_at", attempt.NextRetryAt.Format(time.RFC3339), "reason", attempt.FailureReason)
		e.emitter.Emit(events.TypePayment, events.PaymentRetryScheduled, data)
	default:
		e.logger.Warn("Payment failed", "invoice_id", invoice.ID, "attempt_id", attempt.ID, "reason", attempt.FailureReason)
		e.emitter.Emit(events.TypePayment, events.PaymentFailed, data)
	}
}

func paymentEvent(a *models.PaymentAttempt) events.PaymentEventData {
	data := events.PaymentEventData{
		AttemptID:             a.ID,
		InvoiceID:             a.InvoiceID,
		Amount:                a.Amount.StringFixed(2),
		Currency:              a.Currency,
		Status:                a.Status,
		RetryCount:            a.RetryCount,
		ProviderTransactionID: a.ProviderTransactionID,
		FailureReason:         a.FailureReason,
	}
	if a.NextRetryAt != nil {
		data.NextRetryAt = a.NextRetryAt.Format(time.RFC3339)
	}
	return data
}

func invoiceEvent(inv *models.Invoice) events.InvoiceEventData {
	return events.InvoiceEventData{
		InvoiceID:   inv.ID,
		UserID:      inv.UserID,
		TotalAmount: inv.TotalAmount.StringFixed(2),
		Currency:    inv.Currency,
		Status:      inv.Status,
	}
}
