// Package store defines the transactional persistence boundary of the billing engine.
//
// Every state transition runs inside Store.WithTx. Methods ending in ForUpdate take a
// row lock that lasts until the transaction ends. Claim methods skip rows locked by
// other transactions so overlapping batch jobs never pick the same work.
package store

import (
	"context"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// Store opens transactions.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	Users
	Trips
	Ledgers
	Invoices
	Attempts
	Notices
	Webhooks
}

// Users reads and updates rider accounts.
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	SetProviderCustomerID(ctx context.Context, userID, customerID string) error
	SuspendUser(ctx context.Context, userID string) error
}

// Trips reads the usage input.
type Trips interface {
	// ListQualifyingTrips returns completed trips with a pickup, completed in [from, to).
	ListQualifyingTrips(ctx context.Context, userID string, from, to time.Time) ([]models.Trip, error)
	// ListBillableUsers returns active users with at least one qualifying trip in [from, to).
	ListBillableUsers(ctx context.Context, from, to time.Time) ([]string, error)
}

// Ledgers persists usage ledgers.
type Ledgers interface {
	GetLedgerForUpdate(ctx context.Context, userID, period string) (*models.UsageLedger, error)
	UpsertLedger(ctx context.Context, ledger *models.UsageLedger) error
}

// Invoices persists invoices.
type Invoices interface {
	// LockInvoiceSlot serialises invoice creation for one user and period until the transaction ends.
	LockInvoiceSlot(ctx context.Context, userID string, periodStart time.Time) error
	FindBillableInvoice(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*models.Invoice, error)
	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id string) (*models.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *models.Invoice) error
	// ClaimNextOverdueInvoice locks the overdue invoice with the smallest id above afterID,
	// skipping rows locked elsewhere. It returns models.ErrNotFound when none is left.
	ClaimNextOverdueInvoice(ctx context.Context, afterID string) (*models.Invoice, error)
}

// Attempts persists payment attempts.
type Attempts interface {
	CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error
	GetAttemptForUpdate(ctx context.Context, id string) (*models.PaymentAttempt, error)
	GetAttemptByKeyForUpdate(ctx context.Context, idempotencyKey string) (*models.PaymentAttempt, error)
	ListAttempts(ctx context.Context, invoiceID string) ([]models.PaymentAttempt, error)
	HasPendingAttempt(ctx context.Context, invoiceID string) (bool, error)
	UpdateAttempt(ctx context.Context, a *models.PaymentAttempt) error
	// ClaimDueRetry locks one failed, unsuperseded attempt of a pending invoice whose
	// next retry is due and whose successor would still be within maxAttempts.
	ClaimDueRetry(ctx context.Context, now time.Time, maxAttempts int) (*models.PaymentAttempt, error)
	// ClaimStalePending locks the pending attempt with the smallest id above afterID that
	// started before olderThan.
	ClaimStalePending(ctx context.Context, olderThan time.Time, afterID string) (*models.PaymentAttempt, error)
}

// Notices persists dunning notices.
type Notices interface {
	ListNotices(ctx context.Context, invoiceID string) ([]models.DunningNotice, error)
	// CreateNotice returns models.ErrConflict when the (invoice, level) pair exists.
	CreateNotice(ctx context.Context, n *models.DunningNotice) error
	MarkNoticeDelivered(ctx context.Context, id string, delivered bool) error
}

// Webhooks persists inbound events and the outbound retry queue.
type Webhooks interface {
	// InsertWebhookEvent stores the event unless its event id exists; created reports which.
	InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) (created bool, err error)
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	// ClaimWebhookEvent takes ownership of an unprocessed event that failed or whose claim expired.
	ClaimWebhookEvent(ctx context.Context, eventID string, now, staleBefore time.Time) (bool, error)
	UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error

	CreateWebhookRetry(ctx context.Context, r *models.WebhookRetry) error
	// ClaimDueWebhookRetries leases due, live retries by pushing next_retry_at to leaseUntil.
	ClaimDueWebhookRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.WebhookRetry, error)
	UpdateWebhookRetry(ctx context.Context, r *models.WebhookRetry) error
	DeleteWebhookRetry(ctx context.Context, id string) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.WebhookRetry, error)
}
