// internal/models/models.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a rider account that gets billed
type User struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	Email              string    `json:"email" db:"email"`
	Status             string    `json:"status" db:"status"`
	ProviderCustomerID string    `json:"provider_customer_id,omitempty" db:"provider_customer_id"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Trip is a completed or scheduled ride as seen by billing
type Trip struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Status          string     `json:"status" db:"status"`
	PickedUpAt      *time.Time `json:"picked_up_at,omitempty" db:"picked_up_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DistanceMeters  int64      `json:"distance_meters" db:"distance_meters"`
	DurationMinutes int64      `json:"duration_minutes" db:"duration_minutes"`
}

// Pricing holds the per-ride tariff used to cost a month of usage
type Pricing struct {
	Currency         string          `json:"currency"`
	BaseFarePerRide  decimal.Decimal `json:"base_fare_per_ride"`
	DistanceFeePerKm decimal.Decimal `json:"distance_fee_per_km"`
	TimeFeePerMinute decimal.Decimal `json:"time_fee_per_minute"`
}

// CostComponents is the cost breakdown of a usage period
type CostComponents struct {
	BaseFare    decimal.Decimal `json:"base_fare"`
	DistanceFee decimal.Decimal `json:"distance_fee"`
	TimeFee     decimal.Decimal `json:"time_fee"`
	Surcharges  decimal.Decimal `json:"surcharges"`
	Discounts   decimal.Decimal `json:"discounts"`
}

// Adjustment is a manual credit or debit applied to a ledger
type Adjustment struct {
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	AppliedAt time.Time       `json:"applied_at"`
}

// Signed returns the amount as it affects the charge: credits reduce it
func (a Adjustment) Signed() decimal.Decimal {
	if a.Type == AdjustmentCredit {
		return a.Amount.Neg()
	}
	return a.Amount
}

// UsageSummary is the output of aggregating one user's month of trips
type UsageSummary struct {
	UserID          string          `json:"user_id"`
	Period          string          `json:"period"`
	RidesCount      int64           `json:"rides_count"`
	TotalDistance   int64           `json:"total_distance_meters"`
	TotalDuration   int64           `json:"total_duration_minutes"`
	Components      CostComponents  `json:"cost_components"`
	RawCost         decimal.Decimal `json:"raw_cost"`
	AdjustmentTotal decimal.Decimal `json:"adjustment_total"`
	FinalCost       decimal.Decimal `json:"final_cost"`
}

// UsageLedger is the authoritative monthly usage record for a user
type UsageLedger struct {
	UserID               string          `json:"user_id" db:"user_id"`
	Period               string          `json:"period" db:"period"`
	RidesCount           int64           `json:"rides_count" db:"rides_count"`
	TotalDistanceMeters  int64           `json:"total_distance_meters" db:"total_distance_meters"`
	TotalDurationMinutes int64           `json:"total_duration_minutes" db:"total_duration_minutes"`
	CostComponents       CostComponents  `json:"cost_components" db:"cost_components"`
	Adjustments          []Adjustment    `json:"adjustments" db:"adjustments"`
	RawAmount            decimal.Decimal `json:"raw_amount" db:"raw_amount"`
	FinalAmount          decimal.Decimal `json:"final_amount" db:"final_amount"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// AdjustmentTotal sums the signed adjustments in order
func (l *UsageLedger) AdjustmentTotal() decimal.Decimal {
	total := decimal.Zero
	for _, adj := range l.Adjustments {
		total = total.Add(adj.Signed())
	}
	return total
}

// LineItem is one priced row of an invoice
type LineItem struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// Invoice bills a user for one billing period
type Invoice struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	PeriodStart time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time       `json:"period_end" db:"period_end"`
	LineItems   []LineItem      `json:"line_items" db:"line_items"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Currency    string          `json:"currency" db:"currency"`
	DueDate     time.Time       `json:"due_date" db:"due_date"`
	Status      string          `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

// LineItemsTotal sums the line item totals
func (i *Invoice) LineItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range i.LineItems {
		total = total.Add(item.TotalPrice)
	}
	return total
}

// PaymentAttempt is a single charge attempt against the provider
type PaymentAttempt struct {
	ID                    string          `json:"id" db:"id"`
	InvoiceID             string          `json:"invoice_id" db:"invoice_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Currency              string          `json:"currency" db:"currency"`
	PaymentMethod         string          `json:"payment_method" db:"payment_method"`
	Status                string          `json:"status" db:"status"`
	IdempotencyKey        string          `json:"idempotency_key" db:"idempotency_key"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty" db:"provider_transaction_id"`
	FailureReason         string          `json:"failure_reason,omitempty" db:"failure_reason"`
	RetryCount            int             `json:"retry_count" db:"retry_count"`
	NextRetryAt           *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	SupersededBy          string          `json:"superseded_by,omitempty" db:"superseded_by"`
	AttemptedAt           time.Time       `json:"attempted_at" db:"attempted_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// DunningNotice is one rung of the overdue escalation ladder
type DunningNotice struct {
	ID          string          `json:"id" db:"id"`
	InvoiceID   string          `json:"invoice_id" db:"invoice_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	NoticeLevel int             `json:"notice_level" db:"notice_level"`
	Status      string          `json:"status" db:"status"`
	SentAt      time.Time       `json:"sent_at" db:"sent_at"`
	DueDate     time.Time       `json:"due_date" db:"due_date"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Message     string          `json:"message" db:"message"`
	Delivered   bool            `json:"delivered" db:"delivered"`
}

// WebhookEvent is an inbound provider event, stored once per event id
type WebhookEvent struct {
	ID              string     `json:"id" db:"id"`
	EventID         string     `json:"event_id" db:"event_id"`
	Provider        string     `json:"provider" db:"provider"`
	EventType       string     `json:"event_type" db:"event_type"`
	Payload         []byte     `json:"payload" db:"payload"`
	Signature       string     `json:"signature" db:"signature"`
	Timestamp       string     `json:"timestamp,omitempty" db:"timestamp"`
	Status          string     `json:"status" db:"status"`
	Processed       bool       `json:"processed" db:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ProcessingError string     `json:"processing_error,omitempty" db:"processing_error"`
	ClaimedAt       time.Time  `json:"claimed_at" db:"claimed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// WebhookRetry is a queued outbound delivery of an event we forward
type WebhookRetry struct {
	ID             string            `json:"id" db:"id"`
	WebhookID      string            `json:"webhook_id" db:"webhook_id"`
	URL            string            `json:"url" db:"url"`
	Payload        []byte            `json:"payload" db:"payload"`
	Headers        map[string]string `json:"headers" db:"headers"`
	MaxAttempts    int               `json:"max_attempts" db:"max_attempts"`
	CurrentAttempt int               `json:"current_attempt" db:"current_attempt"`
	NextRetryAt    time.Time         `json:"next_retry_at" db:"next_retry_at"`
	LastError      string            `json:"last_error,omitempty" db:"last_error"`
	FailedAt       *time.Time        `json:"failed_at,omitempty" db:"failed_at"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// BillingCycleResult summarises a billing cycle run
type BillingCycleResult struct {
	Period            string          `json:"period"`
	DryRun            bool            `json:"dry_run"`
	ProcessedUsers    int             `json:"processed_users"`
	GeneratedInvoices int             `json:"generated_invoices"`
	Skipped           int             `json:"skipped"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Errors            []string        `json:"errors"`
}

// BatchResult summarises a sweep over payment attempts, notices or webhook retries
type BatchResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Constants for model values
const (
	// User statuses
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"

	// Trip statuses
	TripStatusScheduled = "scheduled"
	TripStatusCompleted = "completed"
	TripStatusCancelled = "cancelled"

	// Adjustment types
	AdjustmentCredit = "credit"
	AdjustmentDebit  = "debit"

	// Line item types
	LineItemRides       = "rides"
	LineItemDistance    = "distance"
	LineItemTime        = "time"
	LineItemAdjustments = "adjustments"

	// Payment methods
	PaymentMethodCard = "card"

	// Dunning notice statuses
	NoticeStatusSent = "sent"

	// Webhook event statuses
	WebhookStatusStored    = "stored"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)
