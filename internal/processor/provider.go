// Package processor talks to the payment provider that charges riders.
package processor

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider is the payment capability the billing engine charges through
type Provider interface {
	// ChargeCustomer charges a stored customer. A declined or failed charge returns an
	// error; a *models.ProviderError says whether it is worth retrying.
	ChargeCustomer(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	CreateCustomer(ctx context.Context, profile *CustomerProfile) (string, error)
	// HandleWebhook decodes an already verified provider event.
	HandleWebhook(payload []byte, signature string) (*ProviderEvent, error)
}

// ChargeRequest asks the provider to move money
type ChargeRequest struct {
	CustomerID     string          `json:"customer_id"`
	InvoiceID      string          `json:"invoice_id"`
	Amount         decimal.Decimal `json:"-"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ChargeResult is a completed charge
type ChargeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// CustomerProfile is what the provider needs to open a customer
type CustomerProfile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Provider event types
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// ProviderEvent is an asynchronous payment outcome pushed by the provider
type ProviderEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotency_key"`
	TransactionID  string `json:"transaction_id,omitempty"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// Succeeded reports whether the event confirms the charge
func (e *ProviderEvent) Succeeded() bool {
	return e.Type == EventPaymentSucceeded
}

// MinorUnits converts an amount to the integer minor units providers expect
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
