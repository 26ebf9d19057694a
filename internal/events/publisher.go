package events

import (
	"context"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/logger"
)

// Event is a billing event fanned out to the bus and the live feed
type Event struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// RoutingKey is the topic the event is published under, e.g. "payment.succeeded"
func (e Event) RoutingKey() string {
	return e.Type + "." + e.Event
}

// Publisher delivers one event somewhere
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emitter fans events out to publishers without blocking the caller.
// A nil *Emitter is valid and drops everything.
type Emitter struct {
	publishers []Publisher
	logger     *logger.Logger
	timeout    time.Duration
}

// NewEmitter creates an emitter over the given publishers
func NewEmitter(log *logger.Logger, publishers ...Publisher) *Emitter {
	if log == nil {
		log = logger.Discard()
	}
	return &Emitter{publishers: publishers, logger: log, timeout: 5 * time.Second}
}

// Emit publishes asynchronously (fire and forget); failures are only logged
func (e *Emitter) Emit(eventType, eventName string, data interface{}) {
	if e == nil || len(e.publishers) == 0 {
		return
	}
	event := Event{Type: eventType, Event: eventName, Data: data, Timestamp: time.Now().UTC()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		for _, p := range e.publishers {
			if err := p.Publish(ctx, event); err != nil {
				e.logger.Warn("failed to publish event", "routing_key", event.RoutingKey(), "error", err)
			}
		}
	}()
}

// Event type constants
const (
	TypeInvoice = "invoice"
	TypePayment = "payment"
	TypeDunning = "dunning"
	TypeWebhook = "webhook"
	TypeJob     = "job"
)

// Invoice events
const (
	InvoiceGenerated = "generated"
	InvoicePaid      = "paid"
	InvoiceOverdue   = "overdue"
)

// Payment events
const (
	PaymentInitiated      = "initiated"
	PaymentSucceeded      = "succeeded"
	PaymentFailed         = "failed"
	PaymentRetryScheduled = "retry_scheduled"
	PaymentRetryExhausted = "retry_exhausted"
	PaymentDoubleCaptured = "double_captured"
)

// Dunning events
const (
	DunningNoticeSent = "notice_sent"
	DunningSuspended  = "account_suspended"
)

// Webhook events
const (
	WebhookReceived     = "received"
	WebhookProcessed    = "processed"
	WebhookForwardDead  = "forward_dead_lettered"
	WebhookForwardSent  = "forwarded"
	WebhookForwardRetry = "forward_retry_scheduled"
)

// Job events
const (
	JobStarted   = "started"
	JobCompleted = "completed"
)

// InvoiceEventData is the payload of invoice events
type InvoiceEventData struct {
	InvoiceID   string `json:"invoice_id"`
	UserID      string `json:"user_id"`
	Period      string `json:"period,omitempty"`
	TotalAmount string `json:"total_amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// PaymentEventData is the payload of payment events
type PaymentEventData struct {
	AttemptID             string `json:"attempt_id"`
	InvoiceID             string `json:"invoice_id"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Status                string `json:"status"`
	RetryCount            int    `json:"retry_count"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
	FailureReason         string `json:"failure_reason,omitempty"`
	NextRetryAt           string `json:"next_retry_at,omitempty"`
}

// DunningEventData is the payload of dunning events
type DunningEventData struct {
	NoticeID  string `json:"notice_id"`
	InvoiceID string `json:"invoice_id"`
	UserID    string `json:"user_id"`
	Level     int    `json:"level"`
	Amount    string `json:"amount"`
	Delivered bool   `json:"delivered"`
}

// JobEventData is the payload of scheduler job events
type JobEventData struct {
	Job      string      `json:"job"`
	Duration string      `json:"duration,omitempty"`
	Result   interface{} `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}
