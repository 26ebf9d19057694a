package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/httpclient"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/payment"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// Headers set on forwarded deliveries
const (
	HeaderSignature = "X-Billing-Signature"
	HeaderEventID   = "X-Billing-Event-Id"
	HeaderProvider  = "X-Billing-Provider"
	HeaderEventType = "X-Billing-Event-Type"
)

const (
	defaultForwardBatch = 50
	defaultForwardLease = 2 * time.Minute
)

// DefaultForwardPolicy backs off 1m, 2m, 4m... up to an hour, for five deliveries
func DefaultForwardPolicy() payment.RetryPolicy {
	return payment.RetryPolicy{
		BaseDelay:   time.Minute,
		Multiplier:  2,
		MaxDelay:    time.Hour,
		MaxAttempts: 5,
	}
}

// Forwarder delivers processed events to internal subscribers. Undeliverable rows are
// kept with failed_at set as dead letters.
type Forwarder struct {
	store   store.Store
	client  *httpclient.Client
	secret  string
	policy  payment.RetryPolicy
	batch   int
	lease   time.Duration
	emitter *events.Emitter
	logger  *logger.Logger
	now     func() time.Time
}

// ForwarderOption configures a Forwarder
type ForwarderOption func(*Forwarder)

// WithForwardPolicy sets the backoff and attempt limit
func WithForwardPolicy(p payment.RetryPolicy) ForwarderOption {
	return func(f *Forwarder) { f.policy = p }
}

// WithForwardClock overrides the clock
func WithForwardClock(now func() time.Time) ForwarderOption {
	return func(f *Forwarder) { f.now = now }
}

// WithForwardEmitter publishes forward events
func WithForwardEmitter(emitter *events.Emitter) ForwarderOption {
	return func(f *Forwarder) { f.emitter = emitter }
}

// WithBatchSize limits the retries claimed per sweep
func WithBatchSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.batch = n
		}
	}
}

// NewForwarder creates a forwarder signing deliveries with secret
func NewForwarder(st store.Store, secret string, timeout time.Duration, log *logger.Logger, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		store:  st,
		client: httpclient.NewClient("", timeout),
		secret: secret,
		policy: DefaultForwardPolicy(),
		batch:  defaultForwardBatch,
		lease:  defaultForwardLease,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enqueue queues event for each URL in its own transaction
func (f *Forwarder) Enqueue(ctx context.Context, event *models.WebhookEvent, urls []string) error {
	return f.store.WithTx(ctx, func(tx store.Tx) error {
		return f.EnqueueTx(ctx, tx, event, urls)
	})
}

// EnqueueTx queues event for each URL inside the caller's transaction. The first
// delivery is due immediately.
func (f *Forwarder) EnqueueTx(ctx context.Context, tx store.Tx, event *models.WebhookEvent, urls []string) error {
	now := f.now()
	for _, url := range urls {
		r := &models.WebhookRetry{
			ID:        uuid.New().String(),
			WebhookID: event.EventID,
			URL:       url,
			Payload:   event.Payload,
			Headers: map[string]string{
				HeaderEventID:   event.EventID,
				HeaderProvider:  event.Provider,
				HeaderEventType: event.EventType,
			},
			MaxAttempts: f.policy.MaxAttempts,
			NextRetryAt: now,
			CreatedAt:   now,
		}
		if err := tx.CreateWebhookRetry(ctx, r); err != nil {
			return fmt.Errorf("failed to queue forward to %s: %w", url, err)
		}
	}
	return nil
}

// ProcessPendingRetries delivers every due forward once
func (f *Forwarder) ProcessPendingRetries(ctx context.Context) (*models.BatchResult, error) {
	result := &models.BatchResult{Errors: []string{}}

	for {
		var claimed []models.WebhookRetry
		now := f.now()
		err := f.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			claimed, err = tx.ClaimDueWebhookRetries(ctx, now, now.Add(f.lease), f.batch)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("failed to claim webhook retries: %w", err)
		}
		if len(claimed) == 0 {
			return result, nil
		}

		for i := range claimed {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Processed++
			r := &claimed[i]
			deliveryErr := f.deliver(ctx, r)
			if err := f.settle(ctx, r, deliveryErr); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if deliveryErr != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.URL, deliveryErr))
				continue
			}
			result.Succeeded++
		}

		// A short page means everything due has been claimed; retries rescheduled in
		// this sweep are never due again within it.
		if len(claimed) < f.batch {
			return result, nil
		}
	}
}

// Sign produces the X-Billing-Signature value for a forwarded payload
func Sign(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *Forwarder) deliver(ctx context.Context, r *models.WebhookRetry) error {
	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}
	headers[HeaderSignature] = Sign(f.secret, r.Payload, f.now())

	resp, err := f.client.PostRaw(ctx, r.URL, r.Payload, headers)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return nil
}

func (f *Forwarder) settle(ctx context.Context, r *models.WebhookRetry, deliveryErr error) error {
	now := f.now()
	dead := false

	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		if deliveryErr == nil {
			return tx.DeleteWebhookRetry(ctx, r.ID)
		}
		r.CurrentAttempt++
		r.LastError = deliveryErr.Error()
		if r.CurrentAttempt >= r.MaxAttempts {
			r.FailedAt = &now
			dead = true
		} else {
			r.NextRetryAt = now.Add(f.policy.Delay(r.CurrentAttempt))
		}
		return tx.UpdateWebhookRetry(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("failed to record forward %s: %w", r.ID, err)
	}

	data := forwardEvent(r)
	switch {
	case deliveryErr == nil:
		f.logger.Info("Webhook forwarded", "event_id", r.WebhookID, "url", r.URL)
		f.emitter.Emit(events.TypeWebhook, events.WebhookForwardSent, data)
	case dead:
		f.logger.Error("Webhook forward dead-lettered", "event_id", r.WebhookID, "url", r.URL,
			"attempts", r.CurrentAttempt, "error", deliveryErr)
		f.emitter.Emit(events.TypeWebhook, events.WebhookForwardDead, data)
	default:
		f.logger.Warn("Webhook forward failed, will retry", "event_id", r.WebhookID, "url", r.URL,
			"attempt", r.CurrentAttempt, "next_retry_at", r.NextRetryAt, "error", deliveryErr)
		f.emitter.Emit(events.TypeWebhook, events.WebhookForwardRetry, data)
	}
	return nil
}

// DeadLetters lists forwards that ran out of attempts, oldest first
func (f *Forwarder) DeadLetters(ctx context.Context, limit int) ([]models.WebhookRetry, error) {
	var out []models.WebhookRetry
	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListDeadLetters(ctx, limit)
		return err
	})
	return out, err
}

// ForwardEventData is the payload of forward events
type ForwardEventData struct {
	RetryID   string `json:"retry_id"`
	EventID   string `json:"event_id"`
	URL       string `json:"url"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
}

func forwardEvent(r *models.WebhookRetry) ForwardEventData {
	return ForwardEventData{RetryID: r.ID, EventID: r.WebhookID, URL: r.URL, Attempt: r.CurrentAttempt, LastError: r.LastError}
}
