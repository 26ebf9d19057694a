// Package webhook verifies, deduplicates and processes inbound provider webhooks,
// and forwards processed events to internal subscribers with retries.
//
// A delivery moves received → validated → stored (or deduplicated) → processed or
// failed. The event id unique constraint decides which of two racing deliveries does
// the work; the loser reports a duplicate so the provider stops redelivering.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// Defaults for the gateway
const (
	DefaultToleranceSeconds = 300
	DefaultClaimLease       = 5 * time.Minute
	DefaultDedupTTL         = 72 * time.Hour
)

// Handler processes one stored event. Wrap the error with Retryable to have the
// provider redeliver it.
type Handler func(ctx context.Context, event *models.WebhookEvent) error

// DedupCache remembers processed event ids in front of the database
type DedupCache interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// Delivery is a validated webhook
type Delivery struct {
	Provider  string
	EventID   string
	EventType string
	Payload   []byte
	Signature string
	Timestamp string
}

// Outcome is what the ingress endpoint reports back
type Outcome struct {
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type,omitempty"`
	Duplicate       bool   `json:"duplicate"`
	ProcessingError string `json:"processing_error,omitempty"`
}

// Gateway is the webhook ingress pipeline
type Gateway struct {
	store      store.Store
	providers  map[string]Provider
	handlers   map[string]Handler
	cache      DedupCache
	forwarder  *Forwarder
	tolerance  int64
	claimLease time.Duration
	dedupTTL   time.Duration
	emitter    *events.Emitter
	logger     *logger.Logger
	now        func() time.Time
}

// Option configures a Gateway
type Option func(*Gateway)

// WithTolerance sets the allowed clock skew of provider timestamps
func WithTolerance(seconds int64) Option {
	return func(g *Gateway) { g.tolerance = seconds }
}

// WithClaimLease sets how long a stored event stays claimed by one delivery
func WithClaimLease(d time.Duration) Option {
	return func(g *Gateway) { g.claimLease = d }
}

// WithCache enables the dedup fast path
func WithCache(c DedupCache, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cache = c
		if ttl > 0 {
			g.dedupTTL = ttl
		}
	}
}

// WithForwarder queues processed events for the provider's forward URLs
func WithForwarder(f *Forwarder) Option {
	return func(g *Gateway) { g.forwarder = f }
}

// WithEmitter publishes webhook events
func WithEmitter(emitter *events.Emitter) Option {
	return func(g *Gateway) { g.emitter = emitter }
}

// WithClock overrides the clock
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway for the given providers
func NewGateway(st store.Store, providers []Provider, log *logger.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:      st,
		providers:  make(map[string]Provider, len(providers)),
		handlers:   make(map[string]Handler),
		tolerance:  DefaultToleranceSeconds,
		claimLease: DefaultClaimLease,
		dedupTTL:   DefaultDedupTTL,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, p := range providers {
		g.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle registers the handler for an event type
func (g *Gateway) Handle(eventType string, h Handler) {
	g.handlers[eventType] = h
}

// Provider returns a configured provider
func (g *Gateway) Provider(name string) (Provider, bool) {
	p, ok := g.providers[name]
	return p, ok
}

// ValidateWebhook authenticates a delivery and derives its event id
func (g *Gateway) ValidateWebhook(providerName string, payload []byte, signature, timestamp string) (*Delivery, error) {
	p, ok := g.providers[providerName]
	if !ok || p.Secret == "" {
		return nil, &models.UnknownProviderError{Provider: providerName}
	}
	if signature == "" {
		return nil, &models.SignatureError{Provider: providerName, Reason: "missing signature"}
	}

	headerTS, candidates := parseSignatureHeader(signature)
	if timestamp == "" {
		timestamp = headerTS
	}

	if timestamp != "" {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return nil, &models.ValidationError{Field: "timestamp", Message: "not a unix timestamp"}
		}
		skew := g.now().Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if skew > g.tolerance {
			return nil, &models.StaleTimestampError{Provider: providerName, SkewSecs: skew, Tolerance: g.tolerance}
		}
	} else if p.Signer.NeedsTimestamp {
		return nil, &models.SignatureError{Provider: providerName, Reason: "missing timestamp"}
	}

	if !p.Signer.Verify(p.Secret, payload, timestamp, candidates) {
		return nil, &models.SignatureError{Provider: providerName, Reason: "signature mismatch"}
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &models.ValidationError{Field: "payload", Message: "not a JSON object"}
	}

	d := &Delivery{
		Provider:  providerName,
		EventType: stringField(fields, p.EventTypeField),
		Payload:   payload,
		Signature: signature,
		Timestamp: timestamp,
	}
	if id := stringField(fields, p.EventIDField); id != "" {
		d.EventID = providerName + ":" + id
	} else if p.Signer.NeedsTimestamp {
		d.EventID = DeriveEventID(providerName, payload, timestamp)
	} else {
		// the timestamp is not signed here, so it must not make a replay look new
		d.EventID = DeriveEventID(providerName, payload, "")
	}
	if d.EventType == "" {
		d.EventType = "unknown"
	}
	return d, nil
}

// DeriveEventID hashes a delivery that carries no event id of its own
func DeriveEventID(provider string, payload []byte, timestamp string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{'|'})
	h.Write(payload)
	h.Write([]byte{'|'})
	h.Write([]byte(timestamp))
	return provider + ":sha256:" + hex.EncodeToString(h.Sum(nil))
}

func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// StoreWebhookEvent inserts the event once. claimed reports whether this delivery owns
// processing: true for a fresh insert and for a re-claim of a failed or abandoned event.
func (g *Gateway) StoreWebhookEvent(ctx context.Context, d *Delivery) (*models.WebhookEvent, bool, error) {
	now := g.now()
	event := &models.WebhookEvent{
		ID:        uuid.New().String(),
		EventID:   d.EventID,
		Provider:  d.Provider,
		EventType: d.EventType,
		Payload:   d.Payload,
		Signature: d.Signature,
		Timestamp: d.Timestamp,
		Status:    models.WebhookStatusStored,
		ClaimedAt: now,
		CreatedAt: now,
	}

	claimed := false
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		created, err := tx.InsertWebhookEvent(ctx, event)
		if err != nil {
			return err
		}
		if created {
			claimed = true
			return nil
		}

		existing, err := tx.GetWebhookEvent(ctx, d.EventID)
		if err != nil {
			return err
		}
		event = existing
		if existing.Processed {
			return nil
		}
		claimed, err = tx.ClaimWebhookEvent(ctx, d.EventID, now, now.Add(-g.claimLease))
		if err != nil {
			return err
		}
		if claimed {
			event.Status = models.WebhookStatusStored
			event.ClaimedAt = now
			event.ProcessingError = ""
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to store webhook event: %w", err)
	}
	return event, claimed, nil
}

// MarkEventProcessed records the result of processing. A retryable error leaves the
// event unprocessed so the next delivery of the same id runs it again.
func (g *Gateway) MarkEventProcessed(ctx context.Context, eventID string, procErr error) error {
	return g.finish(ctx, eventID, procErr, nil)
}

func (g *Gateway) finish(ctx context.Context, eventID string, procErr error, forwardURLs []string) error {
	var processed bool
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		event, err := tx.GetWebhookEvent(ctx, eventID)
		if err != nil {
			return err
		}
		now := g.now()

		if procErr != nil && IsRetryable(procErr) {
			event.Status = models.WebhookStatusFailed
			event.Processed = false
			event.ProcessingError = procErr.Error()
			return tx.UpdateWebhookEvent(ctx, event)
		}

		event.Status = models.WebhookStatusProcessed
		event.Processed = true
		event.ProcessedAt = &now
		event.ProcessingError = ""
		if procErr != nil {
			event.ProcessingError = procErr.Error()
		}
		processed = true
		if err := tx.UpdateWebhookEvent(ctx, event); err != nil {
			return err
		}
		if procErr == nil && g.forwarder != nil && len(forwardURLs) > 0 {
			return g.forwarder.EnqueueTx(ctx, tx, event, forwardURLs)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s: %w", eventID, err)
	}

	if processed && g.cache != nil {
		if err := g.cache.MarkProcessed(ctx, eventID, g.dedupTTL); err != nil {
			g.logger.Warn("Failed to cache processed webhook", "event_id", eventID, "error", err)
		}
	}
	return nil
}

// Receive runs the whole pipeline for one delivery. Returned errors are validation
// failures (4xx) or retryable processing failures (5xx); a duplicate is a success.
func (g *Gateway) Receive(ctx context.Context, providerName string, payload []byte, signature, timestamp string) (*Outcome, error) {
	d, err := g.ValidateWebhook(providerName, payload, signature, timestamp)
	if err != nil {
		g.logger.Warn("Webhook rejected", "provider", providerName, "error", err)
		return nil, err
	}
	out := &Outcome{EventID: d.EventID, EventType: d.EventType}

	if g.cache != nil {
		hit, err := g.cache.IsProcessed(ctx, d.EventID)
		if err != nil {
			g.logger.Warn("Webhook dedup cache unavailable", "event_id", d.EventID, "error", err)
		} else if hit {
			out.Duplicate = true
			return out, nil
		}
	}

	event, claimed, err := g.StoreWebhookEvent(ctx, d)
	if err != nil {
		return nil, err
	}
	if !claimed {
		g.logger.Debug("Duplicate webhook", "provider", providerName, "event_id", d.EventID)
		out.Duplicate = true
		return out, nil
	}
	g.emitter.Emit(events.TypeWebhook, events.WebhookReceived, webhookEvent(event, ""))

	procErr := g.dispatch(ctx, event)
	if err := g.finish(ctx, event.EventID, procErr, g.providers[providerName].ForwardURLs); err != nil {
		return nil, err
	}

	if procErr != nil {
		out.ProcessingError = procErr.Error()
		if IsRetryable(procErr) {
			g.logger.Warn("Webhook processing failed, awaiting redelivery", "event_id", event.EventID, "error", procErr)
			return out, procErr
		}
		g.logger.Error("Webhook processing failed", "event_id", event.EventID, "event_type", event.EventType, "error", procErr)
	} else {
		g.logger.Info("Webhook processed", "provider", providerName, "event_id", event.EventID, "event_type", event.EventType)
	}
	g.emitter.Emit(events.TypeWebhook, events.WebhookProcessed, webhookEvent(event, out.ProcessingError))
	return out, nil
}

func (g *Gateway) dispatch(ctx context.Context, event *models.WebhookEvent) (err error) {
	h, ok := g.handlers[event.EventType]
	if !ok {
		g.logger.Debug("No handler for webhook event type", "event_type", event.EventType)
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook handler panicked: %v", r)
		}
	}()
	return h(ctx, event)
}

// RetryableError asks for the event to be redelivered
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks a processing error as worth a redelivery
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports errors that should leave the event unprocessed
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r) || models.IsTransient(err)
}

// WebhookEventData is the payload of webhook events
type WebhookEventData struct {
	EventID         string `json:"event_id"`
	Provider        string `json:"provider"`
	EventType       string `json:"event_type"`
	ProcessingError string `json:"processing_error,omitempty"`
}

func webhookEvent(e *models.WebhookEvent, procErr string) WebhookEventData {
	return WebhookEventData{EventID: e.EventID, Provider: e.Provider, EventType: e.EventType, ProcessingError: procErr}
}
