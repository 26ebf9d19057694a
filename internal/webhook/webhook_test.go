package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/config"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/processor"
	"github.com/AnuragDani/ride-billing-engine/internal/store/memory"
)

const secret = "whsec_test"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2026, time.February, 5, 12, 0, 0, 0, time.UTC)}
}

func mockProvider(forward ...string) Provider {
	signer, _ := LookupSigner(SignerHMACSHA256Timestamped)
	return Provider{
		Name:            "mock",
		Secret:          secret,
		Signer:          signer,
		SignatureHeader: "X-Mock-Signature",
		EventIDField:    "id",
		EventTypeField:  "type",
		ForwardURLs:     forward,
	}
}

func signed(p Provider, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + p.Signer.Sign(p.Secret, payload, ts)
}

type recorder struct {
	calls atomic.Int32
	fn    func(n int32) error
}

func (r *recorder) handle(context.Context, *models.WebhookEvent) error {
	n := r.calls.Add(1)
	if r.fn == nil {
		return nil
	}
	return r.fn(n)
}

func newGateway(st *memory.Store, c *clock, opts ...Option) *Gateway {
	opts = append([]Option{WithClock(c.now)}, opts...)
	return NewGateway(st, []Provider{mockProvider(), {Name: "nosecret"}}, logger.Discard(), opts...)
}

var paymentPayload = []byte(`{"id":"evt_1","type":"payment.succeeded","idempotency_key":"pay_x"}`)

func TestSignersRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	for _, name := range SignerNames() {
		t.Run(name, func(t *testing.T) {
			s, ok := LookupSigner(name)
			require.True(t, ok)
			sig := s.Sign(secret, payload, "1700000000")
			assert.True(t, s.Verify(secret, payload, "1700000000", []string{"bogus", sig}))
			assert.False(t, s.Verify("other", payload, "1700000000", []string{sig}))
			assert.False(t, s.Verify(secret, []byte(`{"id":"evt_2"}`), "1700000000", []string{sig}))
		})
	}

	_, ok := LookupSigner("md5")
	assert.False(t, ok)
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		timestamp  string
		candidates []string
	}{
		{"plain hex", "abcdef", "", []string{"abcdef"}},
		{"base64 padding", "q83vEjRWeJA=", "", []string{"q83vEjRWeJA="}},
		{"structured", "t=1700000000,v1=aa,v1=bb", "1700000000", []string{"aa", "bb"}},
		{"spaces", "t=1700000000, v1=aa", "1700000000", []string{"aa"}},
		{"v1 only", "v1=aa", "", []string{"aa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, candidates := parseSignatureHeader(tt.value)
			assert.Equal(t, tt.timestamp, ts)
			assert.Equal(t, tt.candidates, candidates)
		})
	}
}

func TestValidateWebhook(t *testing.T) {
	c := newClock()
	g := newGateway(memory.New(), c)
	p := mockProvider()

	d, err := g.ValidateWebhook("mock", paymentPayload, signed(p, paymentPayload, c.now()), "")
	require.NoError(t, err)
	assert.Equal(t, "mock:evt_1", d.EventID)
	assert.Equal(t, "payment.succeeded", d.EventType)

	t.Run("separate timestamp header", func(t *testing.T) {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		_, err := g.ValidateWebhook("mock", paymentPayload, p.Signer.Sign(secret, paymentPayload, ts), ts)
		assert.NoError(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := g.ValidateWebhook("paypal", paymentPayload, "sig", "")
		var unknown *models.UnknownProviderError
		assert.ErrorAs(t, err, &unknown)

		_, err = g.ValidateWebhook("nosecret", paymentPayload, "sig", "")
		assert.ErrorAs(t, err, &unknown)
	})

	t.Run("bad signature", func(t *testing.T) {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		_, err := g.ValidateWebhook("mock", paymentPayload, "t="+ts+",v1=deadbeef", "")
		var sig *models.SignatureError
		assert.ErrorAs(t, err, &sig)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		_, err := g.ValidateWebhook("mock", paymentPayload, "deadbeef", "")
		var sig *models.SignatureError
		assert.ErrorAs(t, err, &sig)
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		_, err := g.ValidateWebhook("mock", paymentPayload, "v1=aa", "yesterday")
		var validation *models.ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("derived id", func(t *testing.T) {
		payload := []byte(`{"type":"payment.failed"}`)
		d, err := g.ValidateWebhook("mock", payload, signed(p, payload, c.now()), "")
		require.NoError(t, err)
		ts := strconv.FormatInt(c.now().Unix(), 10)
		assert.Equal(t, DeriveEventID("mock", payload, ts), d.EventID)
	})
}

func TestReceive_StaleTimestampStoresNothing(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	rec := &recorder{}
	g.Handle("payment.succeeded", rec.handle)

	sig := signed(mockProvider(), paymentPayload, c.now().Add(-400*time.Second))
	_, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")

	var stale *models.StaleTimestampError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(400), stale.SkewSecs)
	assert.Equal(t, http.StatusUnauthorized, models.HTTPStatus(err))
	assert.Empty(t, st.WebhookEvents())
	assert.Zero(t, rec.calls.Load())
}

func TestReceive_DuplicateProcessedOnce(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	rec := &recorder{}
	g.Handle("payment.succeeded", rec.handle)
	sig := signed(mockProvider(), paymentPayload, c.now())

	first, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	assert.Equal(t, int32(1), rec.calls.Load())
	stored := st.WebhookEvents()
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Processed)
	assert.Equal(t, models.WebhookStatusProcessed, stored[0].Status)
}

func TestReceive_ConcurrentDeliveriesProcessOnce(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	rec := &recorder{}
	g.Handle("payment.succeeded", rec.handle)
	sig := signed(mockProvider(), paymentPayload, c.now())

	var wg sync.WaitGroup
	var duplicates atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
			if assert.NoError(t, err) && out.Duplicate {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, int32(9), duplicates.Load())
	assert.Len(t, st.WebhookEvents(), 1)
}

func TestReceive_RetryableFailureIsReprocessed(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	rec := &recorder{fn: func(n int32) error {
		if n == 1 {
			return Retryable(errors.New("ledger busy"))
		}
		return nil
	}}
	g.Handle("payment.succeeded", rec.handle)
	sig := signed(mockProvider(), paymentPayload, c.now())

	_, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	stored := st.WebhookEvents()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Processed)
	assert.Equal(t, models.WebhookStatusFailed, stored[0].Status)

	out, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int32(2), rec.calls.Load())
	assert.True(t, st.WebhookEvents()[0].Processed)
}

func TestReceive_PermanentFailureIsFinal(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	rec := &recorder{fn: func(int32) error { return errors.New("unknown invoice") }}
	g.Handle("payment.succeeded", rec.handle)
	sig := signed(mockProvider(), paymentPayload, c.now())

	out, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.Equal(t, "unknown invoice", out.ProcessingError)

	out, err = g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, int32(1), rec.calls.Load())

	stored := st.WebhookEvents()[0]
	assert.True(t, stored.Processed)
	assert.Equal(t, "unknown invoice", stored.ProcessingError)
}

func TestReceive_HandlerPanicIsRecorded(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	g.Handle("payment.succeeded", func(context.Context, *models.WebhookEvent) error { panic("boom") })

	out, err := g.Receive(context.Background(), "mock", paymentPayload, signed(mockProvider(), paymentPayload, c.now()), "")
	require.NoError(t, err)
	assert.Contains(t, out.ProcessingError, "boom")
	assert.True(t, st.WebhookEvents()[0].Processed)
}

func TestReceive_AbandonedClaimIsTakenOver(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c, WithClaimLease(time.Minute))
	rec := &recorder{}
	g.Handle("payment.succeeded", rec.handle)
	p := mockProvider()

	d, err := g.ValidateWebhook("mock", paymentPayload, signed(p, paymentPayload, c.now()), "")
	require.NoError(t, err)
	_, claimed, err := g.StoreWebhookEvent(context.Background(), d)
	require.NoError(t, err)
	require.True(t, claimed)

	// the first delivery died before marking the event
	_, claimed, err = g.StoreWebhookEvent(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, claimed)

	c.advance(2 * time.Minute)
	out, err := g.Receive(context.Background(), "mock", paymentPayload, signed(p, paymentPayload, c.now()), "")
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int32(1), rec.calls.Load())
}

type fakeCache struct {
	mu     sync.Mutex
	marked map[string]time.Duration
	hits   map[string]bool
	err    error
}

func (f *fakeCache) IsProcessed(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[id], f.err
}

func (f *fakeCache) MarkProcessed(_ context.Context, id string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[id] = ttl
	return nil
}

func TestReceive_CacheFastPath(t *testing.T) {
	c := newClock()
	st := memory.New()
	cache := &fakeCache{marked: map[string]time.Duration{}, hits: map[string]bool{}}
	g := newGateway(st, c, WithCache(cache, time.Hour))
	rec := &recorder{}
	g.Handle("payment.succeeded", rec.handle)
	sig := signed(mockProvider(), paymentPayload, c.now())

	_, err := g.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cache.marked["mock:evt_1"])

	cache.hits["other:evt"] = true
	cache.hits["mock:evt_1"] = true
	st2 := memory.New()
	g2 := newGateway(st2, c, WithCache(cache, 0))
	out, err := g2.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Empty(t, st2.WebhookEvents())

	// a broken cache falls through to the database
	cache.err = errors.New("redis down")
	cache.hits = map[string]bool{}
	g3 := newGateway(memory.New(), c, WithCache(cache, 0))
	out, err = g3.Receive(context.Background(), "mock", paymentPayload, sig, "")
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
}

type fakeApplier struct {
	err   error
	calls int
}

func (f *fakeApplier) ApplyProviderOutcome(_ context.Context, event *processor.ProviderEvent) (*models.PaymentAttempt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.PaymentAttempt{IdempotencyKey: event.IdempotencyKey}, nil
}

func TestPaymentHandler(t *testing.T) {
	provider := processor.NewSimulatedProvider(1)
	event := &models.WebhookEvent{Payload: paymentPayload}

	applier := &fakeApplier{}
	require.NoError(t, PaymentHandler(provider, applier)(context.Background(), event))
	assert.Equal(t, 1, applier.calls)

	applier.err = &models.TransientStorageError{Op: "update attempt", Err: errors.New("conn reset")}
	assert.True(t, IsRetryable(PaymentHandler(provider, applier)(context.Background(), event)))

	applier.err = models.ErrNotFound
	err := PaymentHandler(provider, applier)(context.Background(), event)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	err = PaymentHandler(provider, applier)(context.Background(), &models.WebhookEvent{Payload: []byte(`{}`)})
	var validation *models.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestForwarder_DeliversSignedEvent(t *testing.T) {
	c := newClock()
	st := memory.New()

	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fwd := NewForwarder(st, "fwd_secret", time.Second, logger.Discard(), WithForwardClock(c.now))
	g := NewGateway(st, []Provider{mockProvider(srv.URL + "/events")}, logger.Discard(), WithClock(c.now), WithForwarder(fwd))

	_, err := g.Receive(context.Background(), "mock", paymentPayload, signed(mockProvider(), paymentPayload, c.now()), "")
	require.NoError(t, err)
	require.Len(t, st.WebhookRetries(), 1)

	result, err := fwd.ProcessPendingRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Empty(t, st.WebhookRetries())

	assert.Equal(t, paymentPayload, body)
	assert.Equal(t, "mock:evt_1", got.Get(HeaderEventID))
	assert.Equal(t, "mock", got.Get(HeaderProvider))
	assert.Equal(t, "payment.succeeded", got.Get(HeaderEventType))
	assert.Equal(t, Sign("fwd_secret", paymentPayload, c.now()), got.Get(HeaderSignature))
}

func TestForwarder_BacksOffThenDeadLetters(t *testing.T) {
	c := newClock()
	st := memory.New()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fwd := NewForwarder(st, "fwd_secret", time.Second, logger.Discard(), WithForwardClock(c.now))
	event := &models.WebhookEvent{EventID: "mock:evt_9", Provider: "mock", EventType: "payment.failed", Payload: []byte(`{}`)}
	require.NoError(t, fwd.Enqueue(context.Background(), event, []string{srv.URL}))

	result, err := fwd.ProcessPendingRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	retries := st.WebhookRetries()
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].CurrentAttempt)
	assert.Equal(t, c.now().Add(time.Minute), retries[0].NextRetryAt)
	assert.Contains(t, retries[0].LastError, "500")

	// not due yet
	result, err = fwd.ProcessPendingRetries(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	for i := 0; i < 4; i++ {
		c.advance(time.Hour)
		_, err := fwd.ProcessPendingRetries(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), hits.Load())

	dead, err := fwd.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 5, dead[0].CurrentAttempt)
	assert.NotNil(t, dead[0].FailedAt)

	c.advance(24 * time.Hour)
	result, err = fwd.ProcessPendingRetries(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Equal(t, int32(5), hits.Load())
}

func TestProvidersFromConfig(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "from_env")
	providers, err := ProvidersFromConfig([]config.WebhookProvider{
		{Name: "stripe", SecretEnv: "TEST_WEBHOOK_SECRET", Secret: "inline", Signer: SignerHMACSHA256Timestamped, SignatureHeader: "Stripe-Signature"},
		{Name: "razorpay", Secret: "rzp", Signer: SignerHMACSHA256, SignatureHeader: "X-Razorpay-Signature", EventTypeField: "event"},
	})
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "from_env", providers[0].Secret)
	assert.Equal(t, "id", providers[0].EventIDField)
	assert.Equal(t, "event", providers[1].EventTypeField)

	_, err = ProvidersFromConfig([]config.WebhookProvider{{Name: "x", Signer: "md5"}})
	assert.Error(t, err)
}

func ExampleSign() {
	fmt.Println(Sign("secret", []byte(`{}`), time.Unix(1700000000, 0))[:13])
	// Output: t=1700000000,
}

func TestReceive_UnsignedTimestampCannotReplay(t *testing.T) {
	c := newClock()
	st := memory.New()
	signer, _ := LookupSigner(SignerHMACSHA256)
	plain := Provider{Name: "plain", Secret: secret, Signer: signer, SignatureHeader: "X-Sig", EventTypeField: "event"}
	g := NewGateway(st, []Provider{plain}, logger.Discard(), WithClock(c.now))
	rec := &recorder{}
	g.Handle("payment.captured", rec.handle)

	payload := []byte(`{"event":"payment.captured","amount":100}`)
	sig := signer.Sign(secret, payload, "")

	first, err := g.Receive(context.Background(), "plain", payload, sig, strconv.FormatInt(c.now().Unix(), 10))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// same body, fresh timestamp header
	replay, err := g.Receive(context.Background(), "plain", payload, sig, strconv.FormatInt(c.now().Add(-time.Minute).Unix(), 10))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.EventID, replay.EventID)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Len(t, st.WebhookEvents(), 1)
}

func TestValidateWebhook_RejectsNonJSON(t *testing.T) {
	c := newClock()
	st := memory.New()
	g := newGateway(st, c)
	payload := []byte("id=evt_1&type=payment.succeeded")

	_, err := g.Receive(context.Background(), "mock", payload, signed(mockProvider(), payload, c.now()), "")
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "payload", validation.Field)
	assert.Empty(t, st.WebhookEvents())
}
