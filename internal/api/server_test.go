package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/dunning"
	"github.com/AnuragDani/ride-billing-engine/internal/invoice"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/payment"
	"github.com/AnuragDani/ride-billing-engine/internal/processor"
	"github.com/AnuragDani/ride-billing-engine/internal/scheduler"
	"github.com/AnuragDani/ride-billing-engine/internal/store/memory"
	"github.com/AnuragDani/ride-billing-engine/internal/usage"
	"github.com/AnuragDani/ride-billing-engine/internal/webhook"
)

var fixedAt = time.Date(2026, time.February, 1, 2, 0, 0, 0, time.UTC)

type testEnv struct {
	store  *memory.Store
	router http.Handler
	mock   webhook.Provider
}

type nopNotifier struct{}

func (nopNotifier) Deliver(context.Context, models.DunningNotice) error { return nil }

func newTestEnv(t *testing.T, health map[string]HealthCheck, opts ...func(*Deps)) *testEnv {
	t.Helper()
	now := func() time.Time { return fixedAt }
	st := memory.New()
	st.AddUser(models.User{ID: "u1", Email: "rider@example.com"})
	picked := time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)
	dropped := picked.Add(20 * time.Minute)
	st.AddTrip(models.Trip{ID: "t1", UserID: "u1", Status: models.TripStatusCompleted,
		PickedUpAt: &picked, CompletedAt: &dropped, DistanceMeters: 3000, DurationMinutes: 20})

	pricing := models.Pricing{
		Currency:         "INR",
		BaseFarePerRide:  decimal.NewFromInt(50),
		DistanceFeePerKm: decimal.NewFromInt(15),
		TimeFeePerMinute: decimal.NewFromInt(2),
	}
	log := logger.Discard()
	ledger := usage.NewLedger(st, usage.NewAggregator(pricing)).WithClock(now)
	invoices := invoice.NewEngine(st, ledger, log, invoice.WithClock(now))
	dunningEngine := dunning.NewEngine(st, nopNotifier{}, log, dunning.WithClock(now))
	provider := processor.NewSimulatedProvider(1)
	executor := payment.NewExecutor(st, provider, dunningEngine, log, payment.WithClock(now))

	signer, _ := webhook.LookupSigner(webhook.SignerHMACSHA256Timestamped)
	mock := webhook.Provider{
		Name: "mock", Secret: "whsec", Signer: signer,
		SignatureHeader: "X-Mock-Signature", TimestampHeader: "X-Mock-Timestamp",
		EventIDField: "id", EventTypeField: "type",
	}
	gateway := webhook.NewGateway(st, []webhook.Provider{mock}, log, webhook.WithClock(now))
	webhook.RegisterPaymentHandlers(gateway, provider, executor)
	gateway.Handle("flaky", func(context.Context, *models.WebhookEvent) error {
		return webhook.Retryable(errors.New("try again"))
	})
	forwarder := webhook.NewForwarder(st, "fwd", time.Second, log, webhook.WithForwardClock(now))

	jobs := scheduler.New(log, nil)
	for _, j := range scheduler.BillingJobs(scheduler.Schedules{}, scheduler.Engines{
		Invoices: invoices, Dunning: dunningEngine, Forwarder: forwarder, Now: now,
	}) {
		require.NoError(t, jobs.Register(j))
	}

	deps := Deps{
		Invoices: invoices, Ledger: ledger, Payments: executor, Dunning: dunningEngine,
		Webhooks: gateway, Forwarder: forwarder, Jobs: jobs, Health: health,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := NewServer(deps, log)
	return &testEnv{store: st, router: srv.Router(), mock: mock}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{"database": func(context.Context) error { return nil }})
	rec := env.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	env = newTestEnv(t, map[string]HealthCheck{"redis": func(context.Context) error { return errors.New("refused") }})
	rec = env.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestInvoiceLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/invoices", GenerateInvoiceRequest{UserID: "u1", Period: "2026-01"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decode(t, rec)
	assert.Equal(t, "135", inv["total_amount"])
	assert.Equal(t, models.InvoiceStatusPending, inv["status"])
	id := inv["id"].(string)

	rec = env.do(t, "POST", "/invoices", GenerateInvoiceRequest{UserID: "u1", Period: "2026-01"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_INVOICE", decode(t, rec)["code"])

	rec = env.do(t, "GET", "/invoices/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/invoices/"+id+"/pay", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.AttemptStatusSucceeded, decode(t, rec)["status"])

	rec = env.do(t, "POST", "/invoices/"+id+"/pay", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decode(t, rec)["code"])

	rec = env.do(t, "GET", "/invoices/"+id+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])
}

func TestInvoiceErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/invoices", GenerateInvoiceRequest{UserID: "u1", Period: "January"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["code"])

	rec = env.do(t, "POST", "/invoices", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/invoices/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/invoices/missing/pay", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayInvoiceDryRun(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/invoices", GenerateInvoiceRequest{UserID: "u1", Period: "2026-01"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	rec = env.do(t, "POST", "/invoices/"+id+"/pay", PayInvoiceRequest{DryRun: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the simulated charge left the invoice untouched
	rec = env.do(t, "GET", "/invoices/"+id+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["total"])
	rec = env.do(t, "GET", "/invoices/"+id, nil, nil)
	assert.Equal(t, models.InvoiceStatusPending, decode(t, rec)["status"])

	prod := newTestEnv(t, nil, func(d *Deps) { d.Production = true })
	rec = prod.do(t, "POST", "/invoices", GenerateInvoiceRequest{UserID: "u1", Period: "2026-01"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id = decode(t, rec)["id"].(string)

	rec = prod.do(t, "POST", "/invoices/"+id+"/pay", PayInvoiceRequest{DryRun: true}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DRY_RUN_DISABLED", decode(t, rec)["code"])

	rec = prod.do(t, "POST", "/invoices/"+id+"/pay", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.AttemptStatusSucceeded, decode(t, rec)["status"])
}

func TestBillingCycleDryRun(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/billing/cycles", BillingCycleRequest{Period: "2026-01", DryRun: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["dry_run"])
	assert.Equal(t, float64(1), out["generated_invoices"])
	assert.Empty(t, env.store.Invoices())
}

func TestAppendAdjustment(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/ledgers/u1/2026-01/adjustments",
		map[string]string{"type": "credit", "amount": "35", "reason": "late pickup"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, "POST", "/invoices", GenerateInvoiceRequest{UserID: "u1", Period: "2026-01"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "100", decode(t, rec)["total_amount"])

	rec = env.do(t, "POST", "/ledgers/u1/2026-01/adjustments",
		map[string]string{"type": "refund", "amount": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (e *testEnv) webhookHeaders(payload []byte, at time.Time) map[string]string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return map[string]string{
		"X-Mock-Timestamp": ts,
		"X-Mock-Signature": e.mock.Signer.Sign(e.mock.Secret, payload, ts),
	}
}

func TestReceiveWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := []byte(`{"id":"evt_1","type":"unhandled.event"}`)

	rec := env.do(t, "POST", "/webhooks/mock", payload, env.webhookHeaders(payload, fixedAt))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["duplicate"])

	rec = env.do(t, "POST", "/webhooks/mock", payload, env.webhookHeaders(payload, fixedAt))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["duplicate"])

	rec = env.do(t, "POST", "/webhooks/mock", payload, env.webhookHeaders(payload, fixedAt.Add(-10*time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "STALE_TIMESTAMP", decode(t, rec)["code"])

	headers := env.webhookHeaders(payload, fixedAt)
	headers["X-Mock-Signature"] = "00"
	rec = env.do(t, "POST", "/webhooks/mock", payload, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode(t, rec)["code"])

	rec = env.do(t, "POST", "/webhooks/paypal", payload, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	flaky := []byte(`{"id":"evt_2","type":"flaky"}`)
	rec = env.do(t, "POST", "/webhooks/mock", flaky, env.webhookHeaders(flaky, fixedAt))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]interface{})
	assert.Len(t, jobs, 3)

	rec = env.do(t, "POST", "/jobs/dunning/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["runs"])

	rec = env.do(t, "POST", "/jobs/nope/run", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "GET", "/webhooks/forwards/dead-letters?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "GET", "/webhooks/forwards/dead-letters", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
