// cmd/mock-provider/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"

	"github.com/AnuragDani/ride-billing-engine/internal/httpclient"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/webhook"
)

// MockProvider is a payment provider stand-in with configurable failures,
// idempotent replays and optional signed webhooks back to the engine
type MockProvider struct {
	mu           sync.RWMutex
	isHealthy    bool
	failureRate  float64
	responseTime time.Duration
	stats        ProviderStats
	replays      map[string]ChargeResponse
	customers    map[string]string

	webhooks      *httpclient.Client
	webhookURL    string
	webhookSecret string
	signer        webhook.Signer
	logger        *logger.Logger
}

type ProviderStats struct {
	TotalRequests     int     `json:"total_requests"`
	SuccessfulCharges int     `json:"successful_charges"`
	FailedCharges     int     `json:"failed_charges"`
	Replays           int     `json:"replays"`
	WebhooksSent      int     `json:"webhooks_sent"`
	SuccessRate       float64 `json:"success_rate"`
}

type ChargeRequest struct {
	CustomerID     string `json:"customer_id"`
	InvoiceID      string `json:"invoice_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ChargeResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
	status        int
}

type CustomerRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

type webhookEnvelope struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data webhookData `json:"data"`
}

type webhookData struct {
	IdempotencyKey string `json:"idempotency_key"`
	TransactionID  string `json:"transaction_id,omitempty"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

func NewMockProvider(failureRate float64, webhookURL, webhookSecret string, log *logger.Logger) *MockProvider {
	signer, _ := webhook.LookupSigner(webhook.SignerHMACSHA256Timestamped)
	return &MockProvider{
		isHealthy:     true,
		failureRate:   failureRate,
		responseTime:  150 * time.Millisecond,
		replays:       make(map[string]ChargeResponse),
		customers:     make(map[string]string),
		webhooks:      httpclient.NewClient("", 5*time.Second),
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		signer:        signer,
		logger:        log,
	}
}

func (p *MockProvider) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	id, ok := p.customers[req.UserID]
	if !ok {
		id = "cus_" + uuid.New().String()[:12]
		p.customers[req.UserID] = id
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"customer_id": id})
}

func (p *MockProvider) charge(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.stats.TotalRequests++
	p.mu.Unlock()

	time.Sleep(p.responseTime)

	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	if req.Amount <= 0 || req.Currency == "" || req.CustomerID == "" || key == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	if prev, ok := p.replays[key]; ok {
		p.stats.Replays++
		p.mu.Unlock()
		prev.Replayed = true
		writeCharge(w, prev)
		return
	}
	p.mu.Unlock()

	resp := p.decide()

	p.mu.Lock()
	// first writer wins for concurrent requests with one key
	if prev, ok := p.replays[key]; ok {
		p.stats.Replays++
		p.mu.Unlock()
		prev.Replayed = true
		writeCharge(w, prev)
		return
	}
	p.replays[key] = resp
	if resp.Success {
		p.stats.SuccessfulCharges++
	} else {
		p.stats.FailedCharges++
	}
	p.stats.SuccessRate = float64(p.stats.SuccessfulCharges) / float64(p.stats.SuccessfulCharges+p.stats.FailedCharges) * 100
	p.mu.Unlock()

	writeCharge(w, resp)
	if p.webhookURL != "" {
		go p.sendWebhook(key, resp)
	}
}

func (p *MockProvider) decide() ChargeResponse {
	p.mu.RLock()
	healthy := p.isHealthy
	failRate := p.failureRate
	p.mu.RUnlock()

	if !healthy {
		return ChargeResponse{
			ErrorCode:    "PROCESSOR_UNAVAILABLE",
			ErrorMessage: "Payment provider temporarily unavailable",
			status:       http.StatusServiceUnavailable,
		}
	}

	if rand.Float64() < failRate {
		failures := []struct {
			code    string
			message string
			status  int
		}{
			{"CARD_DECLINED", "Payment declined by issuing bank", http.StatusPaymentRequired},
			{"INSUFFICIENT_FUNDS", "Insufficient funds on card", http.StatusPaymentRequired},
			{"CARD_EXPIRED", "Card has expired", http.StatusPaymentRequired},
			{"PROCESSOR_UNAVAILABLE", "Upstream network unavailable", http.StatusServiceUnavailable},
		}
		f := failures[rand.Intn(len(failures))]
		return ChargeResponse{ErrorCode: f.code, ErrorMessage: f.message, status: f.status}
	}

	return ChargeResponse{
		Success:       true,
		TransactionID: fmt.Sprintf("txn_%s", uuid.New().String()[:12]),
		status:        http.StatusOK,
	}
}

func writeCharge(w http.ResponseWriter, resp ChargeResponse) {
	w.Header().Set("Content-Type", "application/json")
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// sendWebhook reports the outcome asynchronously the way real providers do
func (p *MockProvider) sendWebhook(key string, resp ChargeResponse) {
	time.Sleep(500 * time.Millisecond)

	envelope := webhookEnvelope{
		ID:   "evt_" + uuid.New().String()[:12],
		Type: "payment.succeeded",
		Data: webhookData{IdempotencyKey: key, TransactionID: resp.TransactionID},
	}
	if !resp.Success {
		envelope.Type = "payment.failed"
		envelope.Data.FailureCode = resp.ErrorCode
		envelope.Data.FailureMessage = resp.ErrorMessage
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Error("Failed to encode webhook", "error", err)
		return
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	headers := map[string]string{
		"X-Mock-Signature": p.signer.Sign(p.webhookSecret, payload, ts),
		"X-Mock-Timestamp": ts,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := p.webhooks.PostRaw(ctx, p.webhookURL, payload, headers)
	if err != nil {
		p.logger.Warn("Webhook delivery failed", "event_id", envelope.ID, "error", err)
		return
	}
	if !out.OK() {
		p.logger.Warn("Webhook rejected", "event_id", envelope.ID, "status", out.StatusCode, "body", string(out.Body))
		return
	}

	p.mu.Lock()
	p.stats.WebhooksSent++
	p.mu.Unlock()
	p.logger.Info("Webhook delivered", "event_id", envelope.ID, "type", envelope.Type)
}

// Admin endpoints for testing
func (p *MockProvider) setFailureRate(w http.ResponseWriter, r *http.Request) {
	rateStr := r.URL.Query().Get("rate")
	if rateStr == "" {
		http.Error(w, "Missing rate parameter", http.StatusBadRequest)
		return
	}

	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil || rate < 0 || rate > 100 {
		http.Error(w, "Invalid rate (0-100)", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.failureRate = rate / 100
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":      "Failure rate updated",
		"failure_rate": rate,
	})
}

func (p *MockProvider) toggleStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.isHealthy = !p.isHealthy
	healthy := p.isHealthy
	p.mu.Unlock()

	status := "unhealthy"
	if healthy {
		status = "healthy"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Provider status toggled",
		"status":  status,
	})
}

func (p *MockProvider) getStats(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	stats := p.stats
	healthy := p.isHealthy
	failRate := p.failureRate
	p.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"is_healthy":   healthy,
		"failure_rate": failRate * 100,
		"stats":        stats,
		"timestamp":    time.Now(),
	})
}

func (p *MockProvider) health(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	healthy := p.isHealthy
	p.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service":   "mock-provider",
		"status":    status,
		"timestamp": time.Now(),
		"version":   "1.0.0",
	})
}

func main() {
	v := viper.New()
	v.SetDefault("PORT", "8101")
	v.SetDefault("FAILURE_RATE", 20)
	v.SetDefault("WEBHOOK_URL", "")
	v.SetDefault("WEBHOOK_SECRET", "mock_webhook_secret")
	v.AutomaticEnv()

	log := logger.New("mock-provider")
	provider := NewMockProvider(v.GetFloat64("FAILURE_RATE")/100, v.GetString("WEBHOOK_URL"), v.GetString("WEBHOOK_SECRET"), log)

	r := mux.NewRouter()
	r.HandleFunc("/customers", provider.createCustomer).Methods("POST")
	r.HandleFunc("/charges", provider.charge).Methods("POST")

	r.HandleFunc("/admin/set-failure-rate", provider.setFailureRate).Methods("POST")
	r.HandleFunc("/admin/toggle-status", provider.toggleStatus).Methods("POST")
	r.HandleFunc("/admin/stats", provider.getStats).Methods("GET")

	r.HandleFunc("/health", provider.health).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + v.GetString("PORT"),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("Mock provider listening", "port", v.GetString("PORT"), "webhook_url", v.GetString("WEBHOOK_URL"))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	log.Info("Mock provider stopped")
}
