package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/webhook"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string, code string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// respondEngineError maps an engine error onto status and code
func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := models.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	respondError(w, status, msg, errorCode(err))
}

func errorCode(err error) string {
	var (
		validation *models.ValidationError
		dup        *models.DuplicateInvoiceError
		sent       *models.AlreadySentError
		state      *models.InvalidStateError
		provider   *models.ProviderError
		sig        *models.SignatureError
		stale      *models.StaleTimestampError
		unknown    *models.UnknownProviderError
		transient  *models.TransientStorageError
	)
	switch {
	case errors.As(err, &validation):
		return "VALIDATION_ERROR"
	case errors.As(err, &dup):
		return "DUPLICATE_INVOICE"
	case errors.As(err, &sent):
		return "ALREADY_SENT"
	case errors.As(err, &state):
		return "INVALID_STATE"
	case errors.Is(err, models.ErrNotFound):
		return "NOT_FOUND"
	case errors.As(err, &sig):
		return "INVALID_SIGNATURE"
	case errors.As(err, &stale):
		return "STALE_TIMESTAMP"
	case errors.As(err, &unknown):
		return "UNKNOWN_PROVIDER"
	case errors.As(err, &provider):
		return "PROVIDER_ERROR"
	case errors.As(err, &transient):
		return "TEMPORARILY_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return &models.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// ============== Invoice Handlers ==============

// GenerateInvoiceRequest is the body of POST /invoices
type GenerateInvoiceRequest struct {
	UserID string `json:"user_id"`
	Period string `json:"period"`
	DryRun bool   `json:"dry_run"`
}

// createInvoice handles POST /invoices
func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	period, err := models.ParseBillingPeriod(req.Period)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	inv, err := s.deps.Invoices.GenerateInvoice(r.Context(), req.UserID, period, req.DryRun)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	respondJSON(w, status, inv)
}

// getInvoice handles GET /invoices/{id}
func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.deps.Invoices.GetInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

// BillingCycleRequest is the body of POST /billing/cycles. An empty period bills
// the previous month.
type BillingCycleRequest struct {
	Period string `json:"period"`
	DryRun bool   `json:"dry_run"`
}

// runBillingCycle handles POST /billing/cycles
func (s *Server) runBillingCycle(w http.ResponseWriter, r *http.Request) {
	var req BillingCycleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	period := models.PreviousBillingPeriod(time.Now().UTC())
	if req.Period != "" {
		var err error
		if period, err = models.ParseBillingPeriod(req.Period); err != nil {
			s.respondEngineError(w, r, err)
			return
		}
	}

	result, err := s.deps.Invoices.RunBillingCycle(r.Context(), period, req.DryRun)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ============== Payment Handlers ==============

// PayInvoiceRequest is the optional body of POST /invoices/{id}/pay
type PayInvoiceRequest struct {
	DryRun bool `json:"dry_run"`
}

// payInvoice handles POST /invoices/{id}/pay. A declined charge is a 200 with a
// failed attempt.
func (s *Server) payInvoice(w http.ResponseWriter, r *http.Request) {
	var req PayInvoiceRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	if req.DryRun && s.deps.Production {
		respondError(w, http.StatusForbidden, "dry-run payments are disabled in production", "DRY_RUN_DISABLED")
		return
	}

	attempt, err := s.deps.Payments.ProcessPayment(r.Context(), mux.Vars(r)["id"], req.DryRun)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempt)
}

// listAttempts handles GET /invoices/{id}/attempts
func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.deps.Payments.Attempts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []models.PaymentAttempt{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"total":    len(attempts),
	})
}

// DunningRequest is the body of POST /invoices/{id}/dunning
type DunningRequest struct {
	Level int `json:"level"`
}

// sendDunningNotice handles POST /invoices/{id}/dunning
func (s *Server) sendDunningNotice(w http.ResponseWriter, r *http.Request) {
	var req DunningRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	notice, err := s.deps.Dunning.SendDunningNotice(r.Context(), mux.Vars(r)["id"], req.Level)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, notice)
}

// ============== Ledger Handlers ==============

// AdjustmentRequest is the body of POST /ledgers/{userId}/{period}/adjustments
type AdjustmentRequest struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// getLedger handles GET /ledgers/{userId}/{period}
func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	period, err := models.ParseBillingPeriod(vars["period"])
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	ledger, err := s.deps.Ledger.Get(r.Context(), vars["userId"], period)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ledger)
}

// appendAdjustment handles POST /ledgers/{userId}/{period}/adjustments
func (s *Server) appendAdjustment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	period, err := models.ParseBillingPeriod(vars["period"])
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	var req AdjustmentRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	ledger, err := s.deps.Ledger.AppendAdjustment(r.Context(), vars["userId"], period, models.Adjustment{
		Type:   req.Type,
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ledger)
}

// ============== Webhook Handlers ==============

// receiveWebhook handles POST /webhooks/{provider}. Retryable processing failures
// answer 503 so the provider redelivers.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	provider, ok := s.deps.Webhooks.Provider(name)
	if !ok {
		s.respondEngineError(w, r, &models.UnknownProviderError{Provider: name})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large", "PAYLOAD_TOO_LARGE")
		return
	}

	signature := r.Header.Get(provider.SignatureHeader)
	var timestamp string
	if provider.TimestampHeader != "" {
		timestamp = r.Header.Get(provider.TimestampHeader)
	}

	out, err := s.deps.Webhooks.Receive(r.Context(), name, payload, signature, timestamp)
	if err != nil {
		if webhook.IsRetryable(err) {
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusServiceUnavailable, err.Error(), "RETRY_LATER")
			return
		}
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// listDeadLetters handles GET /webhooks/forwards/dead-letters?limit=N
func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", "VALIDATION_ERROR")
			return
		}
		limit = n
	}

	dead, err := s.deps.Forwarder.DeadLetters(r.Context(), limit)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	if dead == nil {
		dead = []models.WebhookRetry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": dead,
		"total":        len(dead),
	})
}

// ============== Job Handlers ==============

// listJobs handles GET /jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.deps.Jobs.Status(),
	})
}

// runJob handles POST /jobs/{name}/run
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Jobs.TriggerManual(r.Context(), mux.Vars(r)["name"])
	if err != nil && status == nil {
		s.respondEngineError(w, r, err)
		return
	}
	// a job that ran and failed still reports its status
	respondJSON(w, http.StatusOK, status)
}

// ============== Health ==============

// healthCheck handles GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, check := range s.deps.Health {
		if err := check(r.Context()); err != nil {
			deps[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		deps[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"service":      "billing-engine",
		"status":       status,
		"timestamp":    time.Now().UTC(),
		"version":      s.deps.Version,
		"dependencies": deps,
	})
}

// wsStats handles GET /ws/stats
func (s *Server) wsStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Hub.GetStats())
}
