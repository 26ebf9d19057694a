// Package api exposes the billing engine over HTTP.
package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/AnuragDani/ride-billing-engine/internal/dunning"
	"github.com/AnuragDani/ride-billing-engine/internal/invoice"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/payment"
	"github.com/AnuragDani/ride-billing-engine/internal/scheduler"
	"github.com/AnuragDani/ride-billing-engine/internal/usage"
	"github.com/AnuragDani/ride-billing-engine/internal/webhook"
	"github.com/AnuragDani/ride-billing-engine/internal/websocket"
)

// maxWebhookBody bounds inbound webhook payloads
const maxWebhookBody = 1 << 20

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Deps are the components behind the routes. Nil components disable their routes.
type Deps struct {
	Invoices  *invoice.Engine
	Ledger    *usage.Ledger
	Payments  *payment.Executor
	Dunning   *dunning.Engine
	Webhooks  *webhook.Gateway
	Forwarder *webhook.Forwarder
	Jobs      *scheduler.Scheduler
	Hub       *websocket.Hub
	Health    map[string]HealthCheck
	Version   string

	// Production refuses dry-run payment requests
	Production bool
}

// Server holds dependencies for HTTP handlers
type Server struct {
	deps   Deps
	logger *logger.Logger
}

// NewServer creates a new server with dependencies
func NewServer(deps Deps, log *logger.Logger) *Server {
	if deps.Version == "" {
		deps.Version = "1.0.0"
	}
	return &Server{deps: deps, logger: log}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.healthCheck).Methods("GET")

	if s.deps.Invoices != nil {
		r.HandleFunc("/invoices", s.createInvoice).Methods("POST")
		r.HandleFunc("/invoices/{id}", s.getInvoice).Methods("GET")
		r.HandleFunc("/billing/cycles", s.runBillingCycle).Methods("POST")
	}
	if s.deps.Payments != nil {
		r.HandleFunc("/invoices/{id}/pay", s.payInvoice).Methods("POST")
		r.HandleFunc("/invoices/{id}/attempts", s.listAttempts).Methods("GET")
	}
	if s.deps.Dunning != nil {
		r.HandleFunc("/invoices/{id}/dunning", s.sendDunningNotice).Methods("POST")
	}
	if s.deps.Ledger != nil {
		r.HandleFunc("/ledgers/{userId}/{period}", s.getLedger).Methods("GET")
		r.HandleFunc("/ledgers/{userId}/{period}/adjustments", s.appendAdjustment).Methods("POST")
	}
	if s.deps.Webhooks != nil {
		r.HandleFunc("/webhooks/{provider}", s.receiveWebhook).Methods("POST")
	}
	if s.deps.Forwarder != nil {
		r.HandleFunc("/webhooks/forwards/dead-letters", s.listDeadLetters).Methods("GET")
	}
	if s.deps.Jobs != nil {
		r.HandleFunc("/jobs", s.listJobs).Methods("GET")
		r.HandleFunc("/jobs/{name}/run", s.runJob).Methods("POST")
	}
	if s.deps.Hub != nil {
		r.HandleFunc("/ws", s.deps.Hub.ServeWs).Methods("GET")
		r.HandleFunc("/ws/stats", s.wsStats).Methods("GET")
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
