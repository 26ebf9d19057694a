// Package memory is an in-process Store used by tests and local dry runs.
//
// Transactions are serialised by one mutex and applied copy-on-commit, which gives the
// same observable behaviour as row locks plus unique constraints in PostgreSQL: a
// failed transaction leaves no trace and concurrent check-then-insert races resolve to
// exactly one winner.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

type state struct {
	users    map[string]models.User
	trips    map[string]models.Trip
	ledgers  map[string]models.UsageLedger
	invoices map[string]models.Invoice
	attempts map[string]models.PaymentAttempt
	notices  map[string]models.DunningNotice
	events   map[string]models.WebhookEvent // keyed by event id
	retries  map[string]models.WebhookRetry
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*memTx)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{
		users:    map[string]models.User{},
		trips:    map[string]models.Trip{},
		ledgers:  map[string]models.UsageLedger{},
		invoices: map[string]models.Invoice{},
		attempts: map[string]models.PaymentAttempt{},
		notices:  map[string]models.DunningNotice{},
		events:   map[string]models.WebhookEvent{},
		retries:  map[string]models.WebhookRetry{},
	}}
}

// WithTx runs fn against a private copy of the state and publishes it if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// AddUser seeds a user.
func (s *Store) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = models.UserStatusActive
	}
	s.state.users[u.ID] = u
}

// AddTrip seeds a trip.
func (s *Store) AddTrip(t models.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.trips[t.ID] = t
}

// PutInvoice seeds or overwrites an invoice without going through the engine.
func (s *Store) PutInvoice(inv models.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	s.state.invoices[inv.ID] = inv
}

// PutAttempt seeds or overwrites a payment attempt.
func (s *Store) PutAttempt(a models.PaymentAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.attempts[a.ID] = a
}

// User returns a snapshot of a user.
func (s *Store) User(id string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[id]
	return u, ok
}

// Invoices returns all invoices ordered by creation.
func (s *Store) Invoices() []models.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Invoice, 0, len(s.state.invoices))
	for _, inv := range s.state.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Attempts returns the attempts of an invoice ordered by retry count.
func (s *Store) Attempts(invoiceID string) []models.PaymentAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.attemptsFor(invoiceID)
}

// Notices returns the dunning notices of an invoice ordered by level.
func (s *Store) Notices(invoiceID string) []models.DunningNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.noticesFor(invoiceID)
}

// WebhookEvents returns every stored webhook event.
func (s *Store) WebhookEvents() []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookEvent, 0, len(s.state.events))
	for _, e := range s.state.events {
		out = append(out, e)
	}
	return out
}

// WebhookRetries returns every queued outbound retry, dead letters included.
func (s *Store) WebhookRetries() []models.WebhookRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookRetry, 0, len(s.state.retries))
	for _, r := range s.state.retries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) clone() *state {
	c := &state{
		users:    make(map[string]models.User, len(st.users)),
		trips:    make(map[string]models.Trip, len(st.trips)),
		ledgers:  make(map[string]models.UsageLedger, len(st.ledgers)),
		invoices: make(map[string]models.Invoice, len(st.invoices)),
		attempts: make(map[string]models.PaymentAttempt, len(st.attempts)),
		notices:  make(map[string]models.DunningNotice, len(st.notices)),
		events:   make(map[string]models.WebhookEvent, len(st.events)),
		retries:  make(map[string]models.WebhookRetry, len(st.retries)),
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.trips {
		c.trips[k] = v
	}
	for k, v := range st.ledgers {
		v.Adjustments = append([]models.Adjustment(nil), v.Adjustments...)
		c.ledgers[k] = v
	}
	for k, v := range st.invoices {
		v.LineItems = append([]models.LineItem(nil), v.LineItems...)
		c.invoices[k] = v
	}
	for k, v := range st.attempts {
		c.attempts[k] = v
	}
	for k, v := range st.notices {
		c.notices[k] = v
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.retries {
		c.retries[k] = v
	}
	return c
}

func (st *state) attemptsFor(invoiceID string) []models.PaymentAttempt {
	var out []models.PaymentAttempt
	for _, a := range st.attempts {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RetryCount != out[j].RetryCount {
			return out[i].RetryCount < out[j].RetryCount
		}
		return out[i].AttemptedAt.Before(out[j].AttemptedAt)
	})
	return out
}

func (st *state) noticesFor(invoiceID string) []models.DunningNotice {
	var out []models.DunningNotice
	for _, n := range st.notices {
		if n.InvoiceID == invoiceID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NoticeLevel < out[j].NoticeLevel })
	return out
}

func ledgerKey(userID, period string) string {
	return userID + "|" + period
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
}

func conflict(what string) error {
	return fmt.Errorf("%s: %w", what, models.ErrConflict)
}

func inRange(t *time.Time, from, to time.Time) bool {
	return t != nil && !t.Before(from) && t.Before(to)
}
