package memory

import (
	"context"
	"sort"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

type memTx struct {
	st *state
}

func (t *memTx) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &u, nil
}

func (t *memTx) SetProviderCustomerID(_ context.Context, userID, customerID string) error {
	u, ok := t.st.users[userID]
	if !ok {
		return notFound("user", userID)
	}
	u.ProviderCustomerID = customerID
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) SuspendUser(_ context.Context, userID string) error {
	u, ok := t.st.users[userID]
	if !ok {
		return notFound("user", userID)
	}
	u.Status = models.UserStatusSuspended
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) ListQualifyingTrips(_ context.Context, userID string, from, to time.Time) ([]models.Trip, error) {
	var out []models.Trip
	for _, trip := range t.st.trips {
		if trip.UserID == userID && qualifies(trip, from, to) {
			out = append(out, trip)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListBillableUsers(_ context.Context, from, to time.Time) ([]string, error) {
	seen := map[string]bool{}
	for _, trip := range t.st.trips {
		if !qualifies(trip, from, to) {
			continue
		}
		if u, ok := t.st.users[trip.UserID]; ok && u.Status == models.UserStatusActive {
			seen[trip.UserID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func qualifies(trip models.Trip, from, to time.Time) bool {
	return trip.Status == models.TripStatusCompleted && trip.PickedUpAt != nil && inRange(trip.CompletedAt, from, to)
}

func (t *memTx) GetLedgerForUpdate(_ context.Context, userID, period string) (*models.UsageLedger, error) {
	l, ok := t.st.ledgers[ledgerKey(userID, period)]
	if !ok {
		return nil, notFound("ledger", ledgerKey(userID, period))
	}
	l.Adjustments = append([]models.Adjustment(nil), l.Adjustments...)
	return &l, nil
}

func (t *memTx) UpsertLedger(_ context.Context, ledger *models.UsageLedger) error {
	l := *ledger
	l.Adjustments = append([]models.Adjustment(nil), ledger.Adjustments...)
	t.st.ledgers[ledgerKey(l.UserID, l.Period)] = l
	return nil
}

func (t *memTx) LockInvoiceSlot(context.Context, string, time.Time) error {
	return nil
}

func (t *memTx) FindBillableInvoice(_ context.Context, userID string, periodStart, periodEnd time.Time) (*models.Invoice, error) {
	for _, inv := range t.st.invoices {
		if inv.UserID == userID && inv.PeriodStart.Equal(periodStart) && inv.PeriodEnd.Equal(periodEnd) &&
			inv.Status != models.InvoiceStatusDraft {
			return &inv, nil
		}
	}
	return nil, notFound("invoice for user", userID)
}

func (t *memTx) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; ok {
		return conflict("invoice id")
	}
	if inv.Status != models.InvoiceStatusDraft {
		if _, err := t.FindBillableInvoice(ctx, inv.UserID, inv.PeriodStart, inv.PeriodEnd); err == nil {
			return conflict("invoice user period")
		}
	}
	c := *inv
	c.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	t.st.invoices[inv.ID] = c
	return nil
}

func (t *memTx) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return nil, notFound("invoice", id)
	}
	inv.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	return &inv, nil
}

func (t *memTx) GetInvoiceForUpdate(ctx context.Context, id string) (*models.Invoice, error) {
	return t.GetInvoice(ctx, id)
}

func (t *memTx) UpdateInvoice(_ context.Context, inv *models.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; !ok {
		return notFound("invoice", inv.ID)
	}
	c := *inv
	c.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	t.st.invoices[inv.ID] = c
	return nil
}

func (t *memTx) ClaimNextOverdueInvoice(_ context.Context, afterID string) (*models.Invoice, error) {
	var best *models.Invoice
	for _, inv := range t.st.invoices {
		if inv.Status != models.InvoiceStatusOverdue || inv.ID <= afterID {
			continue
		}
		if best == nil || inv.ID < best.ID {
			c := inv
			best = &c
		}
	}
	if best == nil {
		return nil, notFound("overdue invoice after", afterID)
	}
	return best, nil
}

func (t *memTx) CreateAttempt(_ context.Context, a *models.PaymentAttempt) error {
	if _, ok := t.st.attempts[a.ID]; ok {
		return conflict("payment attempt id")
	}
	for _, existing := range t.st.attempts {
		if existing.IdempotencyKey == a.IdempotencyKey {
			return conflict("payment attempt idempotency key")
		}
		if a.Status == models.AttemptStatusPending && existing.InvoiceID == a.InvoiceID &&
			existing.Status == models.AttemptStatusPending {
			return conflict("pending attempt per invoice")
		}
	}
	t.st.attempts[a.ID] = *a
	return nil
}

func (t *memTx) GetAttemptForUpdate(_ context.Context, id string) (*models.PaymentAttempt, error) {
	a, ok := t.st.attempts[id]
	if !ok {
		return nil, notFound("payment attempt", id)
	}
	return &a, nil
}

func (t *memTx) GetAttemptByKeyForUpdate(_ context.Context, key string) (*models.PaymentAttempt, error) {
	for _, a := range t.st.attempts {
		if a.IdempotencyKey == key {
			return &a, nil
		}
	}
	return nil, notFound("payment attempt with key", key)
}

func (t *memTx) ListAttempts(_ context.Context, invoiceID string) ([]models.PaymentAttempt, error) {
	return t.st.attemptsFor(invoiceID), nil
}

func (t *memTx) HasPendingAttempt(_ context.Context, invoiceID string) (bool, error) {
	for _, a := range t.st.attempts {
		if a.InvoiceID == invoiceID && a.Status == models.AttemptStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UpdateAttempt(_ context.Context, a *models.PaymentAttempt) error {
	if _, ok := t.st.attempts[a.ID]; !ok {
		return notFound("payment attempt", a.ID)
	}
	t.st.attempts[a.ID] = *a
	return nil
}

func (t *memTx) ClaimDueRetry(_ context.Context, now time.Time, maxAttempts int) (*models.PaymentAttempt, error) {
	var best *models.PaymentAttempt
	for _, a := range t.st.attempts {
		if a.Status != models.AttemptStatusFailed || a.SupersededBy != "" || a.RetryCount+1 >= maxAttempts {
			continue
		}
		if a.NextRetryAt != nil && a.NextRetryAt.After(now) {
			continue
		}
		if inv, ok := t.st.invoices[a.InvoiceID]; !ok || inv.Status != models.InvoiceStatusPending {
			continue
		}
		if best == nil || dueBefore(a, *best) {
			c := a
			best = &c
		}
	}
	if best == nil {
		return nil, notFound("due retry at", now.String())
	}
	return best, nil
}

func dueBefore(a, b models.PaymentAttempt) bool {
	switch {
	case a.NextRetryAt == nil && b.NextRetryAt != nil:
		return true
	case a.NextRetryAt != nil && b.NextRetryAt == nil:
		return false
	case a.NextRetryAt != nil && !a.NextRetryAt.Equal(*b.NextRetryAt):
		return a.NextRetryAt.Before(*b.NextRetryAt)
	}
	return a.ID < b.ID
}

func (t *memTx) ClaimStalePending(_ context.Context, olderThan time.Time, afterID string) (*models.PaymentAttempt, error) {
	var best *models.PaymentAttempt
	for _, a := range t.st.attempts {
		if a.Status != models.AttemptStatusPending || !a.AttemptedAt.Before(olderThan) || a.ID <= afterID {
			continue
		}
		if best == nil || a.ID < best.ID {
			c := a
			best = &c
		}
	}
	if best == nil {
		return nil, notFound("stale pending attempt after", afterID)
	}
	return best, nil
}

func (t *memTx) ListNotices(_ context.Context, invoiceID string) ([]models.DunningNotice, error) {
	return t.st.noticesFor(invoiceID), nil
}

func (t *memTx) CreateNotice(_ context.Context, n *models.DunningNotice) error {
	for _, existing := range t.st.notices {
		if existing.InvoiceID == n.InvoiceID && existing.NoticeLevel == n.NoticeLevel {
			return conflict("dunning notice invoice level")
		}
	}
	t.st.notices[n.ID] = *n
	return nil
}

func (t *memTx) MarkNoticeDelivered(_ context.Context, id string, delivered bool) error {
	n, ok := t.st.notices[id]
	if !ok {
		return notFound("dunning notice", id)
	}
	n.Delivered = delivered
	t.st.notices[id] = n
	return nil
}

func (t *memTx) InsertWebhookEvent(_ context.Context, e *models.WebhookEvent) (bool, error) {
	if _, ok := t.st.events[e.EventID]; ok {
		return false, nil
	}
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	t.st.events[e.EventID] = c
	return true, nil
}

func (t *memTx) GetWebhookEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	e, ok := t.st.events[eventID]
	if !ok {
		return nil, notFound("webhook event", eventID)
	}
	return &e, nil
}

func (t *memTx) ClaimWebhookEvent(_ context.Context, eventID string, now, staleBefore time.Time) (bool, error) {
	e, ok := t.st.events[eventID]
	if !ok || e.Processed {
		return false, nil
	}
	if e.Status == models.WebhookStatusFailed || (e.Status == models.WebhookStatusStored && e.ClaimedAt.Before(staleBefore)) {
		e.Status = models.WebhookStatusStored
		e.ClaimedAt = now
		e.ProcessingError = ""
		t.st.events[eventID] = e
		return true, nil
	}
	return false, nil
}

func (t *memTx) UpdateWebhookEvent(_ context.Context, e *models.WebhookEvent) error {
	if _, ok := t.st.events[e.EventID]; !ok {
		return notFound("webhook event", e.EventID)
	}
	t.st.events[e.EventID] = *e
	return nil
}

func (t *memTx) CreateWebhookRetry(_ context.Context, r *models.WebhookRetry) error {
	if _, ok := t.st.retries[r.ID]; ok {
		return conflict("webhook retry id")
	}
	t.st.retries[r.ID] = copyRetry(*r)
	return nil
}

func (t *memTx) ClaimDueWebhookRetries(_ context.Context, now, leaseUntil time.Time, limit int) ([]models.WebhookRetry, error) {
	var due []models.WebhookRetry
	for _, r := range t.st.retries {
		if r.FailedAt == nil && !r.NextRetryAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].NextRetryAt = leaseUntil
		t.st.retries[due[i].ID] = copyRetry(due[i])
	}
	return due, nil
}

func (t *memTx) UpdateWebhookRetry(_ context.Context, r *models.WebhookRetry) error {
	if _, ok := t.st.retries[r.ID]; !ok {
		return notFound("webhook retry", r.ID)
	}
	t.st.retries[r.ID] = copyRetry(*r)
	return nil
}

func (t *memTx) DeleteWebhookRetry(_ context.Context, id string) error {
	delete(t.st.retries, id)
	return nil
}

func (t *memTx) ListDeadLetters(_ context.Context, limit int) ([]models.WebhookRetry, error) {
	var out []models.WebhookRetry
	for _, r := range t.st.retries {
		if r.FailedAt != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(*out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRetry(r models.WebhookRetry) models.WebhookRetry {
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	r.Headers = headers
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}
