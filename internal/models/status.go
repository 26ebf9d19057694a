package models

// Invoice statuses
const (
	InvoiceStatusDraft   = "draft"
	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusOverdue = "overdue"
)

// Payment attempt statuses
const (
	AttemptStatusPending   = "pending"
	AttemptStatusSucceeded = "succeeded"
	AttemptStatusFailed    = "failed"
)

// Dunning levels
const (
	NoticeLevelReminder   = 1
	NoticeLevelWarning    = 2
	NoticeLevelSuspension = 3
)

var invoiceTransitions = map[string][]string{
	InvoiceStatusDraft:   {InvoiceStatusPending},
	InvoiceStatusPending: {InvoiceStatusPaid, InvoiceStatusOverdue},
	InvoiceStatusOverdue: {InvoiceStatusPaid},
	InvoiceStatusPaid:    {},
}

var attemptTransitions = map[string][]string{
	AttemptStatusPending:   {AttemptStatusSucceeded, AttemptStatusFailed},
	AttemptStatusSucceeded: {},
	AttemptStatusFailed:    {},
}

// CanTransitionInvoice reports whether an invoice may move from one status to another
func CanTransitionInvoice(from, to string) bool {
	return allowed(invoiceTransitions, from, to)
}

// CanTransitionAttempt reports whether a payment attempt may move from one status to another
func CanTransitionAttempt(from, to string) bool {
	return allowed(attemptTransitions, from, to)
}

// IsPayable reports whether a charge may be attempted against an invoice in this status
func IsPayable(status string) bool {
	return status == InvoiceStatusPending || status == InvoiceStatusOverdue
}

// TransitionInvoice moves the invoice into status or returns an InvalidStateError
func TransitionInvoice(inv *Invoice, to string) error {
	if !CanTransitionInvoice(inv.Status, to) {
		return &InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status, Want: to}
	}
	inv.Status = to
	return nil
}

// TransitionAttempt moves the attempt into status or returns an InvalidStateError
func TransitionAttempt(a *PaymentAttempt, to string) error {
	if !CanTransitionAttempt(a.Status, to) {
		return &InvalidStateError{Entity: "payment attempt", ID: a.ID, Status: a.Status, Want: to}
	}
	a.Status = to
	return nil
}

// ReconcileAttempt marks a failed attempt succeeded. Providers may report a capture
// after the synchronous call timed out, and the money has moved either way.
func ReconcileAttempt(a *PaymentAttempt) error {
	if a.Status != AttemptStatusFailed {
		return &InvalidStateError{Entity: "payment attempt", ID: a.ID, Status: a.Status, Want: AttemptStatusSucceeded,
			Reason: "only failed attempts are reconciled"}
	}
	a.Status = AttemptStatusSucceeded
	a.FailureReason = ""
	a.NextRetryAt = nil
	return nil
}

func allowed(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
