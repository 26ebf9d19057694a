// Package dunning escalates overdue invoices through reminder, warning and suspension notices.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// Days past the due date at which each level becomes due
const (
	ReminderAfterDays   = 3
	WarningAfterDays    = 7
	SuspensionAfterDays = 14
)

// DefaultNoticeTerm is the grace period printed on a notice
const DefaultNoticeTerm = 7 * 24 * time.Hour

// Notifier delivers a recorded notice to the user
type Notifier interface {
	Deliver(ctx context.Context, notice models.DunningNotice) error
}

// Engine records and delivers dunning notices
type Engine struct {
	store      store.Store
	notifier   Notifier
	emitter    *events.Emitter
	logger     *logger.Logger
	noticeTerm time.Duration
	now        func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEmitter publishes dunning events
func WithEmitter(emitter *events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithNoticeTerm sets the grace period printed on each notice
func WithNoticeTerm(term time.Duration) Option {
	return func(e *Engine) { e.noticeTerm = term }
}

// NewEngine creates a dunning engine
func NewEngine(st store.Store, notifier Notifier, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		notifier:   notifier,
		logger:     log,
		noticeTerm: DefaultNoticeTerm,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TargetLevel is the highest level an invoice this many days overdue has earned, or 0
func TargetLevel(daysOverdue int) int {
	switch {
	case daysOverdue >= SuspensionAfterDays:
		return models.NoticeLevelSuspension
	case daysOverdue >= WarningAfterDays:
		return models.NoticeLevelWarning
	case daysOverdue >= ReminderAfterDays:
		return models.NoticeLevelReminder
	default:
		return 0
	}
}

// DaysOverdue counts whole days since the due date
func DaysOverdue(dueDate, now time.Time) int {
	if !now.After(dueDate) {
		return 0
	}
	return int(now.Sub(dueDate).Hours() / 24)
}

// ProcessDunningNotices sweeps overdue invoices, one per transaction, and sends each
// at most one notice: the level after the last one recorded, once it is due.
func (e *Engine) ProcessDunningNotices(ctx context.Context) (*models.BatchResult, error) {
	result := &models.BatchResult{Errors: []string{}}
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep interrupted: %v", err))
			break
		}

		var (
			notice  *models.DunningNotice
			claimed bool
		)
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			inv, err := tx.ClaimNextOverdueInvoice(ctx, afterID)
			if err != nil {
				return err
			}
			claimed = true
			afterID = inv.ID

			notices, err := tx.ListNotices(ctx, inv.ID)
			if err != nil {
				return err
			}
			next := lastLevel(notices) + 1
			if next > models.NoticeLevelSuspension || TargetLevel(DaysOverdue(inv.DueDate, e.now())) < next {
				return nil
			}
			notice, err = e.record(ctx, tx, inv, next, notices)
			return err
		})
		if errors.Is(err, models.ErrNotFound) && !claimed {
			break
		}
		if !claimed && err != nil {
			return result, fmt.Errorf("failed to claim overdue invoice: %w", err)
		}

		result.Processed++
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("invoice %s: %v", afterID, err))
			e.logger.Error("Dunning step failed", "invoice_id", afterID, "error", err)
			continue
		}
		if notice == nil {
			continue
		}
		result.Succeeded++
		if err := e.Deliver(ctx, notice); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("invoice %s: delivery of level %d: %v", afterID, notice.NoticeLevel, err))
		}
	}

	e.logger.Info("Dunning sweep completed", "processed", result.Processed, "sent", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// SendDunningNotice records one notice and delivers it
func (e *Engine) SendDunningNotice(ctx context.Context, invoiceID string, level int) (*models.DunningNotice, error) {
	var notice *models.DunningNotice
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		notice, err = e.CreateNoticeTx(ctx, tx, inv, level)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Deliver logs its own failures
	_ = e.Deliver(ctx, notice)
	return notice, nil
}

// CreateNoticeTx records a notice inside the caller's transaction. The invoice must be
// locked, overdue and at level-1 already. Delivery is left to the caller after commit.
func (e *Engine) CreateNoticeTx(ctx context.Context, tx store.Tx, inv *models.Invoice, level int) (*models.DunningNotice, error) {
	notices, err := tx.ListNotices(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	return e.record(ctx, tx, inv, level, notices)
}

func (e *Engine) record(ctx context.Context, tx store.Tx, inv *models.Invoice, level int, existing []models.DunningNotice) (*models.DunningNotice, error) {
	if level < models.NoticeLevelReminder || level > models.NoticeLevelSuspension {
		return nil, &models.ValidationError{Field: "level", Message: fmt.Sprintf("must be between 1 and 3, got %d", level)}
	}
	for _, n := range existing {
		if n.NoticeLevel == level {
			return nil, &models.AlreadySentError{InvoiceID: inv.ID, Level: level}
		}
	}
	if inv.Status != models.InvoiceStatusOverdue {
		return nil, &models.InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status, Reason: "dunning needs an overdue invoice"}
	}
	if last := lastLevel(existing); level != last+1 {
		return nil, &models.InvalidStateError{Entity: "invoice", ID: inv.ID, Status: inv.Status,
			Reason: fmt.Sprintf("next dunning level is %d, not %d", last+1, level)}
	}

	now := e.now()
	notice := &models.DunningNotice{
		ID:          uuid.New().String(),
		InvoiceID:   inv.ID,
		UserID:      inv.UserID,
		NoticeLevel: level,
		Status:      models.NoticeStatusSent,
		SentAt:      now,
		DueDate:     now.Add(e.noticeTerm),
		Amount:      inv.TotalAmount,
	}
	notice.Message = Message(notice, inv.Currency)

	if err := tx.CreateNotice(ctx, notice); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, &models.AlreadySentError{InvoiceID: inv.ID, Level: level}
		}
		return nil, fmt.Errorf("failed to record dunning notice: %w", err)
	}
	if level == models.NoticeLevelSuspension {
		if err := tx.SuspendUser(ctx, inv.UserID); err != nil {
			return nil, fmt.Errorf("failed to suspend user %s: %w", inv.UserID, err)
		}
	}
	return notice, nil
}

// Deliver hands a committed notice to the notifier and records the outcome.
// A failed delivery leaves the notice undelivered; the level still counts as sent.
// Failures are logged here, so callers only use the returned error for reporting.
func (e *Engine) Deliver(ctx context.Context, notice *models.DunningNotice) error {
	deliverErr := e.notifier.Deliver(ctx, *notice)
	if deliverErr != nil {
		e.logger.Warn("Failed to deliver dunning notice", "notice_id", notice.ID, "invoice_id", notice.InvoiceID,
			"level", notice.NoticeLevel, "error", deliverErr)
	} else {
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.MarkNoticeDelivered(ctx, notice.ID, true)
		})
		if err != nil {
			e.logger.Error("Failed to mark notice delivered", "notice_id", notice.ID, "error", err)
		} else {
			notice.Delivered = true
		}
	}

	e.logger.Info("Dunning notice sent", "notice_id", notice.ID, "invoice_id", notice.InvoiceID,
		"user_id", notice.UserID, "level", notice.NoticeLevel, "delivered", notice.Delivered)
	data := events.DunningEventData{
		NoticeID:  notice.ID,
		InvoiceID: notice.InvoiceID,
		UserID:    notice.UserID,
		Level:     notice.NoticeLevel,
		Amount:    notice.Amount.StringFixed(2),
		Delivered: notice.Delivered,
	}
	e.emitter.Emit(events.TypeDunning, events.DunningNoticeSent, data)
	if notice.NoticeLevel == models.NoticeLevelSuspension {
		e.emitter.Emit(events.TypeDunning, events.DunningSuspended, data)
	}
	return deliverErr
}

func lastLevel(notices []models.DunningNotice) int {
	last := 0
	for _, n := range notices {
		if n.NoticeLevel > last {
			last = n.NoticeLevel
		}
	}
	return last
}
