// Package invoice turns usage ledgers into invoices and runs monthly billing cycles.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
	"github.com/AnuragDani/ride-billing-engine/internal/usage"
)

// DefaultDueDays is how long a user has to pay an invoice
const DefaultDueDays = 30

// Engine generates invoices.
type Engine struct {
	store   store.Store
	ledger  *usage.Ledger
	emitter *events.Emitter
	logger  *logger.Logger
	dueDays int
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDueDays sets the payment term.
func WithDueDays(days int) Option {
	return func(e *Engine) { e.dueDays = days }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEmitter publishes invoice events.
func WithEmitter(emitter *events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// NewEngine creates an invoice engine.
func NewEngine(st store.Store, ledger *usage.Ledger, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		ledger:  ledger,
		logger:  log,
		dueDays: DefaultDueDays,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateInvoice bills a user for a period. The existence check and the insert
// share one transaction behind a per-(user, period) lock. A dry run computes the
// invoice and returns it as a draft without writing anything.
func (e *Engine) GenerateInvoice(ctx context.Context, userID string, period models.BillingPeriod, dryRun bool) (*models.Invoice, error) {
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Message: "is required"}
	}
	if dryRun {
		return e.preview(ctx, userID, period)
	}

	var inv *models.Invoice
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockInvoiceSlot(ctx, userID, period.Start()); err != nil {
			return err
		}
		existing, err := tx.FindBillableInvoice(ctx, userID, period.Start(), period.End())
		switch {
		case err == nil:
			return &models.DuplicateInvoiceError{UserID: userID, Period: period.String(), InvoiceID: existing.ID}
		case !errors.Is(err, models.ErrNotFound):
			return fmt.Errorf("failed to check existing invoice: %w", err)
		}

		if _, err := tx.GetUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to load user %s: %w", userID, err)
		}

		_, summary, err := e.ledger.Recompute(ctx, tx, userID, period)
		if err != nil {
			return err
		}

		inv = e.build(userID, period, summary, models.InvoiceStatusPending)
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			if errors.Is(err, models.ErrConflict) {
				return &models.DuplicateInvoiceError{UserID: userID, Period: period.String()}
			}
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Invoice generated", "invoice_id", inv.ID, "user_id", userID, "period", period.String(),
		"total", inv.TotalAmount.StringFixed(2))
	e.emitter.Emit(events.TypeInvoice, events.InvoiceGenerated, invoiceEvent(inv, period))
	return inv, nil
}

func (e *Engine) preview(ctx context.Context, userID string, period models.BillingPeriod) (*models.Invoice, error) {
	summary, err := e.ledger.Summarize(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	return e.build(userID, period, summary, models.InvoiceStatusDraft), nil
}

// GetInvoice loads one invoice.
func (e *Engine) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	var inv *models.Invoice
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inv, err = tx.GetInvoice(ctx, id)
		return err
	})
	return inv, err
}

func (e *Engine) build(userID string, period models.BillingPeriod, summary *models.UsageSummary, status string) *models.Invoice {
	now := e.now()
	return &models.Invoice{
		ID:          uuid.New().String(),
		UserID:      userID,
		PeriodStart: period.Start(),
		PeriodEnd:   period.End(),
		LineItems:   BuildLineItems(summary, e.ledger.Aggregator().Pricing()),
		TotalAmount: summary.FinalCost,
		Currency:    e.ledger.Aggregator().Pricing().Currency,
		DueDate:     now.AddDate(0, 0, e.dueDays),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// BuildLineItems emits one line per nonzero component. The adjustments line is
// whatever separates the usage lines from the final cost, so the lines always add
// up to the invoice total even when credits clamp it at zero.
func BuildLineItems(summary *models.UsageSummary, pricing models.Pricing) []models.LineItem {
	c := summary.Components
	items := make([]models.LineItem, 0, 4)

	if !c.BaseFare.IsZero() {
		items = append(items, models.LineItem{
			Type:        models.LineItemRides,
			Description: fmt.Sprintf("%d rides", summary.RidesCount),
			Quantity:    decimal.NewFromInt(summary.RidesCount),
			UnitPrice:   pricing.BaseFarePerRide,
			TotalPrice:  c.BaseFare,
		})
	}
	if !c.DistanceFee.IsZero() {
		km := decimal.NewFromInt(summary.TotalDistance).Div(decimal.NewFromInt(1000)).Round(3)
		items = append(items, models.LineItem{
			Type:        models.LineItemDistance,
			Description: fmt.Sprintf("%s km travelled", km.String()),
			Quantity:    km,
			UnitPrice:   pricing.DistanceFeePerKm,
			TotalPrice:  c.DistanceFee,
		})
	}
	if !c.TimeFee.IsZero() {
		items = append(items, models.LineItem{
			Type:        models.LineItemTime,
			Description: fmt.Sprintf("%d minutes in ride", summary.TotalDuration),
			Quantity:    decimal.NewFromInt(summary.TotalDuration),
			UnitPrice:   pricing.TimeFeePerMinute,
			TotalPrice:  c.TimeFee,
		})
	}

	usageTotal := c.BaseFare.Add(c.DistanceFee).Add(c.TimeFee)
	if adjustment := summary.FinalCost.Sub(usageTotal); !adjustment.IsZero() {
		items = append(items, models.LineItem{
			Type:        models.LineItemAdjustments,
			Description: "Credits and debits",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   adjustment,
			TotalPrice:  adjustment,
		})
	}
	return items
}

func invoiceEvent(inv *models.Invoice, period models.BillingPeriod) events.InvoiceEventData {
	return events.InvoiceEventData{
		InvoiceID:   inv.ID,
		UserID:      inv.UserID,
		Period:      period.String(),
		TotalAmount: inv.TotalAmount.StringFixed(2),
		Currency:    inv.Currency,
		Status:      inv.Status,
	}
}
