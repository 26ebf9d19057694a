package invoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
	"github.com/AnuragDani/ride-billing-engine/internal/store/memory"
	"github.com/AnuragDani/ride-billing-engine/internal/usage"
)

var (
	january = models.BillingPeriod{Year: 2026, Month: time.January}
	fixedAt = time.Date(2026, time.February, 1, 2, 0, 0, 0, time.UTC)
	pricing = models.Pricing{
		Currency:         "INR",
		BaseFarePerRide:  decimal.NewFromInt(50),
		DistanceFeePerKm: decimal.NewFromInt(15),
		TimeFeePerMinute: decimal.NewFromInt(2),
	}
)

func at(day, hour int) *time.Time {
	t := time.Date(2026, time.January, day, hour, 0, 0, 0, time.UTC)
	return &t
}

func addRides(st *memory.Store, userID string) {
	st.AddUser(models.User{ID: userID})
	st.AddTrip(models.Trip{ID: userID + "-a", UserID: userID, Status: models.TripStatusCompleted,
		PickedUpAt: at(3, 9), CompletedAt: at(3, 10), DistanceMeters: 3000, DurationMinutes: 20})
	st.AddTrip(models.Trip{ID: userID + "-b", UserID: userID, Status: models.TripStatusCompleted,
		PickedUpAt: at(12, 9), CompletedAt: at(12, 10), DistanceMeters: 4500, DurationMinutes: 25})
}

func newEngine(st store.Store) *Engine {
	ledger := usage.NewLedger(st, usage.NewAggregator(pricing)).WithClock(func() time.Time { return fixedAt })
	return NewEngine(st, ledger, logger.Discard(), WithClock(func() time.Time { return fixedAt }))
}

func TestGenerateInvoice(t *testing.T) {
	st := memory.New()
	addRides(st, "u1")
	engine := newEngine(st)

	inv, err := engine.GenerateInvoice(context.Background(), "u1", january, false)
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStatusPending, inv.Status)
	assert.True(t, decimal.RequireFromString("302.50").Equal(inv.TotalAmount), inv.TotalAmount.String())
	assert.Equal(t, "INR", inv.Currency)
	assert.Equal(t, fixedAt.AddDate(0, 0, 30), inv.DueDate)
	assert.Equal(t, january.Start(), inv.PeriodStart)
	assert.Equal(t, january.End(), inv.PeriodEnd)

	require.Len(t, inv.LineItems, 3)
	assert.Equal(t, models.LineItemRides, inv.LineItems[0].Type)
	assert.Equal(t, "2", inv.LineItems[0].Quantity.String())
	assert.Equal(t, models.LineItemDistance, inv.LineItems[1].Type)
	assert.Equal(t, "7.5", inv.LineItems[1].Quantity.String())
	assert.Equal(t, models.LineItemTime, inv.LineItems[2].Type)
	assert.True(t, inv.LineItemsTotal().Equal(inv.TotalAmount))

	stored := st.Invoices()
	require.Len(t, stored, 1)
	assert.Equal(t, inv.ID, stored[0].ID)

	ledger, err := usage.NewLedger(st, usage.NewAggregator(pricing)).Get(context.Background(), "u1", january)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ledger.RidesCount)
}

func TestGenerateInvoice_Duplicate(t *testing.T) {
	st := memory.New()
	addRides(st, "u1")
	engine := newEngine(st)

	first, err := engine.GenerateInvoice(context.Background(), "u1", january, false)
	require.NoError(t, err)

	_, err = engine.GenerateInvoice(context.Background(), "u1", january, false)
	var dup *models.DuplicateInvoiceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.InvoiceID)
	assert.True(t, models.IsIdempotentNoop(err))
}

func TestGenerateInvoice_ConcurrentCallsCreateOne(t *testing.T) {
	st := memory.New()
	addRides(st, "u1")
	engine := newEngine(st)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.GenerateInvoice(context.Background(), "u1", january, false)
		}(i)
	}
	wg.Wait()

	var ok, dups int
	for _, err := range errs {
		var dup *models.DuplicateInvoiceError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &dup):
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, dups)
	assert.Len(t, st.Invoices(), 1)
}

func TestGenerateInvoice_DryRunWritesNothing(t *testing.T) {
	st := memory.New()
	addRides(st, "u1")
	engine := newEngine(st)

	inv, err := engine.GenerateInvoice(context.Background(), "u1", january, true)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusDraft, inv.Status)
	assert.True(t, decimal.RequireFromString("302.5").Equal(inv.TotalAmount))
	assert.Empty(t, st.Invoices())

	_, err = usage.NewLedger(st, usage.NewAggregator(pricing)).Get(context.Background(), "u1", january)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// a later real run is unaffected by the preview
	_, err = engine.GenerateInvoice(context.Background(), "u1", january, false)
	require.NoError(t, err)
}

func TestGenerateInvoice_UnknownUser(t *testing.T) {
	engine := newEngine(memory.New())
	_, err := engine.GenerateInvoice(context.Background(), "ghost", january, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBuildLineItems_ClampedCreditKeepsTotals(t *testing.T) {
	summary := &models.UsageSummary{
		RidesCount: 1, TotalDistance: 2000, TotalDuration: 10,
		Components: models.CostComponents{
			BaseFare: decimal.NewFromInt(50), DistanceFee: decimal.NewFromInt(30), TimeFee: decimal.NewFromInt(20),
		},
		RawCost:         decimal.NewFromInt(100),
		AdjustmentTotal: decimal.NewFromInt(-150),
		FinalCost:       decimal.Zero,
	}
	items := BuildLineItems(summary, pricing)
	require.Len(t, items, 4)
	assert.Equal(t, models.LineItemAdjustments, items[3].Type)
	assert.Equal(t, "-100", items[3].TotalPrice.String())

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.TotalPrice)
	}
	assert.True(t, total.IsZero())
}

// failingStore fails trip loading for one user.
type failingStore struct {
	*memory.Store
	failUser string
}

type failingTx struct {
	store.Tx
	failUser string
}

func (f *failingStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, failUser: f.failUser})
	})
}

func (f *failingTx) ListQualifyingTrips(ctx context.Context, userID string, from, to time.Time) ([]models.Trip, error) {
	if userID == f.failUser {
		return nil, errors.New("trip shard unavailable")
	}
	return f.Tx.ListQualifyingTrips(ctx, userID, from, to)
}

func TestRunBillingCycle_PartialFailure(t *testing.T) {
	mem := memory.New()
	addRides(mem, "u1")
	addRides(mem, "u2")
	addRides(mem, "u3")
	mem.AddUser(models.User{ID: "u4", Status: models.UserStatusSuspended})
	mem.AddTrip(models.Trip{ID: "u4-a", UserID: "u4", Status: models.TripStatusCompleted,
		PickedUpAt: at(4, 9), CompletedAt: at(4, 10), DistanceMeters: 1000, DurationMinutes: 5})

	engine := newEngine(&failingStore{Store: mem, failUser: "u2"})

	result, err := engine.RunBillingCycle(context.Background(), january, false)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ProcessedUsers)
	assert.Equal(t, 2, result.GeneratedInvoices)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "u2")
	assert.True(t, decimal.RequireFromString("605").Equal(result.TotalAmount), result.TotalAmount.String())

	// rerun bills nobody twice
	again, err := engine.RunBillingCycle(context.Background(), january, false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.GeneratedInvoices)
	assert.Equal(t, 2, again.Skipped)
	assert.Len(t, mem.Invoices(), 2)
}

func TestRunBillingCycle_DryRun(t *testing.T) {
	st := memory.New()
	addRides(st, "u1")
	addRides(st, "u2")
	engine := newEngine(st)

	result, err := engine.RunBillingCycle(context.Background(), january, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.GeneratedInvoices)
	assert.True(t, result.DryRun)
	assert.Empty(t, st.Invoices())
}
