package usage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store/memory"
)

var testPricing = models.Pricing{
	Currency:         "INR",
	BaseFarePerRide:  decimal.NewFromInt(50),
	DistanceFeePerKm: decimal.NewFromInt(15),
	TimeFeePerMinute: decimal.NewFromInt(2),
}

var january = models.BillingPeriod{Year: 2026, Month: time.January}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func seedJanuary(st *memory.Store) {
	st.AddUser(models.User{ID: "u1", Name: "Asha"})
	st.AddTrip(models.Trip{ID: "t1", UserID: "u1", Status: models.TripStatusCompleted,
		PickedUpAt: ts("2026-01-05T08:00:00Z"), CompletedAt: ts("2026-01-05T08:20:00Z"),
		DistanceMeters: 3000, DurationMinutes: 20})
	st.AddTrip(models.Trip{ID: "t2", UserID: "u1", Status: models.TripStatusCompleted,
		PickedUpAt: ts("2026-01-20T18:00:00Z"), CompletedAt: ts("2026-01-20T18:25:00Z"),
		DistanceMeters: 4500, DurationMinutes: 25})
	// scheduled but never picked up
	st.AddTrip(models.Trip{ID: "t3", UserID: "u1", Status: models.TripStatusCompleted,
		CompletedAt: ts("2026-01-21T10:00:00Z"), DistanceMeters: 9000, DurationMinutes: 30})
	// outside the month
	st.AddTrip(models.Trip{ID: "t4", UserID: "u1", Status: models.TripStatusCompleted,
		PickedUpAt: ts("2026-02-01T00:00:00Z"), CompletedAt: ts("2026-02-01T00:10:00Z"),
		DistanceMeters: 1000, DurationMinutes: 10})
	st.AddTrip(models.Trip{ID: "t5", UserID: "u1", Status: models.TripStatusCancelled,
		PickedUpAt: ts("2026-01-09T00:00:00Z"), CompletedAt: ts("2026-01-09T00:10:00Z"),
		DistanceMeters: 1000, DurationMinutes: 10})
}

func TestSummarize_JanuaryScenario(t *testing.T) {
	st := memory.New()
	seedJanuary(st)
	ledger := NewLedger(st, NewAggregator(testPricing))

	summary, err := ledger.Summarize(context.Background(), "u1", january)
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.RidesCount)
	assert.Equal(t, int64(7500), summary.TotalDistance)
	assert.Equal(t, int64(45), summary.TotalDuration)
	assert.Equal(t, "100", summary.Components.BaseFare.String())
	assert.Equal(t, "112.5", summary.Components.DistanceFee.String())
	assert.Equal(t, "90", summary.Components.TimeFee.String())
	assert.True(t, decimal.RequireFromString("302.50").Equal(summary.RawCost), summary.RawCost.String())
	assert.True(t, summary.FinalCost.Equal(summary.RawCost))
}

func TestSummarize_NoTrips(t *testing.T) {
	st := memory.New()
	st.AddUser(models.User{ID: "u2"})
	ledger := NewLedger(st, NewAggregator(testPricing))

	summary, err := ledger.Summarize(context.Background(), "u2", january)
	require.NoError(t, err)
	assert.Zero(t, summary.RidesCount)
	assert.True(t, summary.FinalCost.IsZero())
}

func TestSummarize_RequiresUser(t *testing.T) {
	ledger := NewLedger(memory.New(), NewAggregator(testPricing))
	_, err := ledger.Summarize(context.Background(), "", january)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAppendAdjustment(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedJanuary(st)
	ledger := NewLedger(st, NewAggregator(testPricing))

	_, err := ledger.AppendAdjustment(ctx, "u1", january, models.Adjustment{
		Type: models.AdjustmentCredit, Amount: decimal.RequireFromString("52.50"), Reason: "late pickup"})
	require.NoError(t, err)
	got, err := ledger.AppendAdjustment(ctx, "u1", january, models.Adjustment{
		Type: models.AdjustmentDebit, Amount: decimal.NewFromInt(10), Reason: "cleaning fee"})
	require.NoError(t, err)

	require.Len(t, got.Adjustments, 2)
	assert.Equal(t, models.AdjustmentCredit, got.Adjustments[0].Type)
	assert.True(t, decimal.RequireFromString("260").Equal(got.FinalAmount), got.FinalAmount.String())

	summary, err := ledger.Summarize(ctx, "u1", january)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("-42.5").Equal(summary.AdjustmentTotal))
	assert.True(t, decimal.RequireFromString("260").Equal(summary.FinalCost))
}

func TestAppendAdjustment_ClampsAtZero(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedJanuary(st)
	ledger := NewLedger(st, NewAggregator(testPricing))

	got, err := ledger.AppendAdjustment(ctx, "u1", january, models.Adjustment{
		Type: models.AdjustmentCredit, Amount: decimal.NewFromInt(1000), Reason: "goodwill"})
	require.NoError(t, err)
	assert.True(t, got.FinalAmount.IsZero())
	assert.True(t, decimal.RequireFromString("302.5").Equal(got.RawAmount))
}

func TestAppendAdjustment_Validation(t *testing.T) {
	ledger := NewLedger(memory.New(), NewAggregator(testPricing))

	tests := []struct {
		name string
		adj  models.Adjustment
	}{
		{"bad type", models.Adjustment{Type: "refund", Amount: decimal.NewFromInt(1), Reason: "x"}},
		{"zero amount", models.Adjustment{Type: models.AdjustmentDebit, Amount: decimal.Zero, Reason: "x"}},
		{"negative amount", models.Adjustment{Type: models.AdjustmentDebit, Amount: decimal.NewFromInt(-3), Reason: "x"}},
		{"no reason", models.Adjustment{Type: models.AdjustmentCredit, Amount: decimal.NewFromInt(1), Reason: " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.AppendAdjustment(context.Background(), "u1", january, tt.adj)
			var verr *models.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestFinalCost(t *testing.T) {
	assert.Equal(t, "0", FinalCost(decimal.NewFromInt(10), decimal.NewFromInt(-20)).String())
	assert.Equal(t, "12.35", FinalCost(decimal.RequireFromString("10.004"), decimal.RequireFromString("2.345")).String())
}
