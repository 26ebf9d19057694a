// Package usage turns completed trips into monthly usage figures and keeps the
// per-user ledger those figures are billed from.
package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

var metersPerKm = decimal.NewFromInt(1000)

// Aggregator computes a user's usage for a calendar month.
type Aggregator struct {
	pricing models.Pricing
}

// NewAggregator creates an aggregator for a tariff.
func NewAggregator(pricing models.Pricing) *Aggregator {
	return &Aggregator{pricing: pricing}
}

// Pricing returns the tariff in use.
func (a *Aggregator) Pricing() models.Pricing {
	return a.pricing
}

// Aggregate scans the qualifying trips inside tx and prices them. Existing ledger
// adjustments are applied to the final cost. It writes nothing.
func (a *Aggregator) Aggregate(ctx context.Context, tx store.Tx, userID string, period models.BillingPeriod) (*models.UsageSummary, error) {
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Message: "is required"}
	}

	trips, err := tx.ListQualifyingTrips(ctx, userID, period.Start(), period.End())
	if err != nil {
		return nil, fmt.Errorf("failed to load trips for %s: %w", userID, err)
	}

	summary := &models.UsageSummary{UserID: userID, Period: period.String()}
	for _, trip := range trips {
		summary.RidesCount++
		summary.TotalDistance += trip.DistanceMeters
		summary.TotalDuration += trip.DurationMinutes
	}
	summary.Components = a.price(summary.RidesCount, summary.TotalDistance, summary.TotalDuration)
	summary.RawCost = RawCost(summary.Components)

	ledger, err := tx.GetLedgerForUpdate(ctx, userID, period.String())
	switch {
	case errors.Is(err, models.ErrNotFound):
		summary.AdjustmentTotal = decimal.Zero
	case err != nil:
		return nil, fmt.Errorf("failed to load ledger for %s: %w", userID, err)
	default:
		summary.AdjustmentTotal = ledger.AdjustmentTotal().Round(2)
	}
	summary.FinalCost = FinalCost(summary.RawCost, summary.AdjustmentTotal)
	return summary, nil
}

func (a *Aggregator) price(rides, distanceMeters, durationMinutes int64) models.CostComponents {
	km := decimal.NewFromInt(distanceMeters).Div(metersPerKm)
	return models.CostComponents{
		BaseFare:    decimal.NewFromInt(rides).Mul(a.pricing.BaseFarePerRide).Round(2),
		DistanceFee: km.Mul(a.pricing.DistanceFeePerKm).Round(2),
		TimeFee:     decimal.NewFromInt(durationMinutes).Mul(a.pricing.TimeFeePerMinute).Round(2),
		Surcharges:  decimal.Zero,
		Discounts:   decimal.Zero,
	}
}

// RawCost sums the components, discounts subtracted, rounded to cents.
func RawCost(c models.CostComponents) decimal.Decimal {
	return c.BaseFare.Add(c.DistanceFee).Add(c.TimeFee).Add(c.Surcharges).Sub(c.Discounts).Round(2)
}

// FinalCost applies adjustments and never goes below zero.
func FinalCost(raw, adjustments decimal.Decimal) decimal.Decimal {
	final := raw.Add(adjustments).Round(2)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}
