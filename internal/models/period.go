package models

import (
	"fmt"
	"time"
)

// BillingPeriod is a calendar month in UTC
type BillingPeriod struct {
	Year  int
	Month time.Month
}

// NewBillingPeriod validates year and month
func NewBillingPeriod(year, month int) (BillingPeriod, error) {
	if month < 1 || month > 12 {
		return BillingPeriod{}, &ValidationError{Field: "month", Message: fmt.Sprintf("%d is not a month", month)}
	}
	if year < 2000 || year > 9999 {
		return BillingPeriod{}, &ValidationError{Field: "year", Message: fmt.Sprintf("%d is out of range", year)}
	}
	return BillingPeriod{Year: year, Month: time.Month(month)}, nil
}

// ParseBillingPeriod reads the YYYY-MM form
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return BillingPeriod{}, &ValidationError{Field: "period", Message: fmt.Sprintf("%q is not YYYY-MM", s)}
	}
	return NewBillingPeriod(t.Year(), int(t.Month()))
}

// PreviousBillingPeriod returns the month before the one containing t
func PreviousBillingPeriod(t time.Time) BillingPeriod {
	prev := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return BillingPeriod{Year: prev.Year(), Month: prev.Month()}
}

// Start is the first instant of the month
func (p BillingPeriod) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the next month, exclusive
func (p BillingPeriod) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p BillingPeriod) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
