// Package payment charges invoices through the provider and retries failed charges.
package payment

import (
	"math"
	"time"
)

// RetryPolicy defines the backoff between failed charges of one invoice
type RetryPolicy struct {
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultRetryPolicy returns the default retry policy:
// 3 attempts in total, retried after 1 hour and then 2 hours, capped at 24 hours.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   60 * time.Minute,
		Multiplier:  2,
		MaxDelay:    1440 * time.Minute,
		MaxAttempts: 3,
	}
}

// Delay is the wait before the attempt with the given retry count (1 for the first retry)
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryCount-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// CanRetry reports whether an attempt with this retry count may get a successor
func (p RetryPolicy) CanRetry(retryCount int) bool {
	return retryCount+1 < p.MaxAttempts
}

// NextRetryAt calculates when the successor of an attempt becomes due
func (p RetryPolicy) NextRetryAt(retryCount int, from time.Time) time.Time {
	return from.Add(p.Delay(retryCount + 1))
}
