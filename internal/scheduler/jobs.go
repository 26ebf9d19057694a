package scheduler

import (
	"context"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/dunning"
	"github.com/AnuragDani/ride-billing-engine/internal/invoice"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/payment"
	"github.com/AnuragDani/ride-billing-engine/internal/webhook"
)

// Job names
const (
	JobBillingCycle  = "billing-cycle"
	JobPaymentRetry  = "payment-retry"
	JobStaleAttempts = "stale-attempts"
	JobDunning       = "dunning"
	JobWebhookRetry  = "webhook-retry"
)

// Schedules holds the cron spec of each job
type Schedules struct {
	BillingCycle  string
	PaymentRetry  string
	StaleAttempts string
	Dunning       string
	WebhookRetry  string
}

// Engines are the batch operations the jobs drive
type Engines struct {
	Invoices  *invoice.Engine
	Retries   *payment.RetryScheduler
	Dunning   *dunning.Engine
	Forwarder *webhook.Forwarder
	// Now picks the billing period; the cycle bills the month before it
	Now func() time.Time
}

// BillingJobs builds the standard job set. Nil engines are left out.
func BillingJobs(s Schedules, e Engines) []Job {
	now := e.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	var jobs []Job
	if e.Invoices != nil {
		jobs = append(jobs, Job{
			Name:     JobBillingCycle,
			Schedule: s.BillingCycle,
			Timeout:  2 * time.Hour,
			Run: func(ctx context.Context) (interface{}, error) {
				return e.Invoices.RunBillingCycle(ctx, models.PreviousBillingPeriod(now()), false)
			},
		})
	}
	if e.Retries != nil {
		jobs = append(jobs,
			Job{
				Name:     JobPaymentRetry,
				Schedule: s.PaymentRetry,
				Timeout:  30 * time.Minute,
				Run: func(ctx context.Context) (interface{}, error) {
					return e.Retries.ProcessPaymentRetries(ctx)
				},
			},
			Job{
				Name:     JobStaleAttempts,
				Schedule: s.StaleAttempts,
				Timeout:  30 * time.Minute,
				Run: func(ctx context.Context) (interface{}, error) {
					return e.Retries.ResumeStaleAttempts(ctx)
				},
			},
		)
	}
	if e.Dunning != nil {
		jobs = append(jobs, Job{
			Name:     JobDunning,
			Schedule: s.Dunning,
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) (interface{}, error) {
				return e.Dunning.ProcessDunningNotices(ctx)
			},
		})
	}
	if e.Forwarder != nil {
		jobs = append(jobs, Job{
			Name:     JobWebhookRetry,
			Schedule: s.WebhookRetry,
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) (interface{}, error) {
				return e.Forwarder.ProcessPendingRetries(ctx)
			},
		})
	}
	return jobs
}
