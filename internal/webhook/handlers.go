package webhook

import (
	"context"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/processor"
)

// OutcomeApplier settles a payment attempt from an asynchronous provider result
type OutcomeApplier interface {
	ApplyProviderOutcome(ctx context.Context, event *processor.ProviderEvent) (*models.PaymentAttempt, error)
}

// PaymentHandler decodes a provider payment event and applies it to its attempt.
// Storage hiccups ask for redelivery; anything else is final.
func PaymentHandler(provider processor.Provider, applier OutcomeApplier) Handler {
	return func(ctx context.Context, event *models.WebhookEvent) error {
		pe, err := provider.HandleWebhook(event.Payload, event.Signature)
		if err != nil {
			return err
		}
		if _, err := applier.ApplyProviderOutcome(ctx, pe); err != nil {
			if models.IsTransient(err) {
				return Retryable(err)
			}
			return err
		}
		return nil
	}
}

// RegisterPaymentHandlers routes the provider's payment outcome events to applier
func RegisterPaymentHandlers(g *Gateway, provider processor.Provider, applier OutcomeApplier) {
	h := PaymentHandler(provider, applier)
	g.Handle(processor.EventPaymentSucceeded, h)
	g.Handle(processor.EventPaymentFailed, h)
}
