package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// SimulatedProvider succeeds with a fixed probability. It backs dry runs and local
// development, and replays the first result for a repeated idempotency key like a
// real provider would.
type SimulatedProvider struct {
	mu          sync.Mutex
	successRate float64
	rng         *rand.Rand
	results     map[string]ChargeResult
	charges     int
}

var _ Provider = (*SimulatedProvider)(nil)

// NewSimulatedProvider creates a provider that approves successRate of charges
func NewSimulatedProvider(successRate float64) *SimulatedProvider {
	return NewSimulatedProviderWithSource(successRate, rand.NewSource(time.Now().UnixNano()))
}

// NewSimulatedProviderWithSource uses a caller-supplied random source
func NewSimulatedProviderWithSource(successRate float64, src rand.Source) *SimulatedProvider {
	return &SimulatedProvider{
		successRate: successRate,
		rng:         rand.New(src),
		results:     make(map[string]ChargeResult),
	}
}

// ChargeCustomer approves or declines at random
func (p *SimulatedProvider) ChargeCustomer(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.ProviderError{Code: "TIMEOUT", Message: err.Error(), Retryable: true}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result, seen := p.results[req.IdempotencyKey]
	if !seen {
		p.charges++
		if p.rng.Float64() < p.successRate {
			result = ChargeResult{Success: true, TransactionID: "sim_txn_" + uuid.New().String()[:12]}
		} else {
			result = ChargeResult{ErrorCode: "CARD_DECLINED", ErrorMessage: "simulated decline"}
		}
		p.results[req.IdempotencyKey] = result
	} else {
		result.Replayed = true
	}

	if !result.Success {
		return &result, &models.ProviderError{Code: result.ErrorCode, Message: result.ErrorMessage, Retryable: true}
	}
	return &result, nil
}

// CreateCustomer returns a deterministic customer id
func (p *SimulatedProvider) CreateCustomer(_ context.Context, profile *CustomerProfile) (string, error) {
	return fmt.Sprintf("sim_cus_%s", profile.UserID), nil
}

// HandleWebhook decodes a flat ProviderEvent
func (p *SimulatedProvider) HandleWebhook(payload []byte, _ string) (*ProviderEvent, error) {
	var event ProviderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &models.ValidationError{Field: "payload", Message: err.Error()}
	}
	if event.IdempotencyKey == "" {
		return nil, &models.ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	return &event, nil
}

// Charges counts distinct charges, replays excluded
func (p *SimulatedProvider) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}
