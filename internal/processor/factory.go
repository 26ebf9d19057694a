package processor

import (
	"fmt"
	"time"
)

// Config holds configuration for the payment provider
type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	SuccessRate float64
}

// Providers holds the live provider and the simulated one used for dry runs
type Providers struct {
	Live      Provider
	Simulated *SimulatedProvider
}

// FromConfig builds the providers. Without a base URL the live provider is the
// simulated one, which keeps a local stack usable with no gateway running.
func FromConfig(cfg Config) (*Providers, error) {
	if cfg.SuccessRate < 0 || cfg.SuccessRate > 1 {
		return nil, fmt.Errorf("provider success rate %.2f outside [0, 1]", cfg.SuccessRate)
	}
	sim := NewSimulatedProvider(cfg.SuccessRate)
	if cfg.BaseURL == "" {
		return &Providers{Live: sim, Simulated: sim}, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "gateway"
	}
	return &Providers{
		Live:      NewClient(name, cfg.BaseURL, cfg.APIKey, timeout),
		Simulated: sim,
	}, nil
}
