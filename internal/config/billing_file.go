package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// BillingFile is the on-disk layout of billing.yaml
type BillingFile struct {
	Version          string            `yaml:"version"`
	Pricing          PricingFile       `yaml:"pricing"`
	WebhookProviders []WebhookProvider `yaml:"webhook_providers"`
}

// PricingFile carries money as strings so no precision is lost through float parsing
type PricingFile struct {
	Currency         string `yaml:"currency"`
	BaseFarePerRide  string `yaml:"base_fare_per_ride"`
	DistanceFeePerKm string `yaml:"distance_fee_per_km"`
	TimeFeePerMinute string `yaml:"time_fee_per_minute"`
}

// WebhookProvider describes how to verify and route one provider's webhooks
type WebhookProvider struct {
	Name            string   `yaml:"name"`
	Secret          string   `yaml:"secret,omitempty"`
	SecretEnv       string   `yaml:"secret_env,omitempty"`
	Signer          string   `yaml:"signer"`
	SignatureHeader string   `yaml:"signature_header"`
	TimestampHeader string   `yaml:"timestamp_header,omitempty"`
	EventIDField    string   `yaml:"event_id_field,omitempty"`
	EventTypeField  string   `yaml:"event_type_field,omitempty"`
	ForwardURLs     []string `yaml:"forward_urls,omitempty"`
}

// ResolveSecret returns the inline secret or the value of SecretEnv
func (p WebhookProvider) ResolveSecret() string {
	if p.SecretEnv != "" {
		if v := os.Getenv(p.SecretEnv); v != "" {
			return v
		}
	}
	return p.Secret
}

// LoadBillingFile reads pricing and webhook provider settings from a YAML file
func LoadBillingFile(path string) (*BillingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read billing config: %w", err)
	}
	return ParseBillingFile(data)
}

// ParseBillingFile decodes and validates billing.yaml content
func ParseBillingFile(data []byte) (*BillingFile, error) {
	var file BillingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse billing config: %w", err)
	}

	seen := make(map[string]bool, len(file.WebhookProviders))
	for i, p := range file.WebhookProviders {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("webhook provider #%d has no name", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("webhook provider %q configured twice", name)
		}
		seen[name] = true
		if p.SignatureHeader == "" {
			return nil, fmt.Errorf("webhook provider %q has no signature_header", name)
		}
	}

	if _, err := file.Pricing.Parse(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Parse converts the YAML pricing into money values
func (p PricingFile) Parse() (models.Pricing, error) {
	pricing := models.Pricing{Currency: p.Currency}
	if pricing.Currency == "" {
		pricing.Currency = "INR"
	}

	fields := []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"base_fare_per_ride", p.BaseFarePerRide, &pricing.BaseFarePerRide},
		{"distance_fee_per_km", p.DistanceFeePerKm, &pricing.DistanceFeePerKm},
		{"time_fee_per_minute", p.TimeFeePerMinute, &pricing.TimeFeePerMinute},
	}
	for _, f := range fields {
		if f.raw == "" {
			return pricing, fmt.Errorf("pricing.%s is required", f.name)
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return pricing, fmt.Errorf("pricing.%s: %w", f.name, err)
		}
		if d.IsNegative() {
			return pricing, fmt.Errorf("pricing.%s must not be negative", f.name)
		}
		*f.value = d
	}
	return pricing, nil
}
