package webhook

import (
	"fmt"

	"github.com/AnuragDani/ride-billing-engine/internal/config"
)

// Provider is the verification and routing setup of one webhook source
type Provider struct {
	Name            string
	Secret          string
	Signer          Signer
	SignatureHeader string
	TimestampHeader string
	EventIDField    string
	EventTypeField  string
	ForwardURLs     []string
}

// ProvidersFromConfig resolves secrets and signers from billing.yaml entries
func ProvidersFromConfig(entries []config.WebhookProvider) ([]Provider, error) {
	out := make([]Provider, 0, len(entries))
	for _, e := range entries {
		signer, ok := LookupSigner(e.Signer)
		if !ok {
			return nil, fmt.Errorf("webhook provider %q: unknown signer %q (have %v)", e.Name, e.Signer, SignerNames())
		}
		p := Provider{
			Name:            e.Name,
			Secret:          e.ResolveSecret(),
			Signer:          signer,
			SignatureHeader: e.SignatureHeader,
			TimestampHeader: e.TimestampHeader,
			EventIDField:    e.EventIDField,
			EventTypeField:  e.EventTypeField,
			ForwardURLs:     e.ForwardURLs,
		}
		if p.EventIDField == "" {
			p.EventIDField = "id"
		}
		if p.EventTypeField == "" {
			p.EventTypeField = "type"
		}
		out = append(out, p)
	}
	return out, nil
}
