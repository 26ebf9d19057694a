package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

// Signer names accepted in billing.yaml
const (
	SignerHMACSHA256Timestamped = "hmac-sha256-timestamped"
	SignerHMACSHA256            = "hmac-sha256"
	SignerHMACSHA1Base64        = "hmac-sha1-base64"
)

// Signer computes a provider's signature over a delivery
type Signer struct {
	Name string
	// NeedsTimestamp is set when the timestamp is part of the signed content
	NeedsTimestamp bool
	newHash        func() hash.Hash
	encode         func([]byte) string
	canonical      func(payload []byte, timestamp string) []byte
}

// Sign returns the encoded signature of payload
func (s Signer) Sign(secret string, payload []byte, timestamp string) string {
	mac := hmac.New(s.newHash, []byte(secret))
	mac.Write(s.canonical(payload, timestamp))
	return s.encode(mac.Sum(nil))
}

// Verify compares the expected signature with each candidate in constant time
func (s Signer) Verify(secret string, payload []byte, timestamp string, candidates []string) bool {
	expected := []byte(s.Sign(secret, payload, timestamp))
	ok := false
	for _, c := range candidates {
		if hmac.Equal(expected, []byte(strings.TrimSpace(c))) {
			ok = true
		}
	}
	return ok
}

func rawPayload(payload []byte, _ string) []byte { return payload }

func timestamped(payload []byte, timestamp string) []byte {
	out := make([]byte, 0, len(timestamp)+1+len(payload))
	out = append(out, timestamp...)
	out = append(out, '.')
	return append(out, payload...)
}

var signers = map[string]Signer{
	SignerHMACSHA256Timestamped: {
		Name:           SignerHMACSHA256Timestamped,
		NeedsTimestamp: true,
		newHash:        sha256.New,
		encode:         hex.EncodeToString,
		canonical:      timestamped,
	},
	SignerHMACSHA256: {
		Name:      SignerHMACSHA256,
		newHash:   sha256.New,
		encode:    hex.EncodeToString,
		canonical: rawPayload,
	},
	SignerHMACSHA1Base64: {
		Name:      SignerHMACSHA1Base64,
		newHash:   sha1.New,
		encode:    base64.StdEncoding.EncodeToString,
		canonical: rawPayload,
	},
}

// LookupSigner finds a signer by name
func LookupSigner(name string) (Signer, bool) {
	s, ok := signers[name]
	return s, ok
}

// SignerNames lists the registered signers
func SignerNames() []string {
	names := make([]string, 0, len(signers))
	for name := range signers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseSignatureHeader unpacks "t=1700000000,v1=abc,v1=def" headers. Plain values come
// back as the only candidate with no timestamp.
func parseSignatureHeader(value string) (timestamp string, candidates []string) {
	value = strings.TrimSpace(value)
	structured := strings.HasPrefix(value, "t=") || strings.HasPrefix(value, "v1=") || strings.Contains(value, ",v1=")
	if !structured {
		return "", []string{value}
	}
	for _, part := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 && timestamp == "" {
		return "", []string{value}
	}
	return timestamp, candidates
}
