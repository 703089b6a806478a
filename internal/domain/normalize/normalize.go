// Package normalize defines the provider-agnostic contract each billing
// provider's normalizer implements (spec §4.3), and a registry the ingestion
// pipeline uses to dispatch by BillingSource.
package normalize

import "github.com/revback/core/internal/model"

// Normalizer turns a provider's native webhook payload into the
// provider-independent NormalizedEvent representation.
type Normalizer interface {
	Source() model.BillingSource

	// VerifySignature authenticates raw against the configured secret/key
	// material. HMAC-based providers MUST compare in constant time; JWT/JWS
	// providers verify the full certificate/key chain and audience.
	VerifySignature(raw []byte, creds model.ProviderCredentials, headers map[string]string) bool

	// Normalize maps a verified payload to zero or more canonical events.
	// An empty, nil-error result means "nothing to do" (e.g. an event type
	// this platform doesn't track) and must never fail the webhook.
	Normalize(orgID string, raw []byte) ([]model.NormalizedEvent, error)

	// ExtractIdentityHints pulls every identity-resolvable hint out of raw,
	// independent of how many NormalizedEvents it produces.
	ExtractIdentityHints(raw []byte) []model.IdentityHint
}

// Registry maps a BillingSource to its Normalizer.
type Registry struct {
	byProvider map[model.BillingSource]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{byProvider: make(map[model.BillingSource]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.byProvider[n.Source()] = n
	}
	return r
}

func (r *Registry) Get(source model.BillingSource) (Normalizer, bool) {
	n, ok := r.byProvider[source]
	return n, ok
}
