// Package llm defines the provider adapter capability set (C1) and the
// registry that maps a provider tag to its adapter instance. Adapters are
// stateless after construction and safe to share read-only across the
// provider pool and the health tracker.
package llm

import (
	"context"
	"time"

	"github.com/council-proxy/core/internal/models"
)

// ProviderResponse is one adapter's answer to a single prompt.
type ProviderResponse struct {
	Content    string
	TokenUsage models.TokenUsage
	Latency    time.Duration
}

// HealthProbe is the result of an adapter's cheap health check.
type HealthProbe struct {
	Available bool
	LatencyMs int64
}

// Adapter formats one provider's wire protocol and surfaces uniform
// errors. Adapters MUST NOT retry internally — retry is the provider
// pool's responsibility so the health tracker sees one logical call per
// attempt.
type Adapter interface {
	// SendRequest POSTs prompt (plus optional context) to the provider and
	// returns a normalized response, or a *models.CouncilError with a
	// classified Kind on failure.
	SendRequest(ctx context.Context, member models.CouncilMember, prompt, context string) (*ProviderResponse, error)

	// Health performs a minimal completion or models-list probe.
	Health(ctx context.Context) (*HealthProbe, error)
}

// Registry maps a provider tag (openai, anthropic, google, xai, ...) to
// its adapter instance. It is built once at startup and read concurrently
// thereafter — no lock is needed because it is never mutated after New.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from a provider-tag -> adapter map.
func NewRegistry(adapters map[string]Adapter) *Registry {
	cp := make(map[string]Adapter, len(adapters))
	for k, v := range adapters {
		cp[k] = v
	}
	return &Registry{adapters: cp}
}

// Resolve returns the adapter registered for tag, or false if none is configured.
func (r *Registry) Resolve(tag string) (Adapter, bool) {
	a, ok := r.adapters[tag]
	return a, ok
}
