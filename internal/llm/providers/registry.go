package providers

import (
	"net/http"
	"time"

	"github.com/council-proxy/core/internal/llm"
)

// ProviderCredentials is the per-tag connection detail the registry needs
// to build an adapter: the API key and an optional base URL override.
type ProviderCredentials struct {
	APIKey  string
	BaseURL string
}

// BuildRegistry constructs one adapter per entry in creds and wires them
// into an llm.Registry, sharing a single HTTP client across adapters
// per §5's "adapter instances are safe to share read-only" rule.
func BuildRegistry(creds map[string]ProviderCredentials) *llm.Registry {
	client := &http.Client{Timeout: 2 * time.Minute}

	adapters := make(map[string]llm.Adapter, len(creds))
	for tag, c := range creds {
		switch tag {
		case "openai":
			adapters[tag] = NewOpenAIAdapter(c.APIKey, c.BaseURL, client)
		case "anthropic":
			adapters[tag] = NewAnthropicAdapter(c.APIKey, c.BaseURL, client)
		case "google":
			adapters[tag] = NewGoogleAdapter(c.APIKey, c.BaseURL, client)
		case "xai":
			adapters[tag] = NewXAIAdapter(c.APIKey, c.BaseURL, client)
		default:
			adapters[tag] = NewGenericAdapter(c.APIKey, c.BaseURL, client)
		}
	}
	return llm.NewRegistry(adapters)
}
