package providers

import (
	"context"
	"net/http"

	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// AnthropicAdapter speaks the Messages API wire format.
type AnthropicAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewAnthropicAdapter(apiKey, baseURL string, client *http.Client) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &AnthropicAdapter{client: client, baseURL: baseURL, apiKey: apiKey}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, contextText string) (*llm.ProviderResponse, error) {
	reqBody := anthropicRequest{
		Model:     member.Model,
		System:    contextText,
		MaxTokens: 4096,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	var respBody anthropicResponse

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
	latency, err := doJSON(ctx, a.client, a.baseURL+"/messages", headers, reqBody, &respBody)
	if err != nil {
		return nil, err
	}
	if len(respBody.Content) == 0 {
		return nil, models.NewError(models.ErrUnknown, "anthropic response contained no content blocks", nil)
	}

	return &llm.ProviderResponse{
		Content: respBody.Content[0].Text,
		TokenUsage: models.TokenUsage{
			Prompt:     respBody.Usage.InputTokens,
			Completion: respBody.Usage.OutputTokens,
			Total:      respBody.Usage.InputTokens + respBody.Usage.OutputTokens,
		},
		Latency: latency,
	}, nil
}

func (a *AnthropicAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	// Anthropic has no public models-list endpoint; a minimal completion
	// with MaxTokens=1 is the cheapest available probe.
	reqBody := anthropicRequest{
		Model:     "claude-3-haiku-20240307",
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
	var respBody anthropicResponse
	latency, err := doJSON(ctx, a.client, a.baseURL+"/messages", headers, reqBody, &respBody)
	if err != nil {
		return &llm.HealthProbe{Available: false}, nil
	}
	return &llm.HealthProbe{Available: true, LatencyMs: latency.Milliseconds()}, nil
}
