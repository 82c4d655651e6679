package providers

import (
	"context"
	"net/http"

	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// XAIAdapter speaks xAI's OpenAI-compatible Chat Completions wire format.
// Kept as a distinct type (rather than a thin alias of OpenAIAdapter) so
// the provider registry can attach xAI-specific defaults later without
// disturbing the openai tag.
type XAIAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewXAIAdapter(apiKey, baseURL string, client *http.Client) *XAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.x.ai/v1"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &XAIAdapter{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (a *XAIAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, contextText string) (*llm.ProviderResponse, error) {
	messages := []openAIChatMessage{}
	if contextText != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: contextText})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: prompt})

	reqBody := openAIChatRequest{Model: member.Model, Messages: messages}
	var respBody openAIChatResponse

	headers := map[string]string{"Authorization": "Bearer " + a.apiKey}
	latency, err := doJSON(ctx, a.client, a.baseURL+"/chat/completions", headers, reqBody, &respBody)
	if err != nil {
		return nil, err
	}
	if len(respBody.Choices) == 0 {
		return nil, models.NewError(models.ErrUnknown, "xai response contained no choices", nil)
	}

	return &llm.ProviderResponse{
		Content: respBody.Choices[0].Message.Content,
		TokenUsage: models.TokenUsage{
			Prompt:     respBody.Usage.PromptTokens,
			Completion: respBody.Usage.CompletionTokens,
			Total:      respBody.Usage.TotalTokens,
		},
		Latency: latency,
	}, nil
}

func (a *XAIAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	return probeGet(ctx, a.client, a.baseURL+"/models", map[string]string{"Authorization": "Bearer " + a.apiKey})
}
