package providers

import (
	"context"
	"net/http"

	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// GenericAdapter targets any OpenAI-compatible endpoint that isn't one of
// the named providers: self-hosted inference servers, OpenRouter-style
// aggregators, or in-house gateways. BaseURL is mandatory since there is
// no sensible default host.
type GenericAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewGenericAdapter(apiKey, baseURL string, client *http.Client) *GenericAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &GenericAdapter{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (a *GenericAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, contextText string) (*llm.ProviderResponse, error) {
	messages := []openAIChatMessage{}
	if contextText != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: contextText})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: prompt})

	reqBody := openAIChatRequest{Model: member.Model, Messages: messages}
	var respBody openAIChatResponse

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	latency, err := doJSON(ctx, a.client, a.baseURL+"/chat/completions", headers, reqBody, &respBody)
	if err != nil {
		return nil, err
	}
	if len(respBody.Choices) == 0 {
		return nil, models.NewError(models.ErrUnknown, "generic provider response contained no choices", nil)
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

func (a *GenericAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	return probeGet(ctx, a.client, a.baseURL+"/models", headers)
}
