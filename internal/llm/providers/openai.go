package providers

import (
	"context"
	"net/http"

	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// OpenAIAdapter speaks the Chat Completions wire format.
type OpenAIAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewOpenAIAdapter builds an adapter bound to apiKey. baseURL defaults to
// the public API but may be overridden for Azure-style deployments.
func NewOpenAIAdapter(apiKey, baseURL string, client *http.Client) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIAdapter{client: client, baseURL: baseURL, apiKey: apiKey}
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, contextText string) (*llm.ProviderResponse, error) {
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
		return nil, models.NewError(models.ErrUnknown, "openai response contained no choices", nil)
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

func (a *OpenAIAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	return probeGet(ctx, a.client, a.baseURL+"/models", map[string]string{"Authorization": "Bearer " + a.apiKey})
}
