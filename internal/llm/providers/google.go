package providers

import (
	"context"
	"net/http"

	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// GoogleAdapter speaks the Gemini generateContent wire format.
type GoogleAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewGoogleAdapter(apiKey, baseURL string, client *http.Client) *GoogleAdapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GoogleAdapter{client: client, baseURL: baseURL, apiKey: apiKey}
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerateRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
}

type googleGenerateResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *GoogleAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, contextText string) (*llm.ProviderResponse, error) {
	reqBody := googleGenerateRequest{
		Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: prompt}}}},
	}
	if contextText != "" {
		reqBody.SystemInstruction = &googleContent{Parts: []googlePart{{Text: contextText}}}
	}
	var respBody googleGenerateResponse

	url := a.baseURL + "/models/" + member.Model + ":generateContent?key=" + a.apiKey
	latency, err := doJSON(ctx, a.client, url, nil, reqBody, &respBody)
	if err != nil {
		return nil, err
	}
	if len(respBody.Candidates) == 0 || len(respBody.Candidates[0].Content.Parts) == 0 {
		return nil, models.NewError(models.ErrUnknown, "google response contained no candidates", nil)
	}

	return &llm.ProviderResponse{
		Content: respBody.Candidates[0].Content.Parts[0].Text,
		TokenUsage: models.TokenUsage{
			Prompt:     respBody.UsageMetadata.PromptTokenCount,
			Completion: respBody.UsageMetadata.CandidatesTokenCount,
			Total:      respBody.UsageMetadata.TotalTokenCount,
		},
		Latency: latency,
	}, nil
}

func (a *GoogleAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	return probeGet(ctx, a.client, a.baseURL+"/models?key="+a.apiKey, nil)
}
