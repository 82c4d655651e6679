// Package embedding implements the §6 Embedder collaborator: a pure
// embed(text) -> vector<float> contract consumed by the Similarity
// Service (C4). Grounded in the teacher's HTTP embedding-provider
// style (internal/embedding in the reference pack), adapted to the
// single-method Embedder interface the similarity package declares.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/council-proxy/core/internal/models"
)

// OpenAIEmbedder calls the OpenAI embeddings endpoint. modelID passed to
// Embed overrides the configured model when non-empty, so callers can
// route different presets to different embedding models without a
// second Embedder instance.
type OpenAIEmbedder struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewOpenAIEmbedder builds an embedder bound to apiKey; baseURL defaults
// to the public API.
func NewOpenAIEmbedder(apiKey, baseURL string, client *http.Client) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAIEmbedder{client: client, baseURL: baseURL, apiKey: apiKey}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed implements similarity.Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, modelID, text string) ([]float64, error) {
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	payload, err := json.Marshal(embeddingRequest{Model: modelID, Input: text})
	if err != nil {
		return nil, models.NewError(models.ErrInvalidRequest, "failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, models.NewError(models.ErrInvalidRequest, "failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrNetwork, "embedding request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, models.NewError(models.ErrServiceUnavailable, "embedding provider returned an error status", nil)
	}

	var out embeddingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, models.NewError(models.ErrUnknown, "failed to decode embedding response", err)
	}
	if len(out.Data) == 0 {
		return nil, models.NewError(models.ErrUnknown, "embedding response contained no vectors", nil)
	}
	return out.Data[0].Embedding, nil
}
