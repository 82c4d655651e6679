// Package providers implements one Adapter per LLM provider tag, plus a
// generic OpenAI-compatible adapter for self-hosted and aggregator
// endpoints (OpenRouter-style). Each adapter formats the provider's
// native wire payload, POSTs it, and normalizes the result — it never
// retries; that is the provider pool's job.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// doJSON issues a POST with a JSON body and decodes a JSON response,
// returning a classified *models.CouncilError on any failure. httpClient
// is shared and stateless, per §5's "adapter instances: safe to share
// read-only" rule.
func doJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out interface{}) (time.Duration, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, models.NewError(models.ErrInvalidRequest, "failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, models.NewError(models.ErrInvalidRequest, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, llm.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, llm.ClassifyHTTPStatus(resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return latency, models.NewError(models.ErrUnknown, "failed to decode provider response", err)
		}
	}
	return latency, nil
}

// probeGet performs a cheap GET-based health probe (e.g. a models-list
// endpoint) shared by every adapter's Health implementation.
func probeGet(ctx context.Context, client *http.Client, url string, headers map[string]string) (*llm.HealthProbe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, models.NewError(models.ErrInvalidRequest, "failed to build health probe request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthProbe{Available: false}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &llm.HealthProbe{
		Available: resp.StatusCode >= 200 && resp.StatusCode < 300,
		LatencyMs: latency.Milliseconds(),
	}, nil
}
