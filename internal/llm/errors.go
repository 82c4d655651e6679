package llm

import (
	"net/http"
	"strings"

	"github.com/council-proxy/core/internal/models"
)

// ClassifyHTTPStatus implements the §4.1 error-normalization table for a
// completed HTTP response. Adapters call this after a non-2xx response.
func ClassifyHTTPStatus(statusCode int, body string) *models.CouncilError {
	msg := "provider returned HTTP " + http.StatusText(statusCode)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return models.NewError(models.ErrRateLimit, msg, nil)
	case statusCode == http.StatusServiceUnavailable:
		return models.NewError(models.ErrServiceUnavailable, msg, nil)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return models.NewError(models.ErrAuthentication, msg, nil)
	case statusCode >= 400 && statusCode < 500:
		return models.NewError(models.ErrInvalidRequest, msg, nil)
	case containsTimeoutText(body):
		return models.NewError(models.ErrTimeout, msg, nil)
	default:
		return models.NewError(models.ErrUnknown, msg, nil)
	}
}

// ClassifyTransportError implements the §4.1 rule for failures that never
// produced an HTTP response (DNS, connection refused, context deadline).
func ClassifyTransportError(err error) *models.CouncilError {
	if err == nil {
		return nil
	}
	if containsTimeoutText(err.Error()) {
		return models.NewError(models.ErrTimeout, "provider call timed out", err)
	}
	return models.NewError(models.ErrNetwork, "network failure before response headers", err)
}

// containsTimeoutText implements the "textual timeout anywhere" rule: any
// failure whose message mentions "timeout" is classified TIMEOUT, taking
// priority the way §4.1 specifies it (checked last among the structured
// HTTP-status rules, first among the free-form ones).
func containsTimeoutText(s string) bool {
	return strings.Contains(strings.ToLower(s), "timeout") ||
		strings.Contains(strings.ToLower(s), "deadline exceeded")
}
