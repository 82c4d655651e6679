package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500, p.InitialDelayMs)
	assert.Equal(t, 8000, p.MaxDelayMs)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.True(t, p.IsRetryable(ErrTimeout))
	assert.True(t, p.IsRetryable(ErrRateLimit))
	assert.False(t, p.IsRetryable(ErrInvalidRequest))
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid", DefaultRetryPolicy(), false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0, MaxDelayMs: 1, BackoffMultiplier: 1}, true},
		{"max delay below initial", RetryPolicy{MaxAttempts: 1, InitialDelayMs: 100, MaxDelayMs: 50, BackoffMultiplier: 1}, true},
		{"multiplier below one", RetryPolicy{MaxAttempts: 1, MaxDelayMs: 1, BackoffMultiplier: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCouncilMemberValidate(t *testing.T) {
	m := CouncilMember{ID: "gpt", Provider: "openai", Model: "gpt-5", TimeoutSec: 30, RetryPolicy: DefaultRetryPolicy()}
	assert.NoError(t, m.Validate())

	m.ID = ""
	assert.Error(t, m.Validate())

	m.ID = "gpt"
	m.TimeoutSec = 0
	assert.Error(t, m.Validate())

	m.TimeoutSec = 30
	badWeight := 1.5
	m.Weight = &badWeight
	assert.Error(t, m.Validate())
}

func TestCouncilMemberTimeout(t *testing.T) {
	m := CouncilMember{TimeoutSec: 2.5}
	assert.Equal(t, 2500*time.Millisecond, m.Timeout())
}

func TestDiscretizeConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, DiscretizeConfidence(0.8))
	assert.Equal(t, ConfidenceHigh, DiscretizeConfidence(0.95))
	assert.Equal(t, ConfidenceMedium, DiscretizeConfidence(0.5))
	assert.Equal(t, ConfidenceMedium, DiscretizeConfidence(0.79))
	assert.Equal(t, ConfidenceLow, DiscretizeConfidence(0.49))
}

func TestRequestMetricsRecordAndTotal(t *testing.T) {
	m := NewRequestMetrics()
	m.Record("a", TokenUsage{Prompt: 10, Completion: 5, Total: 15}, 100*time.Millisecond, 0.002)
	m.Record("a", TokenUsage{Prompt: 3, Completion: 2, Total: 5}, 50*time.Millisecond, 0.002)
	m.Record("b", TokenUsage{Prompt: 1, Completion: 1, Total: 2}, 10*time.Millisecond, 0.002)

	assert.Equal(t, 22, m.TotalTokens())
	assert.Equal(t, 13, m.MemberTokens["a"].PromptTokens)
	assert.Equal(t, 7, m.MemberTokens["a"].CompletionTokens)
	assert.Equal(t, 150*time.Millisecond, m.MemberTokens["a"].Latency)
}

func TestCouncilErrorUnwrap(t *testing.T) {
	cause := assert.AnError
	err := NewError(ErrTimeout, "provider timed out", cause)

	assert.Equal(t, ErrTimeout, err.Kind)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "provider timed out")
}
