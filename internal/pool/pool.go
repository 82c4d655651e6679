// Package pool implements the Provider Pool (C3): the single entry point
// every other component uses to talk to an LLM provider. It resolves the
// right adapter, enforces per-attempt timeout and retry with backoff, and
// keeps the Health Tracker updated exactly once per logical call.
package pool

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/council-proxy/core/internal/health"
	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
)

// Pool is the C3 singleton. One Pool is shared across every request.
type Pool struct {
	registry *llm.Registry
	tracker  *health.Tracker
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Pool bound to registry and tracker.
func New(registry *llm.Registry, tracker *health.Tracker) *Pool {
	return &Pool{registry: registry, tracker: tracker, sleep: ctxSleep}
}

// ctxSleep sleeps for d or returns ctx.Err() if ctx is done first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest implements the §4.3 algorithm exactly: resolve, check
// health, retry with per-attempt timeout and backoff, record exactly one
// outcome in the Health Tracker.
func (p *Pool) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*llm.ProviderResponse, error) {
	adapter, ok := p.registry.Resolve(member.Provider)
	if !ok {
		return nil, models.NewError(models.ErrInvalidRequest, "provider not configured: "+member.Provider, nil)
	}

	if disabled, reason := p.tracker.IsDisabled(member.Provider); disabled {
		return nil, models.NewError(models.ErrProviderDisabled, "provider "+member.Provider+" is disabled: "+reason, nil)
	}

	policy := member.RetryPolicy
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		resp, err := p.attempt(ctx, adapter, member, prompt, promptContext)
		if err == nil {
			p.tracker.RecordSuccess(member.Provider, resp.Latency)
			return resp, nil
		}
		lastErr = err

		var cerr *models.CouncilError
		if !errors.As(err, &cerr) || !policy.IsRetryable(cerr.Kind) {
			break
		}
		if attempt < policy.MaxAttempts-1 {
			delay := backoffDelay(policy, attempt)
			if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
				lastErr = models.NewError(models.ErrGlobalDeadline, "context cancelled during retry backoff", sleepErr)
				break
			}
		}
	}

	p.tracker.RecordFailure(member.Provider, time.Since(start))
	return nil, lastErr
}

// attempt runs a single adapter call bound by member.Timeout(), cancelling
// the in-flight call and discarding its result if the timer wins.
func (p *Pool) attempt(ctx context.Context, adapter llm.Adapter, member models.CouncilMember, prompt, promptContext string) (*llm.ProviderResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, member.Timeout())
	defer cancel()

	type result struct {
		resp *llm.ProviderResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := adapter.SendRequest(attemptCtx, member, prompt, promptContext)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-attemptCtx.Done():
		return nil, models.NewError(models.ErrTimeout, "provider call exceeded per-attempt timeout", attemptCtx.Err())
	}
}

// backoffDelay implements min(initialDelayMs * multiplier^attempt, maxDelayMs).
func backoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	delay := float64(policy.InitialDelayMs) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if delay > float64(policy.MaxDelayMs) {
		delay = float64(policy.MaxDelayMs)
	}
	return time.Duration(delay) * time.Millisecond
}
