// Package eventsink implements the EventSink collaborator (§6): a
// fire-and-forget persistence boundary the core calls after every
// request-lifecycle event. No EventSink failure may fail a request —
// every implementation here logs and swallows its own errors.
package eventsink

import (
	"context"

	"github.com/council-proxy/core/internal/models"
)

// Sink is the EventSink contract the orchestrator depends on. Every
// method MUST be safe to call concurrently and MUST NOT block the
// caller on a slow downstream — implementations own their own
// backpressure policy (buffering, dropping, or synchronous writes for
// small-volume backends like Postgres).
type Sink interface {
	LogRequest(ctx context.Context, req models.UserRequest)
	LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse)
	LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound)
	LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision)
	LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage)
	LogProviderFailure(ctx context.Context, providerID string, failure error)
	LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse)
	LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse)
	LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata)
}
