package eventsink

import (
	"context"

	"github.com/council-proxy/core/internal/models"
)

// MultiSink fans every call out to all of its backends concurrently. A
// slow or failing backend never blocks or fails the others — each Sink
// implementation already swallows its own errors.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink wires together zero or more backends; a zero-backend
// MultiSink is a valid no-op sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) fanOut(fn func(Sink)) {
	for _, s := range m.sinks {
		go fn(s)
	}
}

func (m *MultiSink) LogRequest(ctx context.Context, req models.UserRequest) {
	m.fanOut(func(s Sink) { s.LogRequest(ctx, req) })
}

func (m *MultiSink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
	m.fanOut(func(s Sink) { s.LogCouncilResponse(ctx, requestID, resp) })
}

func (m *MultiSink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
	m.fanOut(func(s Sink) { s.LogDeliberationRound(ctx, requestID, round) })
}

func (m *MultiSink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
	m.fanOut(func(s Sink) { s.LogConsensusDecision(ctx, requestID, decision) })
}

func (m *MultiSink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
	m.fanOut(func(s Sink) { s.LogCost(ctx, requestID, breakdown, tokensByMember) })
}

func (m *MultiSink) LogProviderFailure(ctx context.Context, providerID string, failure error) {
	m.fanOut(func(s Sink) { s.LogProviderFailure(ctx, providerID, failure) })
}

func (m *MultiSink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	m.fanOut(func(s Sink) { s.LogNegotiationRound(ctx, requestID, roundNumber, responses) })
}

func (m *MultiSink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	m.fanOut(func(s Sink) { s.LogNegotiationResponse(ctx, requestID, resp) })
}

func (m *MultiSink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
	m.fanOut(func(s Sink) { s.LogConsensusMetadata(ctx, requestID, meta) })
}
