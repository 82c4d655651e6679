package eventsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-proxy/core/internal/models"
)

func TestMarshalEnvelope_RoundTrips(t *testing.T) {
	body, err := marshalEnvelope(eventRequest, "req-1", map[string]string{"k": "v"}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"type":"council.request"`)
	assert.Contains(t, string(body), `"request_id":"req-1"`)
}

// recordingSink counts how many times each method fires, used to verify
// MultiSink's fan-out without needing a real broker.
type recordingSink struct {
	mu    sync.Mutex
	calls map[string]int
	done  chan struct{}
}

func newRecordingSink(expected int) *recordingSink {
	return &recordingSink{calls: make(map[string]int), done: make(chan struct{}, expected)}
}

func (r *recordingSink) record(name string) {
	r.mu.Lock()
	r.calls[name]++
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingSink) LogRequest(ctx context.Context, req models.UserRequest) { r.record("LogRequest") }
func (r *recordingSink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
	r.record("LogCouncilResponse")
}
func (r *recordingSink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
	r.record("LogDeliberationRound")
}
func (r *recordingSink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
	r.record("LogConsensusDecision")
}
func (r *recordingSink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
	r.record("LogCost")
}
func (r *recordingSink) LogProviderFailure(ctx context.Context, providerID string, failure error) {
	r.record("LogProviderFailure")
}
func (r *recordingSink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	r.record("LogNegotiationRound")
}
func (r *recordingSink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	r.record("LogNegotiationResponse")
}
func (r *recordingSink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
	r.record("LogConsensusMetadata")
}

func TestMultiSink_FansOutToAllBackends(t *testing.T) {
	a := newRecordingSink(1)
	b := newRecordingSink(1)
	multi := NewMultiSink(a, b)

	multi.LogRequest(context.Background(), models.UserRequest{ID: "req-1"})

	<-a.done
	<-b.done
	assert.Equal(t, 1, a.calls["LogRequest"])
	assert.Equal(t, 1, b.calls["LogRequest"])
}

func TestMultiSink_NoBackendsIsNoOp(t *testing.T) {
	multi := NewMultiSink()
	assert.NotPanics(t, func() {
		multi.LogProviderFailure(context.Background(), "openai", assert.AnError)
	})
}

func TestLogSink_DoesNotPanicOnAnyMethod(t *testing.T) {
	sink := NewLogSink(logrus.New())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		sink.LogRequest(ctx, models.UserRequest{ID: "req-1"})
		sink.LogCouncilResponse(ctx, "req-1", models.InitialResponse{CouncilMemberID: "m1"})
		sink.LogDeliberationRound(ctx, "req-1", models.DeliberationRound{RoundNumber: 1})
		sink.LogConsensusDecision(ctx, "req-1", models.ConsensusDecision{})
		sink.LogCost(ctx, "req-1", models.CostBreakdown{}, nil)
		sink.LogProviderFailure(ctx, "openai", assert.AnError)
		sink.LogNegotiationRound(ctx, "req-1", 1, nil)
		sink.LogNegotiationResponse(ctx, "req-1", models.NegotiationResponse{})
		sink.LogConsensusMetadata(ctx, "req-1", models.IterativeConsensusMetadata{})
	})
}

func TestNullableRequestID(t *testing.T) {
	assert.Nil(t, nullableRequestID(""))
	assert.Equal(t, "req-1", nullableRequestID("req-1"))
}
