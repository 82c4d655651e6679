package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-proxy/core/internal/config"
	"github.com/council-proxy/core/internal/health"
	"github.com/council-proxy/core/internal/llm"
	"github.com/council-proxy/core/internal/models"
	"github.com/council-proxy/core/internal/pool"
	"github.com/council-proxy/core/internal/similarity"
)

// spySink records negotiation-round events so tests can assert which
// members were reported; every other method is a no-op.
type spySink struct {
	responses []models.NegotiationResponse
	rounds    []int
}

func (s *spySink) LogRequest(ctx context.Context, req models.UserRequest)                 {}
func (s *spySink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
}
func (s *spySink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
}
func (s *spySink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
}
func (s *spySink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
}
func (s *spySink) LogProviderFailure(ctx context.Context, providerID string, failure error) {}
func (s *spySink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	s.rounds = append(s.rounds, roundNumber)
}
func (s *spySink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	s.responses = append(s.responses, resp)
}
func (s *spySink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
}

// selectiveFailAdapter fails SendRequest for any member ID in failFor.
type selectiveFailAdapter struct {
	failFor map[string]bool
}

func (s *selectiveFailAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*llm.ProviderResponse, error) {
	if s.failFor[member.ID] {
		return nil, errors.New("simulated provider failure")
	}
	return &llm.ProviderResponse{Content: member.ID + "-r", TokenUsage: models.TokenUsage{Prompt: 10, Completion: 5, Total: 15}, Latency: time.Millisecond}, nil
}

func (s *selectiveFailAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	return &llm.HealthProbe{Available: true}, nil
}

type fixedAdapter struct {
	content string
}

func (f *fixedAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*llm.ProviderResponse, error) {
	return &llm.ProviderResponse{Content: f.content, TokenUsage: models.TokenUsage{Prompt: 10, Completion: 5, Total: 15}, Latency: time.Millisecond}, nil
}

func (f *fixedAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	return &llm.HealthProbe{Available: true}, nil
}

type lookupEmbedder struct {
	vectors map[string][]float64
}

func (e *lookupEmbedder) Embed(ctx context.Context, modelID, text string) ([]float64, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func testMembers() []models.CouncilMember {
	return []models.CouncilMember{
		{ID: "a", Provider: "p", Model: "m", TimeoutSec: 1, RetryPolicy: models.DefaultRetryPolicy()},
		{ID: "b", Provider: "p", Model: "m", TimeoutSec: 1, RetryPolicy: models.DefaultRetryPolicy()},
	}
}

func newTestLoop(embed *lookupEmbedder, fallback FallbackFunc) *Loop {
	return newTestLoopWithAdapter(embed, fallback, &fixedAdapter{content: "same"})
}

func newTestLoopWithAdapter(embed *lookupEmbedder, fallback FallbackFunc, adapter llm.Adapter) *Loop {
	return newTestLoopWithAdapterAndSink(embed, fallback, adapter, nil)
}

func newTestLoopWithAdapterAndSink(embed *lookupEmbedder, fallback FallbackFunc, adapter llm.Adapter, sink *spySink) *Loop {
	reg := llm.NewRegistry(map[string]llm.Adapter{"p": adapter})
	p := pool.New(reg, health.New(health.Config{}))
	sim := similarity.New(embed)
	log := logrus.New()
	if sink == nil {
		return New(p, sim, nil, nil, fallback, nil, nil, log)
	}
	return New(p, sim, nil, sink, fallback, nil, nil, log)
}

type perMemberAdapter struct{}

func (perMemberAdapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*llm.ProviderResponse, error) {
	return &llm.ProviderResponse{Content: member.ID + "-r", TokenUsage: models.TokenUsage{Prompt: 10, Completion: 5, Total: 15}, Latency: time.Millisecond}, nil
}

func (perMemberAdapter) Health(ctx context.Context) (*llm.HealthProbe, error) {
	return &llm.HealthProbe{Available: true}, nil
}

func TestRun_EarlyTerminationAtSeedRound(t *testing.T) {
	embed := &lookupEmbedder{vectors: map[string][]float64{"same": {1, 0, 0}}}
	l := newTestLoop(embed, nil)

	cfg := config.IterativeConsensusConfig{
		MaxRounds: 5, AgreementThreshold: 0.99, EarlyTerminationEnabled: true, EarlyTerminationThreshold: 0.9,
		NegotiationMode: config.NegotiationParallel,
	}
	seed := []models.InitialResponse{{CouncilMemberID: "a", Content: "same"}, {CouncilMemberID: "b", Content: "same"}}

	decision, err := l.Run(context.Background(), models.UserRequest{ID: "r1", Query: "q"}, testMembers(), seed, cfg, config.SynthesisConfig{}, models.NewRequestMetrics())
	require.NoError(t, err)
	require.NotNil(t, decision.IterativeConsensusMetadata)
	assert.True(t, decision.IterativeConsensusMetadata.ConsensusAchieved)
	assert.False(t, decision.IterativeConsensusMetadata.FallbackUsed)
	assert.Equal(t, 1, decision.IterativeConsensusMetadata.TotalRounds)
	assert.Equal(t, models.StrategyIterativeConsensus, decision.SynthesisStrategy)
}

func TestRun_ConsensusAtAgreementThreshold(t *testing.T) {
	embed := &lookupEmbedder{vectors: map[string][]float64{"same": {1, 0, 0}}}
	l := newTestLoop(embed, nil)

	cfg := config.IterativeConsensusConfig{
		MaxRounds: 5, AgreementThreshold: 0.9, EarlyTerminationEnabled: false,
		NegotiationMode: config.NegotiationParallel,
	}
	seed := []models.InitialResponse{{CouncilMemberID: "a", Content: "same"}, {CouncilMemberID: "b", Content: "same"}}

	decision, err := l.Run(context.Background(), models.UserRequest{ID: "r1", Query: "q"}, testMembers(), seed, cfg, config.SynthesisConfig{}, models.NewRequestMetrics())
	require.NoError(t, err)
	assert.True(t, decision.IterativeConsensusMetadata.ConsensusAchieved)
	assert.Equal(t, "same", decision.Content)
}

func TestRun_FallbackOnMaxRoundsWithoutConsensus(t *testing.T) {
	embed := &lookupEmbedder{vectors: map[string][]float64{
		"a-seed": {1, 0, 0},
		"b-seed": {0, 1, 0},
		"a-r":     {1, 0, 0},
		"b-r":     {0, 1, 0},
	}}
	var fallbackCalled bool
	fallback := func(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
		members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {
		fallbackCalled = true
		return &models.ConsensusDecision{Content: "fallback answer", SynthesisStrategy: cfg.Strategy}, nil
	}
	l := newTestLoopWithAdapter(embed, fallback, perMemberAdapter{})

	cfg := config.IterativeConsensusConfig{
		MaxRounds: 2, AgreementThreshold: 0.99, EarlyTerminationEnabled: false,
		NegotiationMode: config.NegotiationParallel, FallbackStrategy: models.StrategyConsensusExtraction,
	}
	seed := []models.InitialResponse{{CouncilMemberID: "a", Content: "a-seed"}, {CouncilMemberID: "b", Content: "b-seed"}}

	decision, err := l.Run(context.Background(), models.UserRequest{ID: "r1", Query: "q"}, testMembers(), seed, cfg,
		config.SynthesisConfig{Strategy: models.StrategyConsensusExtraction}, models.NewRequestMetrics())

	require.NoError(t, err)
	assert.True(t, fallbackCalled)
	assert.Equal(t, "fallback answer", decision.Content)
	assert.Equal(t, models.StrategyConsensusExtraction, decision.SynthesisStrategy)
	assert.True(t, decision.IterativeConsensusMetadata.FallbackUsed)
}

func TestRun_FailsWithoutFallbackConfigured(t *testing.T) {
	embed := &lookupEmbedder{vectors: map[string][]float64{"a-seed": {1, 0, 0}, "b-seed": {0, 1, 0}}}
	l := newTestLoop(embed, nil)

	cfg := config.IterativeConsensusConfig{MaxRounds: 1, AgreementThreshold: 0.99, NegotiationMode: config.NegotiationParallel}
	seed := []models.InitialResponse{{CouncilMemberID: "a", Content: "a-seed"}, {CouncilMemberID: "b", Content: "b-seed"}}

	_, err := l.Run(context.Background(), models.UserRequest{ID: "r1"}, testMembers(), seed, cfg, config.SynthesisConfig{}, models.NewRequestMetrics())
	require.Error(t, err)
}

func TestRun_RequiresSeed(t *testing.T) {
	l := newTestLoop(&lookupEmbedder{}, nil)
	_, err := l.Run(context.Background(), models.UserRequest{ID: "r1"}, testMembers(), nil, config.IterativeConsensusConfig{MaxRounds: 1}, config.SynthesisConfig{}, models.NewRequestMetrics())
	require.Error(t, err)
}

func TestDeadlockRisk(t *testing.T) {
	assert.Equal(t, "low", deadlockRisk(nil, 1, 10))
	assert.Equal(t, "high", deadlockRisk([]float64{-0.1, -0.2}, 5, 10))
	assert.Equal(t, "medium", deadlockRisk([]float64{0.1, -0.2}, 5, 10))
	assert.Equal(t, "low", deadlockRisk([]float64{0.1, 0.2}, 5, 10))
}

func TestParseEndorsement(t *testing.T) {
	agrees, cleaned := parseEndorsement("ENDORSE:member-b\nI agree with their reasoning")
	assert.Equal(t, "member-b", agrees)
	assert.Equal(t, "I agree with their reasoning", cleaned)

	agrees, cleaned = parseEndorsement("a plain refinement")
	assert.Equal(t, "", agrees)
	assert.Equal(t, "a plain refinement", cleaned)
}

func TestCentroid_PicksHighestAverageSimilarityRow(t *testing.T) {
	matrix := [][]float64{
		{1, 0.9, 0.1},
		{0.9, 1, 0.1},
		{0.1, 0.1, 1},
	}
	assert.Contains(t, []int{0, 1}, centroid(matrix))
}

func TestSequentialOrder_DeterministicWithoutSeed(t *testing.T) {
	l := newTestLoop(&lookupEmbedder{}, nil)
	order := l.sequentialOrder([]string{"b", "a", "c"}, nil)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExcludeAbsent_DropsAbsentIDsOnly(t *testing.T) {
	order := excludeAbsent([]string{"a", "b", "c"}, map[string]bool{"b": true})
	assert.Equal(t, []string{"a", "c"}, order)

	assert.Equal(t, []string{"a", "b"}, excludeAbsent([]string{"a", "b"}, nil))
}

func TestNegotiateRound_FailedMemberExcludedButStaysLive(t *testing.T) {
	adapter := &selectiveFailAdapter{failFor: map[string]bool{"b": true}}
	l := newTestLoopWithAdapter(&lookupEmbedder{}, nil, adapter)

	memberByID := map[string]models.CouncilMember{}
	for _, m := range testMembers() {
		memberByID[m.ID] = m
	}
	live := map[string]bool{"a": true, "b": true}
	absences := map[string]int{}
	contents := map[string]string{"a": "a-seed", "b": "b-seed"}
	cfg := config.IterativeConsensusConfig{NegotiationMode: config.NegotiationParallel}

	_, absent := l.negotiateRound(context.Background(), models.UserRequest{ID: "r1", Query: "q"},
		memberByID, live, absences, contents, cfg, 2, models.NewRequestMetrics())

	assert.True(t, absent["b"])
	assert.False(t, absent["a"])
	assert.True(t, live["b"], "a single absence must not drop the member from live")
	assert.Equal(t, 1, absences["b"])
	assert.Equal(t, "b-seed", contents["b"], "a failed member's content is untouched, not fed into this round's similarity")
}

func TestNegotiateRound_ThreeConsecutiveAbsencesDropsFromLive(t *testing.T) {
	adapter := &selectiveFailAdapter{failFor: map[string]bool{"b": true}}
	l := newTestLoopWithAdapter(&lookupEmbedder{}, nil, adapter)

	memberByID := map[string]models.CouncilMember{}
	for _, m := range testMembers() {
		memberByID[m.ID] = m
	}
	live := map[string]bool{"a": true, "b": true}
	absences := map[string]int{}
	contents := map[string]string{"a": "a-seed", "b": "b-seed"}
	cfg := config.IterativeConsensusConfig{NegotiationMode: config.NegotiationParallel}

	for round := 2; round < 4; round++ {
		_, absent := l.negotiateRound(context.Background(), models.UserRequest{ID: "r1", Query: "q"},
			memberByID, live, absences, contents, cfg, round, models.NewRequestMetrics())
		assert.True(t, absent["b"])
		assert.True(t, live["b"], "must stay live before the 3rd consecutive absence")
	}

	_, absent := l.negotiateRound(context.Background(), models.UserRequest{ID: "r1", Query: "q"},
		memberByID, live, absences, contents, cfg, 4, models.NewRequestMetrics())
	assert.True(t, absent["b"])
	assert.False(t, live["b"], "3 consecutive absences must drop the member from live")
}

func TestNegotiateRound_LogsNegotiationResponsesAndRound(t *testing.T) {
	sink := &spySink{}
	adapter := &selectiveFailAdapter{}
	l := newTestLoopWithAdapterAndSink(&lookupEmbedder{}, nil, adapter, sink)

	memberByID := map[string]models.CouncilMember{}
	for _, m := range testMembers() {
		memberByID[m.ID] = m
	}
	live := map[string]bool{"a": true, "b": true}
	absences := map[string]int{}
	contents := map[string]string{"a": "a-seed", "b": "b-seed"}
	cfg := config.IterativeConsensusConfig{NegotiationMode: config.NegotiationParallel}

	l.negotiateRound(context.Background(), models.UserRequest{ID: "r1", Query: "q"},
		memberByID, live, absences, contents, cfg, 2, models.NewRequestMetrics())

	require.Len(t, sink.rounds, 1)
	assert.Equal(t, 2, sink.rounds[0])
	require.Len(t, sink.responses, 2)
	for _, r := range sink.responses {
		assert.Equal(t, 2, r.RoundNumber)
	}
}

func TestRun_FallbackExcludesMemberAbsentInFinalRound(t *testing.T) {
	threeMembers := []models.CouncilMember{
		{ID: "a", Provider: "p", Model: "m", TimeoutSec: 1, RetryPolicy: models.DefaultRetryPolicy()},
		{ID: "b", Provider: "p", Model: "m", TimeoutSec: 1, RetryPolicy: models.DefaultRetryPolicy()},
		{ID: "c", Provider: "p", Model: "m", TimeoutSec: 1, RetryPolicy: models.DefaultRetryPolicy()},
	}
	embed := &lookupEmbedder{vectors: map[string][]float64{
		"a-seed": {1, 0, 0}, "b-seed": {0, 1, 0}, "c-seed": {0, 0, 1},
		"a-r": {1, 0, 0}, "c-r": {0, 1, 0},
	}}
	adapter := &selectiveFailAdapter{failFor: map[string]bool{"b": true}}

	var gotResponses []models.InitialResponse
	fallback := func(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
		members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {
		gotResponses = responses
		return &models.ConsensusDecision{Content: "fallback answer", SynthesisStrategy: cfg.Strategy}, nil
	}
	l := newTestLoopWithAdapter(embed, fallback, adapter)

	cfg := config.IterativeConsensusConfig{
		MaxRounds: 2, AgreementThreshold: 0.99, EarlyTerminationEnabled: false,
		NegotiationMode: config.NegotiationParallel, FallbackStrategy: models.StrategyConsensusExtraction,
	}
	seed := []models.InitialResponse{
		{CouncilMemberID: "a", Content: "a-seed"},
		{CouncilMemberID: "b", Content: "b-seed"},
		{CouncilMemberID: "c", Content: "c-seed"},
	}

	_, err := l.Run(context.Background(), models.UserRequest{ID: "r1", Query: "q"}, threeMembers, seed, cfg,
		config.SynthesisConfig{Strategy: models.StrategyConsensusExtraction}, models.NewRequestMetrics())
	require.NoError(t, err)

	ids := make([]string, 0, len(gotResponses))
	for _, r := range gotResponses {
		ids = append(ids, r.CouncilMemberID)
	}
	assert.Equal(t, []string{"a", "c"}, ids, "member absent in the final round must not be fed in as a contributor")
}
