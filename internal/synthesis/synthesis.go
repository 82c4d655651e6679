// Package synthesis implements the Synthesis Engine (C5): combining
// member responses into one ConsensusDecision using one of the four
// §4.5 tagged-union strategies. The iterative-consensus strategy is
// delegated to an injected ConsensusRunner (C6, internal/consensus) so
// this package never imports it directly — C6 instead calls back into
// Engine.SynthesizeDirect for its fallback strategy, which would
// otherwise create an import cycle.
package synthesis

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/council-proxy/core/internal/config"
	"github.com/council-proxy/core/internal/health"
	"github.com/council-proxy/core/internal/models"
	"github.com/council-proxy/core/internal/pool"
)

// ConsensusRunner is C6's contract as seen by C5. Implemented by
// internal/consensus.Loop.
type ConsensusRunner interface {
	Run(ctx context.Context, req models.UserRequest, members []models.CouncilMember,
		seed []models.InitialResponse, cfg config.IterativeConsensusConfig,
		fallbackCfg config.SynthesisConfig, metrics *models.RequestMetrics) (*models.ConsensusDecision, error)
}

// Engine is the C5 singleton, shared across requests.
type Engine struct {
	pool      *pool.Pool
	tracker   *health.Tracker
	consensus ConsensusRunner
}

// New builds an Engine. consensusRunner may be nil if iterative-consensus
// is never configured; Synthesize returns SYNTHESIS_FAILED if it is invoked
// without one.
func New(p *pool.Pool, tracker *health.Tracker, consensusRunner ConsensusRunner) *Engine {
	return &Engine{pool: p, tracker: tracker, consensus: consensusRunner}
}

// FallbackConfig derives the SynthesisConfig for C6's fallback strategy
// from the parent iterative-consensus config, carrying over the weights
// and moderator strategy a caller configured alongside it.
func FallbackConfig(cfg config.SynthesisConfig) config.SynthesisConfig {
	return config.SynthesisConfig{
		Strategy:           cfg.IterativeConsensus.FallbackStrategy,
		Weights:            cfg.Weights,
		ReducerMemberID:    cfg.ReducerMemberID,
		ModeratorStrategy:  cfg.ModeratorStrategy,
		AgreementThreshold: cfg.AgreementThreshold,
	}
}

// Synthesize dispatches on cfg.Strategy, delegating iterative-consensus
// to the injected ConsensusRunner and everything else to SynthesizeDirect.
func (e *Engine) Synthesize(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
	members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {

	if cfg.Strategy == models.StrategyIterativeConsensus {
		if e.consensus == nil {
			return nil, models.NewError(models.ErrSynthesisFailed, "iterative consensus runner not configured", nil)
		}
		return e.consensus.Run(ctx, req, members, responses, cfg.IterativeConsensus, FallbackConfig(cfg), metrics)
	}
	return e.SynthesizeDirect(ctx, cfg, req, members, responses, metrics)
}

// SynthesizeDirect implements the three non-delegating §4.5 strategies.
// C6 calls this directly (via the Fallback func it's constructed with)
// when it needs to produce a final answer from its own negotiation trace.
func (e *Engine) SynthesizeDirect(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
	members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {

	if len(responses) == 0 {
		return nil, models.NewError(models.ErrSynthesisFailed, "no member responses to synthesize", nil)
	}

	switch cfg.Strategy {
	case models.StrategyConsensusExtraction:
		return e.reduce(ctx, cfg, req, members, responses, metrics, nil)
	case models.StrategyWeightedFusion:
		return e.reduce(ctx, cfg, req, members, responses, metrics, normalizeWeights(cfg.Weights))
	case models.StrategyMetaSynthesis:
		return e.metaSynthesis(ctx, cfg, req, members, responses, metrics)
	default:
		return nil, models.NewError(models.ErrInvalidRequest, "unsupported direct synthesis strategy: "+string(cfg.Strategy), nil)
	}
}

// reduce implements consensus-extraction and weighted-fusion: both send a
// single reducer prompt containing every round-0 content, the latter
// annotated with normalized weights.
func (e *Engine) reduce(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
	members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics,
	weights map[string]float64) (*models.ConsensusDecision, error) {

	reducer := resolveReducer(cfg.ReducerMemberID, members)
	prompt := reducerPrompt(req.Query, responses, weights)

	resp, err := e.pool.SendRequest(ctx, reducer, prompt, req.Context)
	if err != nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "reducer call failed", err)
	}
	metrics.Record(reducer.ID, resp.TokenUsage, resp.Latency, 0)

	agreement := averageTextOverlap(responses)
	return &models.ConsensusDecision{
		Content:             resp.Content,
		Confidence:          models.DiscretizeConfidence(agreement),
		AgreementLevel:      agreement,
		SynthesisStrategy:   cfg.Strategy,
		ContributingMembers: contributingMemberIDs(responses),
		Timestamp:           time.Now(),
	}, nil
}

// metaSynthesis selects a moderator and asks it to produce the final
// answer given every other member's content.
func (e *Engine) metaSynthesis(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
	members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {

	moderator := selectModerator(cfg.ModeratorStrategy, members, req.ID, e.tracker)
	prompt := moderatorPrompt(req.Query, moderator.ID, responses)

	resp, err := e.pool.SendRequest(ctx, moderator, prompt, req.Context)
	if err != nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "moderator call failed", err)
	}
	metrics.Record(moderator.ID, resp.TokenUsage, resp.Latency, 0)

	agreement := averageTextOverlap(responses)
	return &models.ConsensusDecision{
		Content:             resp.Content,
		Confidence:          models.DiscretizeConfidence(agreement),
		AgreementLevel:      agreement,
		SynthesisStrategy:   cfg.Strategy,
		ContributingMembers: contributingMemberIDs(responses),
		Timestamp:           time.Now(),
	}, nil
}

func resolveReducer(reducerMemberID string, members []models.CouncilMember) models.CouncilMember {
	if reducerMemberID != "" {
		for _, m := range members {
			if m.ID == reducerMemberID {
				return m
			}
		}
	}
	return members[0]
}

func selectModerator(strategy config.ModeratorStrategy, members []models.CouncilMember, requestID string, tracker *health.Tracker) models.CouncilMember {
	switch strategy.Tag {
	case config.ModeratorPermanent:
		for _, m := range members {
			if m.ID == strategy.MemberID {
				return m
			}
		}
		return members[0]
	case config.ModeratorRotate:
		return members[hashToIndex(requestID, len(members))]
	case config.ModeratorStrongest:
		best := members[0]
		bestRate := -1.0
		for _, m := range members {
			if tracker == nil {
				break
			}
			h := tracker.Get(m.Provider)
			if h.SuccessRate > bestRate {
				bestRate = h.SuccessRate
				best = m
			}
		}
		return best
	default:
		return members[0]
	}
}

func hashToIndex(requestID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return int(h.Sum32() % uint32(n))
}

func normalizeWeights(weights map[string]float64) map[string]float64 {
	if len(weights) == 0 {
		return nil
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return nil
	}
	out := make(map[string]float64, len(weights))
	for id, w := range weights {
		out[id] = w / total
	}
	return out
}

func reducerPrompt(query string, responses []models.InitialResponse, weights map[string]float64) string {
	var b strings.Builder
	b.WriteString("Reconcile the following council member responses into a single answer.\n\n")
	b.WriteString("Original query: ")
	b.WriteString(query)
	b.WriteString("\n\nMember responses:\n")
	for _, r := range responses {
		b.WriteString("- ")
		b.WriteString(r.CouncilMemberID)
		if w, ok := weights[r.CouncilMemberID]; ok {
			b.WriteString(fmt.Sprintf(" (weight=%.2f)", w))
		}
		b.WriteString(": ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func moderatorPrompt(query, moderatorID string, responses []models.InitialResponse) string {
	var b strings.Builder
	b.WriteString("You are the moderator (")
	b.WriteString(moderatorID)
	b.WriteString("). Produce the final answer given the other members' contributions.\n\n")
	b.WriteString("Original query: ")
	b.WriteString(query)
	b.WriteString("\n\nPeer responses:\n")
	for _, r := range responses {
		if r.CouncilMemberID == moderatorID {
			continue
		}
		b.WriteString("- ")
		b.WriteString(r.CouncilMemberID)
		b.WriteString(": ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// contributingMemberIDs returns the sorted set of member ids whose
// content fed the synthesis prompt.
func contributingMemberIDs(responses []models.InitialResponse) []string {
	ids := make([]string, 0, len(responses))
	for _, r := range responses {
		ids = append(ids, r.CouncilMemberID)
	}
	sort.Strings(ids)
	return ids
}

// averageTextOverlap computes the mean pairwise Jaccard word-overlap
// across response contents, over strictly-upper-triangular pairs only
// (same exclude-diagonal convention as C4's averageSimilarity). A single
// response trivially agrees with itself.
func averageTextOverlap(responses []models.InitialResponse) float64 {
	n := len(responses)
	if n <= 1 {
		return 1.0
	}
	sum := 0.0
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += textOverlap(responses[i].Content, responses[j].Content)
			pairs++
		}
	}
	if pairs == 0 {
		return 1.0
	}
	return sum / float64(pairs)
}

// textOverlap is the Jaccard coefficient over lowercased word sets.
func textOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1.0
	}
	intersection := 0
	for w := range wa {
		if wb[w] {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f != "" {
			set[f] = true
		}
	}
	return set
}
