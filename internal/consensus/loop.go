// Package consensus implements the Iterative Consensus Loop (C6): a
// bounded negotiation state machine that repeatedly calls the Provider
// Pool and Similarity Service until the council converges, deadlocks, or
// exhausts its round budget and falls back to a direct synthesis
// strategy.
package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/council-proxy/core/internal/config"
	"github.com/council-proxy/core/internal/eventsink"
	"github.com/council-proxy/core/internal/models"
	"github.com/council-proxy/core/internal/pool"
	"github.com/council-proxy/core/internal/ratelimit"
	"github.com/council-proxy/core/internal/similarity"
)

// FallbackFunc produces a ConsensusDecision from the loop's current
// responses using one of the three non-delegating §4.5 strategies.
// cmd/councilproxy wires this to synthesis.Engine.SynthesizeDirect; Loop
// never imports the synthesis package so no import cycle forms.
type FallbackFunc func(ctx context.Context, cfg config.SynthesisConfig, req models.UserRequest,
	members []models.CouncilMember, responses []models.InitialResponse, metrics *models.RequestMetrics) (*models.ConsensusDecision, error)

// embedderModelID is empty so the injected Embedder uses its own model.
const embedderModelID = ""
const maxConsecutiveAbsences = 3

// Loop is the C6 singleton, shared across requests.
type Loop struct {
	pool       *pool.Pool
	similarity *similarity.Service
	limiter    *ratelimit.Limiter
	sink       eventsink.Sink
	fallback   FallbackFunc
	examples   ExampleRepository
	templates  *PromptTemplateRegistry
	log        *logrus.Entry
	rand       func(seed int64) *rand.Rand
}

// New builds a Loop. examples and limiter may be nil (examples disabled,
// rate limit fails open).
func New(p *pool.Pool, sim *similarity.Service, limiter *ratelimit.Limiter, sink eventsink.Sink,
	fallback FallbackFunc, examples ExampleRepository, templates *PromptTemplateRegistry, log *logrus.Logger) *Loop {
	if templates == nil {
		templates = NewPromptTemplateRegistry()
	}
	return &Loop{
		pool: p, similarity: sim, limiter: limiter, sink: sink, fallback: fallback,
		examples: examples, templates: templates, log: log.WithField("component", "consensus"),
		rand: func(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) },
	}
}

type proposal struct {
	content    string
	agreesWith string
}

// Run implements the §4.6 state machine. seed is treated as round-1's
// proposals; only members with a seed response take part in later
// rounds, and members without one are not added to the negotiation.
func (l *Loop) Run(ctx context.Context, req models.UserRequest, members []models.CouncilMember,
	seed []models.InitialResponse, cfg config.IterativeConsensusConfig, fallbackCfg config.SynthesisConfig,
	metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {

	if len(seed) == 0 {
		return nil, models.NewError(models.ErrSynthesisFailed, "iterative consensus requires at least one seed response", nil)
	}

	memberByID := make(map[string]models.CouncilMember, len(members))
	for _, m := range members {
		memberByID[m.ID] = m
	}

	contents := make(map[string]string, len(seed))
	live := make(map[string]bool, len(seed))
	absences := make(map[string]int)
	for _, r := range seed {
		contents[r.CouncilMemberID] = r.Content
		live[r.CouncilMemberID] = true
	}

	var progression []float64
	var deltas []float64
	var endorsements map[string]string
	var absentThisRound map[string]bool

	for round := 1; ; round++ {
		if round > 1 {
			endorsements, absentThisRound = l.negotiateRound(ctx, req, memberByID, live, absences, contents, cfg, round, metrics)
		}

		// A member absent this round (failed or timed out via C3) is still
		// live for future rounds but must not be counted toward this
		// round's similarity, per §4.6 tie-breaks.
		order := excludeAbsent(liveIDsSorted(live), absentThisRound)
		simContents := applyEndorsements(order, contents, endorsements)

		texts := make([]string, 0, len(order))
		for _, id := range order {
			texts = append(texts, simContents[id])
		}

		cache := similarity.NewCache()
		simResult, err := l.similarity.Compute(ctx, cache, embedderModelID, texts, cfg.AgreementThreshold)
		if err != nil {
			return nil, models.NewError(models.ErrSynthesisFailed, "similarity computation failed", err)
		}
		avg := simResult.AverageSimilarity
		progression = append(progression, avg)
		if len(progression) >= 2 {
			deltas = append(deltas, progression[len(progression)-1]-progression[len(progression)-2])
		}

		risk := deadlockRisk(deltas, round, cfg.MaxRounds)

		if cfg.EarlyTerminationEnabled && avg >= cfg.EarlyTerminationThresholdOrDefault() {
			return l.finish(req.ID, order, contents, simResult, progression, round, cfg, metrics, true, false, "", false, false)
		}
		if avg >= cfg.AgreementThreshold {
			return l.finish(req.ID, order, contents, simResult, progression, round, cfg, metrics, false, false, "", false, false)
		}
		if round == cfg.MaxRounds {
			const reason = "max rounds reached without consensus"
			deadlockDetected := risk == "high"
			escalated := deadlockDetected && cfg.HumanEscalationEnabled && l.allowEscalation(ctx, cfg)

			decision, err := l.fallbackDecision(ctx, req, members, order, contents, fallbackCfg, metrics)
			if err != nil {
				return nil, err
			}
			meta := l.metadata(progression, round, cfg, true, reason, deadlockDetected, escalated)
			decision.IterativeConsensusMetadata = meta
			l.reportMetadata(req.ID, meta)
			return decision, nil
		}
	}
}

// negotiateRound collects one round's NegotiationResponses (respecting
// perRoundTimeout and the configured negotiation mode), updates contents
// and the per-member absence counters in place, logs the round and its
// responses to the event sink, and returns the endorsements collected
// this round (memberId -> endorsed peer id) plus the set of members who
// did not respond in time this round.
func (l *Loop) negotiateRound(ctx context.Context, req models.UserRequest, memberByID map[string]models.CouncilMember,
	live map[string]bool, absences map[string]int, contents map[string]string, cfg config.IterativeConsensusConfig,
	round int, metrics *models.RequestMetrics) (map[string]string, map[string]bool) {

	roundCtx := ctx
	if cfg.PerRoundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, cfg.PerRoundTimeout)
		defer cancel()
	}

	order := liveIDsSorted(live)
	instructions := l.templates.Get(req.Preset)
	examples := l.relevantExamples(ctx, req.Query, cfg.ExampleCount)

	results := make(map[string]proposal)
	responses := make([]models.NegotiationResponse, 0, len(order))
	if cfg.NegotiationMode == config.NegotiationSequential {
		for _, id := range l.sequentialOrder(order, cfg.RandomizationSeed) {
			m := memberByID[id]
			prompt := negotiationPrompt(instructions, req.Query, contents[id], contents, examples)
			resp, err := l.pool.SendRequest(roundCtx, m, prompt, req.Context)
			if err != nil {
				continue
			}
			metrics.Record(id, resp.TokenUsage, resp.Latency, 0)
			agrees, cleaned := parseEndorsement(resp.Content)
			contents[id] = cleaned
			results[id] = proposal{content: cleaned, agreesWith: agrees}
			responses = append(responses, models.NegotiationResponse{
				CouncilMemberID: id, Content: cleaned, RoundNumber: round,
				AgreesWithMemberID: agrees, TokenCount: resp.TokenUsage.Total,
			})
		}
	} else {
		type callResult struct {
			id      string
			content string
			usage   models.TokenUsage
			latency time.Duration
			err     error
		}
		ch := make(chan callResult, len(order))
		var wg sync.WaitGroup
		for _, id := range order {
			id := id
			m := memberByID[id]
			prompt := negotiationPrompt(instructions, req.Query, contents[id], contents, examples)
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := l.pool.SendRequest(roundCtx, m, prompt, req.Context)
				if err != nil {
					ch <- callResult{id: id, err: err}
					return
				}
				ch <- callResult{id: id, content: resp.Content, usage: resp.TokenUsage, latency: resp.Latency}
			}()
		}
		go func() { wg.Wait(); close(ch) }()
		for r := range ch {
			if r.err != nil {
				continue
			}
			metrics.Record(r.id, r.usage, r.latency, 0)
			agrees, cleaned := parseEndorsement(r.content)
			contents[r.id] = cleaned
			results[r.id] = proposal{content: cleaned, agreesWith: agrees}
			responses = append(responses, models.NegotiationResponse{
				CouncilMemberID: r.id, Content: cleaned, RoundNumber: round,
				AgreesWithMemberID: agrees, TokenCount: r.usage.Total,
			})
		}
	}
	l.reportNegotiationRound(req.ID, round, responses)

	endorsements := make(map[string]string)
	absent := make(map[string]bool)
	for _, id := range order {
		if p, ok := results[id]; ok {
			absences[id] = 0
			if p.agreesWith != "" {
				endorsements[id] = p.agreesWith
			}
		} else {
			absences[id]++
			absent[id] = true
			if absences[id] >= maxConsecutiveAbsences {
				delete(live, id)
			}
		}
	}
	return endorsements, absent
}

func (l *Loop) reportNegotiationRound(requestID string, round int, responses []models.NegotiationResponse) {
	if l.sink == nil {
		return
	}
	for _, r := range responses {
		l.sink.LogNegotiationResponse(context.Background(), requestID, r)
	}
	l.sink.LogNegotiationRound(context.Background(), requestID, round, responses)
}

func (l *Loop) sequentialOrder(ids []string, seed *int64) []string {
	ordered := append([]string(nil), ids...)
	if seed == nil {
		sort.Strings(ordered)
		return ordered
	}
	r := l.rand(*seed)
	r.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	return ordered
}

func (l *Loop) relevantExamples(ctx context.Context, query string, k int) []NegotiationExample {
	if l.examples == nil || k <= 0 {
		return nil
	}
	examples, err := l.examples.Relevant(ctx, query, k)
	if err != nil {
		l.log.WithError(err).Warn("example repository lookup failed, continuing without examples")
		return nil
	}
	return examples
}

func (l *Loop) allowEscalation(ctx context.Context, cfg config.IterativeConsensusConfig) bool {
	if l.limiter == nil {
		return true
	}
	channel := "default"
	if len(cfg.EscalationChannels) > 0 {
		channel = cfg.EscalationChannels[0]
	}
	return l.limiter.Allow(ctx, channel)
}

func (l *Loop) fallbackDecision(ctx context.Context, req models.UserRequest, members []models.CouncilMember,
	order []string, contents map[string]string, fallbackCfg config.SynthesisConfig, metrics *models.RequestMetrics) (*models.ConsensusDecision, error) {

	responses := make([]models.InitialResponse, 0, len(order))
	for _, id := range order {
		responses = append(responses, models.InitialResponse{CouncilMemberID: id, Content: contents[id]})
	}
	if l.fallback == nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "iterative consensus fallback not configured", nil)
	}
	return l.fallback(ctx, fallbackCfg, req, members, responses, metrics)
}

// finish builds the DONE_CONSENSUS / DONE_EARLY decision: the content is
// the current round's centroid response (the live member whose content
// is, on average, most similar to its peers) rather than an extra
// synthesis call, since convergence already implies near-identical
// answers.
func (l *Loop) finish(requestID string, order []string, contents map[string]string, simResult *models.SimilarityResult,
	progression []float64, round int, cfg config.IterativeConsensusConfig, metrics *models.RequestMetrics,
	early, fallbackUsed bool, fallbackReason string, deadlockDetected, escalated bool) (*models.ConsensusDecision, error) {

	centroidIdx := centroid(simResult.Matrix)
	content := ""
	if centroidIdx >= 0 && centroidIdx < len(order) {
		content = contents[order[centroidIdx]]
	}

	meta := l.metadata(progression, round, cfg, fallbackUsed, fallbackReason, deadlockDetected, escalated)

	var costSavings *models.CostSavings
	if early {
		roundsSkipped := cfg.MaxRounds - round
		if roundsSkipped > 0 {
			avgTokens := 0
			if len(order) > 0 {
				total := 0
				for _, mm := range metrics.MemberTokens {
					total += mm.PromptTokens + mm.CompletionTokens
				}
				avgTokens = total / len(order)
			}
			costSavings = &models.CostSavings{RoundsSkipped: roundsSkipped, TokensAvoided: roundsSkipped * avgTokens * len(order)}
		}
	}
	meta.CostSavings = costSavings
	l.reportMetadata(requestID, meta)

	return &models.ConsensusDecision{
		Content:                    content,
		Confidence:                 models.DiscretizeConfidence(simResult.AverageSimilarity),
		AgreementLevel:             simResult.AverageSimilarity,
		SynthesisStrategy:          models.StrategyIterativeConsensus,
		ContributingMembers:        order,
		Timestamp:                  timeNow(),
		IterativeConsensusMetadata: meta,
	}, nil
}

func (l *Loop) metadata(progression []float64, round int, cfg config.IterativeConsensusConfig,
	fallbackUsed bool, fallbackReason string, deadlockDetected, escalated bool) *models.IterativeConsensusMetadata {

	avg := 0.0
	if len(progression) > 0 {
		avg = progression[len(progression)-1]
	}
	quality := avg * (1 - (float64(round) / float64(cfg.MaxRounds) / 2))

	return &models.IterativeConsensusMetadata{
		TotalRounds:              round,
		SimilarityProgression:    append([]float64(nil), progression...),
		ConsensusAchieved:        !fallbackUsed,
		FallbackUsed:             fallbackUsed,
		FallbackReason:           fallbackReason,
		DeadlockDetected:         deadlockDetected,
		HumanEscalationTriggered: escalated,
		QualityScore:             quality,
	}
}

func (l *Loop) reportMetadata(requestID string, meta *models.IterativeConsensusMetadata) {
	if l.sink == nil {
		return
	}
	l.sink.LogConsensusMetadata(context.Background(), requestID, *meta)
}

// deadlockRisk implements §4.6's rule: high if the last two deltas are
// both <= 0 and round >= maxRounds/2; medium if one is; else low.
func deadlockRisk(deltas []float64, round, maxRounds int) string {
	if round < maxRounds/2 {
		return "low"
	}
	nonPositive := 0
	for i := len(deltas) - 1; i >= 0 && i >= len(deltas)-2; i-- {
		if deltas[i] <= 0 {
			nonPositive++
		}
	}
	switch nonPositive {
	case 2:
		return "high"
	case 1:
		return "medium"
	default:
		return "low"
	}
}

// centroid returns the index of the row with the highest average
// similarity to every other row, used to pick a canonical converged
// answer without an extra synthesis call.
func centroid(matrix [][]float64) int {
	best := -1
	bestAvg := -1.0
	for i, row := range matrix {
		if len(row) <= 1 {
			return i
		}
		sum := 0.0
		for j, v := range row {
			if j == i {
				continue
			}
			sum += v
		}
		avg := sum / float64(len(row)-1)
		if avg > bestAvg {
			bestAvg = avg
			best = i
		}
	}
	return best
}

// excludeAbsent drops ids present in absent, used to keep a
// non-responding member out of a single round's similarity computation
// without removing it from the live set.
func excludeAbsent(ids []string, absent map[string]bool) []string {
	if len(absent) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !absent[id] {
			out = append(out, id)
		}
	}
	return out
}

func liveIDsSorted(live map[string]bool) []string {
	ids := make([]string, 0, len(live))
	for id, ok := range live {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// applyEndorsements substitutes an endorser's content with their
// endorsed peer's current content, for similarity purposes only, for
// the round just collected.
func applyEndorsements(order []string, contents map[string]string, endorsements map[string]string) map[string]string {
	out := make(map[string]string, len(order))
	for _, id := range order {
		out[id] = contents[id]
	}
	for id, target := range endorsements {
		if c, ok := contents[target]; ok {
			out[id] = c
		}
	}
	return out
}

const endorsePrefix = "ENDORSE:"

// parseEndorsement extracts an explicit peer endorsement from a
// negotiation response's content, per the "ENDORSE:<memberId>" protocol
// instructed in the negotiation prompt.
func parseEndorsement(content string) (agreesWith, cleaned string) {
	if !strings.HasPrefix(content, endorsePrefix) {
		return "", content
	}
	rest := strings.TrimPrefix(content, endorsePrefix)
	parts := strings.SplitN(rest, "\n", 2)
	memberID := strings.TrimSpace(parts[0])
	remainder := ""
	if len(parts) == 2 {
		remainder = strings.TrimSpace(parts[1])
	}
	return memberID, remainder
}

func negotiationPrompt(instructions, query, ownPrevious string, peers map[string]string, examples []NegotiationExample) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nOriginal query: ")
	b.WriteString(query)
	b.WriteString("\nYour previous response: ")
	b.WriteString(ownPrevious)
	b.WriteString("\nPeer responses:\n")
	for _, id := range sortedKeys(peers) {
		fmt.Fprintf(&b, "- %s: %s\n", id, peers[id])
	}
	if len(examples) > 0 {
		b.WriteString("Examples:\n")
		for _, ex := range examples {
			b.WriteString("- ")
			b.WriteString(ex.Text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// timeNow exists as a seam so tests could substitute it; production code
// always calls time.Now().
var timeNow = func() time.Time { return time.Now() }
