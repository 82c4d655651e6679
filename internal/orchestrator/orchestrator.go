// Package orchestrator implements the Orchestration Engine (C7): the
// single processRequest entry point that snapshots configuration, fans
// round-0 out to the council, runs deliberation or delegates to
// iterative consensus, and invokes synthesis to produce one
// ConsensusDecision. It is the only component that talks to every other
// collaborator in the core.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/council-proxy/core/internal/config"
	"github.com/council-proxy/core/internal/consensus"
	"github.com/council-proxy/core/internal/eventsink"
	"github.com/council-proxy/core/internal/health"
	"github.com/council-proxy/core/internal/models"
	"github.com/council-proxy/core/internal/pool"
	"github.com/council-proxy/core/internal/streaming"
	"github.com/council-proxy/core/internal/synthesis"
	"github.com/council-proxy/core/internal/tracing"
)

// ProcessRequestResult is processRequest's return shape (§6).
type ProcessRequestResult struct {
	Decision models.ConsensusDecision
	Metrics  *models.RequestMetrics
}

// Engine is the C7 singleton, built once at startup and shared across
// every request it serves.
type Engine struct {
	cfg       config.Provider
	pool      *pool.Pool
	tracker   *health.Tracker
	synthesis *synthesis.Engine
	consensus *consensus.Loop
	sink      eventsink.Sink
	hub       *streaming.Hub
	log       *logrus.Entry
}

// New wires an Engine from its collaborators. sink and hub may be nil
// (a nil sink discards events; a nil hub disables streaming publish).
func New(cfg config.Provider, p *pool.Pool, tracker *health.Tracker, synth *synthesis.Engine,
	consensusLoop *consensus.Loop, sink eventsink.Sink, hub *streaming.Hub, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		cfg:       cfg,
		pool:      p,
		tracker:   tracker,
		synthesis: synth,
		consensus: consensusLoop,
		sink:      sink,
		hub:       hub,
		log:       log.WithField("component", "orchestrator"),
	}
}

// ProcessRequest implements the §4.7 eight-step algorithm.
func (e *Engine) ProcessRequest(ctx context.Context, req models.UserRequest) (*ProcessRequestResult, error) {
	ctx, span := tracing.StartRequest(ctx, req.ID)
	defer span.End()

	e.publish(req.ID, "received", nil)
	e.logEvent(func() { e.sink.LogRequest(ctx, req) })

	// Step 1: snapshot every config section for the lifetime of this request.
	council := e.cfg.GetCouncilConfig()
	deliberation := e.cfg.GetDeliberationConfig()
	synthesisCfg := e.cfg.GetSynthesisConfig()
	perf := e.cfg.GetPerformanceConfig()

	// Step 2: start the global deadline.
	deadline := time.Now().Add(perf.GlobalTimeout())
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	metrics := models.NewRequestMetrics()

	// Step 3: round-0 fan-out.
	responses := e.fanOutRound0(ctx, req, council.Members, metrics)
	e.publish(req.ID, "round-0-complete", len(responses))

	if len(responses) == 0 && ctx.Err() == context.DeadlineExceeded {
		err := models.NewError(models.ErrGlobalDeadline, "global deadline elapsed before any council member responded", ctx.Err())
		tracing.EndWithError(span, err)
		return nil, err
	}

	// Step 4: minimum-size gate.
	if council.RequireMinimumForConsensus && len(responses) < council.MinimumSize {
		err := models.NewError(models.ErrInsufficientMembers,
			"fewer than minimum_size members responded", nil)
		tracing.EndWithError(span, err)
		return nil, err
	}
	if len(responses) == 0 {
		err := models.NewError(models.ErrInsufficientMembers, "no council member produced a response", nil)
		tracing.EndWithError(span, err)
		return nil, err
	}

	liveMembers := membersWithResponse(council.Members, responses)

	var decision *models.ConsensusDecision
	var err error

	switch {
	case synthesisCfg.Strategy == models.StrategyIterativeConsensus:
		// Step 5: delegate straight to C6 with round-0 as the seed.
		if e.consensus == nil {
			err = models.NewError(models.ErrSynthesisFailed, "iterative consensus requested but no loop configured", nil)
			break
		}
		fallbackCfg := synthesis.FallbackConfig(synthesisCfg)
		decision, err = e.consensus.Run(ctx, req, liveMembers, responses, synthesisCfg.IterativeConsensus, fallbackCfg, metrics)
	case deliberation.Rounds > 0:
		// Step 6: K rounds of deliberation, then step 7.
		thread := e.deliberate(ctx, req, liveMembers, responses, deliberation.Rounds, metrics)
		decision, err = e.synthesis.SynthesizeDirect(ctx, synthesisCfg, req, liveMembers, lastRoundAsResponses(thread, responses), metrics)
	default:
		// Step 7 directly over round-0 responses.
		decision, err = e.synthesis.Synthesize(ctx, synthesisCfg, req, liveMembers, responses, metrics)
	}

	if err != nil {
		tracing.EndWithError(span, err)
		e.publish(req.ID, "failed", err.Error())
		return nil, err
	}

	e.logEvent(func() { e.sink.LogConsensusDecision(ctx, req.ID, *decision) })
	e.logEvent(func() { e.sink.LogCost(ctx, req.ID, costBreakdown(metrics), tokenUsageByMember(responses)) })
	e.publish(req.ID, "complete", decision.SynthesisStrategy)
	tracing.EndWithError(span, nil)

	return &ProcessRequestResult{Decision: *decision, Metrics: metrics}, nil
}

// fanOutRound0 implements step 3: one C3 call per live member, bound by
// whichever of member.timeout or the remaining global deadline fires
// first. Results are collected over a channel and ordered deterministically
// by member id before being handed to synthesis input, per §5's
// ordering guarantee.
func (e *Engine) fanOutRound0(ctx context.Context, req models.UserRequest, members []models.CouncilMember, metrics *models.RequestMetrics) []models.InitialResponse {
	type outcome struct {
		resp *models.InitialResponse
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan outcome, len(members))

	for _, m := range members {
		if disabled, _ := e.tracker.IsDisabled(m.Provider); disabled {
			continue
		}
		m := m
		g.Go(func() error {
			callCtx, span := tracing.StartMemberCall(gctx, m.ID, m.Provider)
			defer span.End()

			resp, err := e.pool.SendRequest(callCtx, m, req.Query, req.Context)
			if err != nil {
				tracing.EndWithError(span, err)
				e.logEvent(func() { e.sink.LogProviderFailure(ctx, m.Provider, err) })
				results <- outcome{}
				return nil
			}
			tracing.EndWithError(span, nil)
			results <- outcome{resp: &models.InitialResponse{
				CouncilMemberID: m.ID,
				Content:         resp.Content,
				TokenUsage:      resp.TokenUsage,
				Latency:         resp.Latency,
				Timestamp:       time.Now(),
			}}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	var responses []models.InitialResponse
	for o := range results {
		if o.resp == nil {
			continue
		}
		responses = append(responses, *o.resp)
		metrics.Record(o.resp.CouncilMemberID, o.resp.TokenUsage, o.resp.Latency, 0)
		e.logEvent(func() { e.sink.LogCouncilResponse(ctx, req.ID, *o.resp) })
	}

	sort.Slice(responses, func(i, j int) bool { return responses[i].CouncilMemberID < responses[j].CouncilMemberID })
	return responses
}

// deliberate implements step 6: K rounds, each prompting every live
// member with the prior round's peer responses and its own prior
// response, collecting one DeliberationExchange per member per round.
// Aborts early if the global deadline is reached.
func (e *Engine) deliberate(ctx context.Context, req models.UserRequest, members []models.CouncilMember,
	seed []models.InitialResponse, rounds int, metrics *models.RequestMetrics) models.DeliberationThread {
	latest := make(map[string]string, len(seed))
	for _, r := range seed {
		latest[r.CouncilMemberID] = r.Content
	}

	var thread models.DeliberationThread

	for k := 1; k <= rounds; k++ {
		if ctx.Err() != nil {
			break
		}
		roundCtx, span := tracing.StartRound(ctx, "deliberation-round", k)

		g, gctx := errgroup.WithContext(roundCtx)
		type exchangeResult struct {
			ex models.DeliberationExchange
		}
		results := make(chan exchangeResult, len(members))

		for _, m := range members {
			m := m
			own := latest[m.ID]
			peers := peerContentExcept(latest, m.ID)
			g.Go(func() error {
				prompt := deliberationPrompt(req.Query, own, peers)
				resp, err := e.pool.SendRequest(gctx, m, prompt, req.Context)
				if err != nil {
					e.logEvent(func() { e.sink.LogProviderFailure(ctx, m.Provider, err) })
					return nil
				}
				results <- exchangeResult{ex: models.DeliberationExchange{
					CouncilMemberID: m.ID,
					Content:         resp.Content,
					ReferencesTo:    referencedMembers(resp.Content, members, m.ID),
					TokenUsage:      resp.TokenUsage,
				}}
				return nil
			})
		}

		go func() {
			_ = g.Wait()
			close(results)
		}()

		var exchanges []models.DeliberationExchange
		for r := range results {
			exchanges = append(exchanges, r.ex)
			metrics.Record(r.ex.CouncilMemberID, r.ex.TokenUsage, 0, 0)
			latest[r.ex.CouncilMemberID] = r.ex.Content
		}
		sort.Slice(exchanges, func(i, j int) bool { return exchanges[i].CouncilMemberID < exchanges[j].CouncilMemberID })

		round := models.DeliberationRound{RoundNumber: k, Exchanges: exchanges}
		thread.Rounds = append(thread.Rounds, round)
		e.logEvent(func() { e.sink.LogDeliberationRound(ctx, req.ID, round) })
		tracing.EndWithError(span, nil)

		if ctx.Err() != nil {
			break
		}
	}

	return thread
}

// ProviderHealth implements the §6 providerHealth() surface.
func (e *Engine) ProviderHealth() []models.ProviderHealth {
	return e.tracker.All()
}

// EnableProvider implements the §6 enableProvider(id) surface.
func (e *Engine) EnableProvider(id string) {
	e.tracker.Enable(id)
}

// DisableProvider implements the §6 disableProvider(id, reason) surface.
func (e *Engine) DisableProvider(id, reason string) {
	e.tracker.Disable(id, reason)
}

func (e *Engine) publish(requestID, stage string, payload interface{}) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(streaming.Event{RequestID: requestID, Stage: stage, Payload: payload})
}

// logEvent swallows whatever fn does; EventSink failures never fail a
// request (§7). A nil sink disables event logging entirely.
func (e *Engine) logEvent(fn func()) {
	if e.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Warn("event sink call panicked, discarding")
		}
	}()
	fn()
}

func membersWithResponse(members []models.CouncilMember, responses []models.InitialResponse) []models.CouncilMember {
	have := make(map[string]bool, len(responses))
	for _, r := range responses {
		have[r.CouncilMemberID] = true
	}
	var out []models.CouncilMember
	for _, m := range members {
		if have[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func peerContentExcept(latest map[string]string, exclude string) map[string]string {
	peers := make(map[string]string, len(latest))
	for id, content := range latest {
		if id != exclude {
			peers[id] = content
		}
	}
	return peers
}

func lastRoundAsResponses(thread models.DeliberationThread, seed []models.InitialResponse) []models.InitialResponse {
	if len(thread.Rounds) == 0 {
		return seed
	}
	last := thread.Rounds[len(thread.Rounds)-1]
	out := make([]models.InitialResponse, 0, len(last.Exchanges))
	for _, ex := range last.Exchanges {
		out = append(out, models.InitialResponse{CouncilMemberID: ex.CouncilMemberID, Content: ex.Content, TokenUsage: ex.TokenUsage})
	}
	return out
}

func costBreakdown(metrics *models.RequestMetrics) models.CostBreakdown {
	breakdown := models.CostBreakdown{MemberCosts: make(map[string]float64, len(metrics.MemberTokens))}
	for member, mm := range metrics.MemberTokens {
		breakdown.MemberCosts[member] = mm.Cost
		breakdown.TotalCost += mm.Cost
	}
	return breakdown
}

func tokenUsageByMember(responses []models.InitialResponse) map[string]models.TokenUsage {
	out := make(map[string]models.TokenUsage, len(responses))
	for _, r := range responses {
		out[r.CouncilMemberID] = r.TokenUsage
	}
	return out
}
