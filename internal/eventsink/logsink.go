package eventsink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/council-proxy/core/internal/models"
)

// LogSink writes every event as a structured logrus line. It is the
// zero-config default sink and a reasonable fallback when no broker is
// configured; it never fails, so it has no swallow logic of its own.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink builds a sink writing through log, or a fresh logrus.Logger if nil.
func NewLogSink(log *logrus.Logger) *LogSink {
	if log == nil {
		log = logrus.New()
	}
	return &LogSink{log: log.WithField("component", "eventsink.log")}
}

func (s *LogSink) LogRequest(ctx context.Context, req models.UserRequest) {
	s.log.WithField("request_id", req.ID).WithField("query", req.Query).Info("request received")
}

func (s *LogSink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
	s.log.WithField("request_id", requestID).WithField("member", resp.CouncilMemberID).
		WithField("latency", resp.Latency).Info("council response")
}

func (s *LogSink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
	s.log.WithField("request_id", requestID).WithField("round", round.RoundNumber).
		WithField("exchanges", len(round.Exchanges)).Info("deliberation round")
}

func (s *LogSink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
	s.log.WithField("request_id", requestID).WithField("strategy", decision.SynthesisStrategy).
		WithField("confidence", decision.Confidence).Info("consensus decision")
}

func (s *LogSink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
	s.log.WithField("request_id", requestID).WithField("total_cost", breakdown.TotalCost).Info("cost recorded")
}

func (s *LogSink) LogProviderFailure(ctx context.Context, providerID string, failure error) {
	s.log.WithField("provider_id", providerID).WithError(failure).Warn("provider failure")
}

func (s *LogSink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	s.log.WithField("request_id", requestID).WithField("round", roundNumber).
		WithField("responses", len(responses)).Info("negotiation round")
}

func (s *LogSink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	s.log.WithField("request_id", requestID).WithField("member", resp.CouncilMemberID).Info("negotiation response")
}

func (s *LogSink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
	s.log.WithField("request_id", requestID).WithField("total_rounds", meta.TotalRounds).
		WithField("consensus_achieved", meta.ConsensusAchieved).Info("consensus metadata")
}
