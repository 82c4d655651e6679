package eventsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/council-proxy/core/internal/models"
)

// PostgresSink mirrors every logged event into a single append-only
// table for analytics replay, grounded on the request-repository pattern
// of JSON-marshaling nested fields before a parameterized INSERT.
type PostgresSink struct {
	pool    *pgxpool.Pool
	log     *logrus.Entry
	metrics sinkMetrics
}

// NewPostgresSink wraps an already-constructed pool; callers own the
// pool's lifecycle (including Close).
func NewPostgresSink(pool *pgxpool.Pool, log *logrus.Logger) *PostgresSink {
	if log == nil {
		log = logrus.New()
	}
	return &PostgresSink{pool: pool, log: log.WithField("component", "eventsink.postgres")}
}

func (s *PostgresSink) Metrics() Snapshot { return s.metrics.snapshot() }

// EnsureSchema creates the mirror table if it does not already exist.
// Safe to call repeatedly at startup.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS council_events (
    id          BIGSERIAL PRIMARY KEY,
    event_type  TEXT NOT NULL,
    request_id  TEXT,
    payload     JSONB NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL
)`)
	return err
}

func (s *PostgresSink) publish(ctx context.Context, typ eventType, requestID string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.metrics.recordPublish(false)
		s.log.WithError(err).Warn("failed to encode event payload")
		return
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO council_events (event_type, request_id, payload, occurred_at) VALUES ($1, $2, $3, $4)`,
		string(typ), nullableRequestID(requestID), body, time.Now())

	s.metrics.recordPublish(err == nil)
	if err != nil {
		s.log.WithError(err).WithField("event_type", typ).Warn("failed to persist event")
	}
}

func nullableRequestID(requestID string) interface{} {
	if requestID == "" {
		return nil
	}
	return requestID
}

func (s *PostgresSink) LogRequest(ctx context.Context, req models.UserRequest) {
	s.publish(ctx, eventRequest, req.ID, req)
}

func (s *PostgresSink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
	s.publish(ctx, eventCouncilResponse, requestID, resp)
}

func (s *PostgresSink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
	s.publish(ctx, eventDeliberationRound, requestID, round)
}

func (s *PostgresSink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
	s.publish(ctx, eventConsensusDecision, requestID, decision)
}

func (s *PostgresSink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
	s.publish(ctx, eventCost, requestID, struct {
		Breakdown models.CostBreakdown         `json:"breakdown"`
		Tokens    map[string]models.TokenUsage `json:"tokens_by_member"`
	}{breakdown, tokensByMember})
}

func (s *PostgresSink) LogProviderFailure(ctx context.Context, providerID string, failure error) {
	s.publish(ctx, eventProviderFailure, "", struct {
		ProviderID string `json:"provider_id"`
		Error      string `json:"error"`
	}{providerID, failure.Error()})
}

func (s *PostgresSink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	s.publish(ctx, eventNegotiationRound, requestID, struct {
		RoundNumber int                          `json:"round_number"`
		Responses   []models.NegotiationResponse `json:"responses"`
	}{roundNumber, responses})
}

func (s *PostgresSink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	s.publish(ctx, eventNegotiationResp, requestID, resp)
}

func (s *PostgresSink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
	s.publish(ctx, eventConsensusMetadata, requestID, meta)
}
