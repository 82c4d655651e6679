package eventsink

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/council-proxy/core/internal/models"
)

// KafkaSink publishes one JSON envelope per logged event to a single
// topic, partitioned by request id. Publish failures are logged and
// swallowed per §6/§7's "EventSink errors never fail a request" rule.
type KafkaSink struct {
	writer  *kafka.Writer
	log     *logrus.Entry
	metrics sinkMetrics
}

// NewKafkaSink builds a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, log *logrus.Logger) *KafkaSink {
	if log == nil {
		log = logrus.New()
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		log: log.WithField("component", "eventsink.kafka"),
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Metrics returns a point-in-time snapshot of publish health.
func (s *KafkaSink) Metrics() Snapshot { return s.metrics.snapshot() }

func (s *KafkaSink) publish(ctx context.Context, typ eventType, requestID string, payload interface{}) {
	body, err := marshalEnvelope(typ, requestID, payload, time.Now())
	if err != nil {
		s.metrics.recordPublish(false)
		s.log.WithError(err).Warn("failed to encode event envelope")
		return
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(requestID), Value: body})
	s.metrics.recordPublish(err == nil)
	if err != nil {
		s.log.WithError(err).WithField("event_type", typ).Warn("failed to publish event")
	}
}

func (s *KafkaSink) LogRequest(ctx context.Context, req models.UserRequest) {
	s.publish(ctx, eventRequest, req.ID, req)
}

func (s *KafkaSink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
	s.publish(ctx, eventCouncilResponse, requestID, resp)
}

func (s *KafkaSink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
	s.publish(ctx, eventDeliberationRound, requestID, round)
}

func (s *KafkaSink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
	s.publish(ctx, eventConsensusDecision, requestID, decision)
}

func (s *KafkaSink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
	s.publish(ctx, eventCost, requestID, struct {
		Breakdown models.CostBreakdown         `json:"breakdown"`
		Tokens    map[string]models.TokenUsage `json:"tokens_by_member"`
	}{breakdown, tokensByMember})
}

func (s *KafkaSink) LogProviderFailure(ctx context.Context, providerID string, failure error) {
	s.publish(ctx, eventProviderFailure, "", struct {
		ProviderID string `json:"provider_id"`
		Error      string `json:"error"`
	}{providerID, failure.Error()})
}

func (s *KafkaSink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	s.publish(ctx, eventNegotiationRound, requestID, struct {
		RoundNumber int                          `json:"round_number"`
		Responses   []models.NegotiationResponse `json:"responses"`
	}{roundNumber, responses})
}

func (s *KafkaSink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	s.publish(ctx, eventNegotiationResp, requestID, resp)
}

func (s *KafkaSink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
	s.publish(ctx, eventConsensusMetadata, requestID, meta)
}
