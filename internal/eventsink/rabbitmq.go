package eventsink

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/council-proxy/core/internal/models"
)

// RabbitMQSink publishes one JSON envelope per logged event to a topic
// exchange, routed by event type. A single channel is reused and
// protected by a mutex since amqp091 channels are not safe for
// concurrent publish.
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *logrus.Entry
	metrics  sinkMetrics
	mu       sync.Mutex
}

// NewRabbitMQSink dials url and declares a topic exchange named exchange.
func NewRabbitMQSink(url, exchange string, log *logrus.Logger) (*RabbitMQSink, error) {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "eventsink.rabbitmq")

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange, log: entry}, nil
}

func (s *RabbitMQSink) Close() error {
	s.ch.Close()
	return s.conn.Close()
}

func (s *RabbitMQSink) Metrics() Snapshot { return s.metrics.snapshot() }

func (s *RabbitMQSink) publish(ctx context.Context, typ eventType, requestID string, payload interface{}) {
	body, err := marshalEnvelope(typ, requestID, payload, time.Now())
	if err != nil {
		s.metrics.recordPublish(false)
		s.log.WithError(err).Warn("failed to encode event envelope")
		return
	}

	s.mu.Lock()
	err = s.ch.PublishWithContext(ctx, s.exchange, string(typ), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	s.mu.Unlock()

	s.metrics.recordPublish(err == nil)
	if err != nil {
		s.log.WithError(err).WithField("event_type", typ).Warn("failed to publish event")
	}
}

func (s *RabbitMQSink) LogRequest(ctx context.Context, req models.UserRequest) {
	s.publish(ctx, eventRequest, req.ID, req)
}

func (s *RabbitMQSink) LogCouncilResponse(ctx context.Context, requestID string, resp models.InitialResponse) {
	s.publish(ctx, eventCouncilResponse, requestID, resp)
}

func (s *RabbitMQSink) LogDeliberationRound(ctx context.Context, requestID string, round models.DeliberationRound) {
	s.publish(ctx, eventDeliberationRound, requestID, round)
}

func (s *RabbitMQSink) LogConsensusDecision(ctx context.Context, requestID string, decision models.ConsensusDecision) {
	s.publish(ctx, eventConsensusDecision, requestID, decision)
}

func (s *RabbitMQSink) LogCost(ctx context.Context, requestID string, breakdown models.CostBreakdown, tokensByMember map[string]models.TokenUsage) {
	s.publish(ctx, eventCost, requestID, struct {
		Breakdown models.CostBreakdown         `json:"breakdown"`
		Tokens    map[string]models.TokenUsage `json:"tokens_by_member"`
	}{breakdown, tokensByMember})
}

func (s *RabbitMQSink) LogProviderFailure(ctx context.Context, providerID string, failure error) {
	s.publish(ctx, eventProviderFailure, "", struct {
		ProviderID string `json:"provider_id"`
		Error      string `json:"error"`
	}{providerID, failure.Error()})
}

func (s *RabbitMQSink) LogNegotiationRound(ctx context.Context, requestID string, roundNumber int, responses []models.NegotiationResponse) {
	s.publish(ctx, eventNegotiationRound, requestID, struct {
		RoundNumber int                          `json:"round_number"`
		Responses   []models.NegotiationResponse `json:"responses"`
	}{roundNumber, responses})
}

func (s *RabbitMQSink) LogNegotiationResponse(ctx context.Context, requestID string, resp models.NegotiationResponse) {
	s.publish(ctx, eventNegotiationResp, requestID, resp)
}

func (s *RabbitMQSink) LogConsensusMetadata(ctx context.Context, requestID string, meta models.IterativeConsensusMetadata) {
	s.publish(ctx, eventConsensusMetadata, requestID, meta)
}
