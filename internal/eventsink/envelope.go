package eventsink

import (
	"encoding/json"
	"time"
)

// eventType names the one topic/exchange-routing-key per logged event,
// mirrored across every broker-backed sink so Kafka and RabbitMQ
// deployments can be swapped without touching call sites.
type eventType string

const (
	eventRequest            eventType = "council.request"
	eventCouncilResponse    eventType = "council.response"
	eventDeliberationRound  eventType = "council.deliberation_round"
	eventConsensusDecision  eventType = "council.consensus_decision"
	eventCost               eventType = "council.cost"
	eventProviderFailure    eventType = "council.provider_failure"
	eventNegotiationRound   eventType = "council.negotiation_round"
	eventNegotiationResp    eventType = "council.negotiation_response"
	eventConsensusMetadata  eventType = "council.consensus_metadata"
)

// envelope is the wire shape every broker-backed sink marshals and
// publishes; requestID is empty for process-scoped events like
// LogProviderFailure.
type envelope struct {
	Type      eventType   `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func marshalEnvelope(typ eventType, requestID string, payload interface{}, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{Type: typ, RequestID: requestID, Payload: payload, Timestamp: now})
}
