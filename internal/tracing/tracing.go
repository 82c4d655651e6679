// Package tracing wraps the orchestration request, its member calls and
// its deliberation rounds in OpenTelemetry spans (A5); the consensus
// loop's negotiation rounds are not traced. The span helpers here only
// call otel.Tracer; NewProvider (provider.go) builds and installs the
// global TracerProvider for a chosen exporter.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/council-proxy/core"

// StartRequest opens the top-level span for one processRequest call.
func StartRequest(ctx context.Context, requestID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "processRequest",
		trace.WithAttributes(attribute.String("council.request_id", requestID)))
	return ctx, span
}

// StartRound opens a child span for one round-0 fan-out, deliberation
// round, or negotiation round.
func StartRound(ctx context.Context, stage string, roundNumber int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, stage,
		trace.WithAttributes(attribute.Int("council.round_number", roundNumber)))
	return ctx, span
}

// StartMemberCall opens a child span for one C3 sendRequest call.
func StartMemberCall(ctx context.Context, memberID, provider string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pool.sendRequest",
		trace.WithAttributes(
			attribute.String("council.member_id", memberID),
			attribute.String("council.provider", provider),
		))
	return ctx, span
}

// EndWithError records err on span (if non-nil) and sets the span status
// before ending it; a nil err marks the span Ok.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
