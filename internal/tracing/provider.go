package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ExporterType selects which span exporter NewProvider wires up, mirroring
// the teacher's observability.ExporterType enum.
type ExporterType string

const (
	ExporterOTLP    ExporterType = "otlp"
	ExporterConsole ExporterType = "console"
	ExporterNone    ExporterType = "none"
)

// ProviderConfig configures the process-wide TracerProvider.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	Exporter       ExporterType
	OTLPEndpoint   string // host:port, required when Exporter == ExporterOTLP
}

// NewProvider builds and installs a global TracerProvider for cfg.Exporter.
// Callers must invoke the returned shutdown func before process exit so
// buffered spans are flushed. ExporterNone installs otel's built-in no-op
// provider and returns a no-op shutdown.
func NewProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.Exporter == ExporterNone || cfg.Exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case ExporterConsole:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	default:
		return nil, fmt.Errorf("tracing: unsupported exporter type %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build %s exporter: %w", cfg.Exporter, err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
