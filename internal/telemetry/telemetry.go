// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const tracerName = "github.com/opensource-finance/kestrel"

// Init installs the global tracer provider. When tracing is disabled or no
// endpoint is configured the global no-op provider stays in place.
// The returned function flushes and stops the exporter.
func Init(ctx context.Context, cfg domain.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		slog.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "kestrel"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", name)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the kestrel tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// TxID tags a span with the transaction id.
func TxID(id string) attribute.KeyValue {
	return attribute.String("tx.id", id)
}

// ChainID tags a span with the chain id.
func ChainID(id string) attribute.KeyValue {
	return attribute.String("chain.id", id)
}

// Sequence tags a span with an audit sequence.
func Sequence(seq uint64) attribute.KeyValue {
	return attribute.Int64("audit.sequence", int64(seq))
}

// ModelVersion tags a span with the scoring model version.
func ModelVersion(v string) attribute.KeyValue {
	return attribute.String("model.version", v)
}
