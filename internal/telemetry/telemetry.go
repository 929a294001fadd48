// Package telemetry wires OpenTelemetry tracing for the service.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every span and instrument.
const ScopeName = "github.com/jordanhubbard/holly"

// Telemetry bundles the tracer and stage instruments handed to components.
type Telemetry struct {
	Tracer       trace.Tracer
	StageLatency metric.Float64Histogram
	shutdown     func(context.Context) error
}

// Noop returns telemetry that records nothing; used when no endpoint is set
// and in tests.
func Noop() *Telemetry {
	t, _ := build(otel.GetTracerProvider().Tracer(ScopeName), otel.GetMeterProvider().Meter(ScopeName))
	t.shutdown = func(context.Context) error { return nil }
	return t
}

func build(tracer trace.Tracer, meter metric.Meter) (*Telemetry, error) {
	latency, err := meter.Float64Histogram(
		"holly.stage.latency",
		metric.WithDescription("Lifecycle stage latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Tracer: tracer, StageLatency: latency}, nil
}

// Init configures an OTLP gRPC exporter and installs the global provider
// and propagator.
func Init(ctx context.Context, serviceName, version, endpoint string, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t, err := build(traceProvider.Tracer(ScopeName), otel.Meter(ScopeName))
	if err != nil {
		return nil, err
	}
	t.shutdown = func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}

	logger.Info("telemetry initialized", "endpoint", endpoint)
	return t, nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// StartStage opens a span for a lifecycle stage. The returned function ends
// the span, records the error if any, and observes the stage latency.
func (t *Telemetry) StartStage(ctx context.Context, stage, improvementID string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := t.Tracer.Start(ctx, "improvement."+stage,
		trace.WithAttributes(attribute.String("improvement.id", improvementID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.StageLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("stage", stage), attribute.Bool("success", err == nil)))
	}
}
