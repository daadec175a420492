// Package telemetry wires OpenTelemetry tracing. Each pipeline stage runs
// inside its own span.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/lucasnoah/recdeploy/internal/orchestrator"

// Config configures the exporter. An empty Endpoint disables export.
type Config struct {
	Endpoint    string
	ServiceName string
	Version     string
	Insecure    bool
}

// Tracer starts stage spans.
type Tracer struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Setup builds a tracer exporting over OTLP/HTTP. With no endpoint the
// returned tracer records nothing.
func Setup(ctx context.Context, cfg Config) (*Tracer, error) {
	if cfg.Endpoint == "" {
		return Noop(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "recdeploy"
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
	if cfg.Insecure || strings.HasPrefix(cfg.Endpoint, "http://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: tp.Tracer(instrumentationName), shutdown: tp.Shutdown}, nil
}

// New wraps an existing provider, e.g. one backed by a span recorder.
func New(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return New(noop.NewTracerProvider())
}

// StartStage opens the span for producing stage of a recommendation.
func (t *Tracer) StartStage(ctx context.Context, recID, runID, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stage."+stage, trace.WithAttributes(
		attribute.String("rec.id", recID),
		attribute.String("run.id", runID),
		attribute.String("stage", stage),
	))
}

// StartRun opens the span covering one worker's pass over a recommendation.
func (t *Tracer) StartRun(ctx context.Context, recID, runID, mode string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("rec.id", recID),
		attribute.String("run.id", runID),
		attribute.String("mode", mode),
	))
}

// End closes span, marking it failed when err is set.
func End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
