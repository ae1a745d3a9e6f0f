// Package telemetry wires OpenTelemetry tracing for the gateway: one span
// per inbound request plus child spans around upstream calls, token mints
// and ledger deductions.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/felipepmaragno/tiergate"

// Config selects the exporter. An empty Endpoint keeps the global no-op
// provider so spans cost nothing.
type Config struct {
	ServiceName string
	Version     string
	Endpoint    string
	// SampleRatio applies to root spans; children follow their parent.
	// Zero means sample everything.
	SampleRatio float64
}

func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan resolves the tracer on every call so spans started before Init
// is replaced still go to the current global provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, callerKey, tier, provider, model, requestID string) {
	span.SetAttributes(
		attribute.String("caller.key", callerKey),
		attribute.String("caller.tier", tier),
		attribute.String("gateway.provider", provider),
		attribute.String("gateway.model", model),
		attribute.String("request.id", requestID),
	)
}

func AddQuotaAttributes(span trace.Span, used, limit int, paidVia string) {
	attrs := []attribute.KeyValue{
		attribute.Int("quota.used", used),
		attribute.Int("quota.limit", limit),
	}
	if paidVia != "" {
		attrs = append(attrs, attribute.String("quota.paid_via", paidVia))
	}
	span.SetAttributes(attrs...)
}

// AddStreamAttributes records how a relayed stream ended.
func AddStreamAttributes(span trace.Span, events int, finishReason string) {
	span.SetAttributes(
		attribute.Int("stream.events", events),
		attribute.String("stream.finish_reason", finishReason),
	)
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(attribute.String("error.message", err.Error()))
	span.RecordError(err)
}

// GetTraceID returns the active trace id for log correlation, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
