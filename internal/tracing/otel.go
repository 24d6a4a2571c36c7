package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ProviderOptions describes the tracer provider installed by Setup.
type ProviderOptions struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans recorded. Child spans follow
	// their parent's decision.
	SampleRatio float64
}

// ShutdownFunc flushes and stops a provider installed by Setup.
type ShutdownFunc func(context.Context) error

// Setup installs an SDK tracer provider as the otel global and returns the
// function that tears it down. Without Setup, spans go to otel's no-op
// provider and only the trace_id correlation in Context survives.
func Setup(opts ProviderOptions) (ShutdownFunc, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "conductor"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan opens a span named spanName on the tracer for component. The
// returned context always carries a trace id: an existing one is kept,
// otherwise the span's own id is adopted so logs and spans line up.
func StartSpan(ctx context.Context, component, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sid := GetSessionID(ctx); sid != "" {
		attrs = append(attrs, attribute.String("conductor.session_id", sid))
	}

	ctx, span := otel.Tracer(component).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) != "" {
		return ctx, span
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		return WithTraceID(ctx, sc.TraceID().String()), span
	}
	return ctx, span
}

// RecordError marks span failed with err. nil is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
