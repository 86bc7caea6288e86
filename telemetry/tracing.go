// OpenTelemetry tracing for presence operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with presence-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Presence Spans ---

// StartDispatchSpan starts a span for one event applied to one device.
func (t *Tracer) StartDispatchSpan(ctx context.Context, deviceID, event string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "presence."+event, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("presence.device_id", deviceID),
		attribute.String("presence.event", event),
	)
	return ctx, span
}

// StartIngressSpan starts a span for a message consumed from the bus.
func (t *Tracer) StartIngressSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "consume "+subject, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.system", "presencekit"),
		attribute.String("messaging.destination.name", subject),
	)
	return ctx, span
}

// StartServerSpan starts a span for an HTTP request, continuing any trace
// propagated in the request headers.
func (t *Tracer) StartServerSpan(ctx context.Context, route string, header propagation.HeaderCarrier) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, header)
	return t.tracer.Start(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
