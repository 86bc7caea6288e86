package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope for presence metrics.
const MeterName = "github.com/vinayprograms/presencekit"

// Metrics holds the presence instruments. A nil *Metrics records nothing.
type Metrics struct {
	events        metric.Int64Counter
	eventErrors   metric.Int64Counter
	eventLatency  metric.Float64Histogram
	notifications metric.Int64Counter
	mailboxes     metric.Int64UpDownCounter
	busDropped    metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.events, err = meter.Int64Counter("presence.events",
		metric.WithDescription("Events applied to devices"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.eventErrors, err = meter.Int64Counter("presence.event.errors",
		metric.WithDescription("Events that failed to apply"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.eventLatency, err = meter.Float64Histogram("presence.event.duration",
		metric.WithDescription("Time from dispatch to persisted state"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter("presence.notifications",
		metric.WithDescription("Status notifications by outcome"),
		metric.WithUnit("{notification}")); err != nil {
		return nil, err
	}
	if m.mailboxes, err = meter.Int64UpDownCounter("presence.mailboxes.active",
		metric.WithDescription("Devices with a live mailbox goroutine"),
		metric.WithUnit("{device}")); err != nil {
		return nil, err
	}
	if m.busDropped, err = meter.Int64Counter("presence.bus.dropped",
		metric.WithDescription("Messages the bus could not deliver to a full subscriber"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultMetrics creates instruments on the global meter provider. Falls
// back to no-op instruments if creation fails.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(MeterName))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	}
	return m
}

// Event records one applied event with its latency and error code.
func (m *Metrics) Event(ctx context.Context, kind string, d time.Duration, code string) {
	if m == nil {
		return
	}
	kindAttr := attribute.String("event", kind)
	m.events.Add(ctx, 1, metric.WithAttributes(kindAttr))
	m.eventLatency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(kindAttr))
	if code != "" {
		m.eventErrors.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("code", code)))
	}
}

// Notification records a status notification handed to the publisher.
// outcome is "published" or the error code it was rejected with.
func (m *Metrics) Notification(ctx context.Context, status, outcome string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("outcome", outcome)))
}

// BusDropped records a message dropped on subject.
func (m *Metrics) BusDropped(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.busDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// MailboxDelta tracks mailbox goroutines starting (+1) and retiring (-1).
func (m *Metrics) MailboxDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.mailboxes.Add(ctx, delta)
}
