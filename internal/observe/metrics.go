// Package observe wires OpenTelemetry into aptrium: the session and playback
// metrics, spans with correlation IDs, trace-aware slog loggers and the
// diagnostics HTTP middleware.
//
// [InitProvider] bridges metrics to Prometheus for GET /metrics. Code that
// has no injected [Metrics] uses [DefaultMetrics]; tests build their own with
// [NewMetrics] on a private provider.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all aptrium metrics.
const meterName = "github.com/MrWong99/aptrium"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Start to the channel becoming
	// ready. Use with attribute:
	//   attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the device clock each segment was
	// scheduled. Zero means the segment started late and played immediately.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts Start calls that created a session.
	SessionsStarted metric.Int64Counter

	// FramesSent counts captured frames handed to the session channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames the channel did not accept. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// SegmentsScheduled counts audio segments placed on the playback timeline.
	SegmentsScheduled metric.Int64Counter

	// SegmentsLate counts segments whose cursor had fallen behind the device
	// clock.
	SegmentsLate metric.Int64Counter

	// TurnsCompleted counts finalised conversation turns.
	TurnsCompleted metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// SegmentsFailed counts segments that could not be decoded or scheduled.
	SegmentsFailed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bounds in seconds, spanning a fast local
// schedule through a slow websocket handshake.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp. It fails on the first
// instrument the provider rejects.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := instruments{meter: mp.Meter(meterName)}
	met := &Metrics{
		ConnectDuration: b.seconds("aptrium.connect.duration",
			"Time from session start until the live channel is ready.", latencyBuckets),
		PlaybackLead: b.seconds("aptrium.playback.lead",
			"Distance between a segment's start time and the device clock when it was scheduled.", latencyBuckets),

		SessionsStarted:   b.counter("aptrium.sessions.started", "Total conversation sessions started."),
		FramesSent:        b.counter("aptrium.frames.sent", "Total captured audio frames sent to the agent."),
		FramesDropped:     b.counter("aptrium.frames.dropped", "Total captured audio frames dropped, by reason."),
		SegmentsScheduled: b.counter("aptrium.segments.scheduled", "Total agent audio segments scheduled for playback."),
		SegmentsLate:      b.counter("aptrium.segments.late", "Total agent audio segments that arrived after the playback cursor."),
		TurnsCompleted:    b.counter("aptrium.turns.completed", "Total finalised conversation turns."),

		SessionErrors:  b.counter("aptrium.session.errors", "Total session failures by kind."),
		SegmentsFailed: b.counter("aptrium.segments.failed", "Total agent audio segments that failed to decode or schedule."),

		HTTPRequestDuration: b.seconds("aptrium.http.request.duration",
			"HTTP request latency by method and path.", nil),
	}
	if b.err == nil {
		met.ActiveSessions, b.err = b.meter.Int64UpDownCounter("aptrium.active_sessions",
			metric.WithDescription("Number of live conversation sessions."))
	}
	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return met, nil
}

// instruments creates instruments on meter and keeps the first error. Once
// err is set, later calls return nil instruments.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	var h metric.Float64Histogram
	h, b.err = b.meter.Float64Histogram(name, opts...)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	var c metric.Int64Counter
	c, b.err = b.meter.Int64Counter(name, metric.WithDescription(desc))
	return c
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionError records a session failure of the given kind
// ("device", "channel", "open").
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped records a captured frame the channel did not accept.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnect records the connect latency of a session with its outcome.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
