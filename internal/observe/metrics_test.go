package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumOf adds up every data point of an int64 sum whose attributes include
// all of attrs.
func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q has type %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if hasAttrs(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// countOf is the number of observations of a float64 histogram whose
// attributes include all of attrs.
func countOf(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q has type %T, want Histogram[float64]", name, met.Data)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		if hasAttrs(dp.Attributes, attrs) {
			n += dp.Count
		}
	}
	return n
}

func hasAttrs(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, want := range attrs {
		got, ok := set.Value(want.Key)
		if !ok || got.Emit() != want.Value.Emit() {
			return false
		}
	}
	return true
}

// TestMetrics_SessionLifecycle records what one failed and one clean session
// would emit and checks every instrument.
func TestMetrics_SessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// First session: connect fails.
	m.SessionsStarted.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.RecordConnect(ctx, 2.1, "error")
	m.RecordSessionError(ctx, "open")
	m.ActiveSessions.Add(ctx, -1)

	// Second session: connects, streams, and stays live.
	m.SessionsStarted.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.RecordConnect(ctx, 0.4, "ok")
	m.RecordFrameDropped(ctx, "not_open")
	m.FramesSent.Add(ctx, 25)
	m.SegmentsScheduled.Add(ctx, 3)
	m.PlaybackLead.Record(ctx, 0.12)
	m.PlaybackLead.Record(ctx, 0)
	m.SegmentsLate.Add(ctx, 1)
	m.SegmentsFailed.Add(ctx, 1)
	m.RecordFrameDropped(ctx, "send_failed")
	m.RecordSessionError(ctx, "channel")
	m.TurnsCompleted.Add(ctx, 2)

	rm := collect(t, reader)

	sums := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"aptrium.sessions.started", nil, 2},
		{"aptrium.active_sessions", nil, 1},
		{"aptrium.frames.sent", nil, 25},
		{"aptrium.frames.dropped", nil, 2},
		{"aptrium.frames.dropped", []attribute.KeyValue{Attr("reason", "not_open")}, 1},
		{"aptrium.segments.scheduled", nil, 3},
		{"aptrium.segments.late", nil, 1},
		{"aptrium.segments.failed", nil, 1},
		{"aptrium.turns.completed", nil, 2},
		{"aptrium.session.errors", []attribute.KeyValue{Attr("kind", "open")}, 1},
		{"aptrium.session.errors", []attribute.KeyValue{Attr("kind", "channel")}, 1},
		{"aptrium.session.errors", []attribute.KeyValue{Attr("kind", "device")}, 0},
	}
	for _, s := range sums {
		if got := sumOf(t, rm, s.name, s.attrs...); got != s.want {
			t.Errorf("%s%v = %d, want %d", s.name, s.attrs, got, s.want)
		}
	}

	hists := []struct {
		name  string
		attrs []attribute.KeyValue
		want  uint64
	}{
		{"aptrium.connect.duration", nil, 2},
		{"aptrium.connect.duration", []attribute.KeyValue{Attr("status", "ok")}, 1},
		{"aptrium.connect.duration", []attribute.KeyValue{Attr("status", "error")}, 1},
		{"aptrium.playback.lead", nil, 2},
	}
	for _, h := range hists {
		if got := countOf(t, rm, h.name, h.attrs...); got != h.want {
			t.Errorf("%s%v observations = %d, want %d", h.name, h.attrs, got, h.want)
		}
	}
}

func TestMetrics_LatencyBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordConnect(context.Background(), 0.3, "ok")

	met := findMetric(collect(t, reader), "aptrium.connect.duration")
	if met == nil {
		t.Fatal("aptrium.connect.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	bounds := hist.DataPoints[0].Bounds
	if len(bounds) != len(latencyBuckets) || bounds[0] != latencyBuckets[0] {
		t.Errorf("bounds = %v, want %v", bounds, latencyBuckets)
	}
	if met.Unit != "s" {
		t.Errorf("unit = %q, want s", met.Unit)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
