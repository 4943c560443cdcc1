package observe

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// installTracer registers an in-memory tracer provider globally for the
// test and returns its exporter.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "session.connect")
		cid := CorrelationID(ctx)
		span.End()
		if !hexTraceID.MatchString(cid) {
			t.Fatalf("CorrelationID = %q, want 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("root spans share trace ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_ChildSharesTrace(t *testing.T) {
	exp := installTracer(t)

	ctx, parent := StartSessionSpan(context.Background(), "session.start", "s-1")
	_, child := StartSpan(ctx, "playback.schedule")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	p, c := byName["session.start"], byName["playback.schedule"]
	if c.SpanContext.TraceID() != p.SpanContext.TraceID() {
		t.Error("child span started a new trace")
	}
	if c.Parent.SpanID() != p.SpanContext.SpanID() {
		t.Error("child span is not parented to the session span")
	}
	if v, ok := spanAttr(p, SessionIDKey); !ok || v.AsString() != "s-1" {
		t.Errorf("session span %s = %q, want s-1", SessionIDKey, v.AsString())
	}
	if _, ok := spanAttr(c, SessionIDKey); ok {
		t.Error("plain child span unexpectedly tagged with session ID")
	}
}

func TestLoggers(t *testing.T) {
	installTracer(t)
	spanCtx, span := StartSpan(context.Background(), "transcript.turn")
	defer span.End()

	tests := []struct {
		name    string
		log     func()
		want    []string
		notWant []string
	}{
		{
			name:    "no span",
			log:     func() { Logger(context.Background()).Info("turn") },
			notWant: []string{"trace_id=", "span_id="},
		},
		{
			name: "with span",
			log:  func() { Logger(spanCtx).Info("turn") },
			want: []string{"trace_id=" + CorrelationID(spanCtx), "span_id="},
		},
		{
			name:    "session without span",
			log:     func() { SessionLogger(context.Background(), "s-9").Info("turn") },
			want:    []string{"session_id=s-9"},
			notWant: []string{"trace_id="},
		},
		{
			name: "session with span",
			log:  func() { SessionLogger(spanCtx, "s-9").Info("turn") },
			want: []string{"session_id=s-9", "trace_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefaultLog(t)
			tt.log()
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q: %s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log output contains %q: %s", w, out)
				}
			}
		})
	}
}
