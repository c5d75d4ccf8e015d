package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestFailSpan(t *testing.T) {
	tp, exp := newRecordingTracer(t)

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	if err := FailSpan(ok, nil); err != nil {
		t.Errorf("FailSpan(nil) = %v", err)
	}
	ok.End()

	_, bad := tp.Tracer("test").Start(context.Background(), "bad")
	want := errors.New("store unavailable")
	if err := FailSpan(bad, want); err != want {
		t.Errorf("FailSpan returned %v, want the input error", err)
	}
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("nil error changed span: status %v, %d events", spans[0].Status.Code, len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "store unavailable" {
		t.Errorf("status = %v %q, want error", spans[1].Status.Code, spans[1].Status.Description)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", spans[1].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newRecordingTracer(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "session")
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want the span's trace id", cid)
	}
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
}

func TestLogger_TraceAttributes(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("identity: session ended")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}
	buf.Reset()

	tp, _ := newRecordingTracer(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "identity.ProcessEmbeddingEvent")
	defer span.End()

	Logger(ctx).Info("identity: created speaker", "speaker_id", "spk-1")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("log output missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log output missing span_id: %s", out)
	}
}
