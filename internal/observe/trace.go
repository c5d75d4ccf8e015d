package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxid tracer.
const tracerName = "github.com/MrWong99/voxid"

// Span attribute keys shared by voxid spans.
const (
	AttrSessionID  = attribute.Key("voxid.session_id")
	AttrSpeakerID  = attribute.Key("voxid.speaker_id")
	AttrLabel      = attribute.Key("voxid.transient_label")
	AttrConfidence = attribute.Key("voxid.confidence")
	AttrSimilarity = attribute.Key("voxid.similarity")
	AttrNewSpeaker = attribute.Key("voxid.new_speaker")
	AttrCandidates = attribute.Key("voxid.candidates")
)

// Tracer returns the voxid [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the voxid tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// FailSpan records err on span and marks it failed. A nil err is a no-op.
// It returns err so call sites can write `return observe.FailSpan(span, err)`.
func FailSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// HTTP responses carry it in X-Correlation-ID and in API error bodies.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
