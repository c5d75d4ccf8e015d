package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/telemetry"
)

func newRecorder(t *testing.T, opts ...telemetry.Option) (*telemetry.Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return telemetry.New(append([]telemetry.Option{telemetry.WithMetrics(met)}, opts...)...), reader
}

func TestStats_Aggregates(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t)
	ctx := context.Background()

	r.RecordMatch(ctx, "s1", 10*time.Millisecond, nil)
	r.RecordMatch(ctx, "s1", 30*time.Millisecond, errors.New("boom"))
	r.RecordStore(ctx, "s1", 20*time.Millisecond, nil)
	r.RecordDiarization(ctx, "s1", 40*time.Millisecond, 3, "")
	r.RecordDiarization(ctx, "s2", 0, 0, "silent_fallback")

	s := r.Stats()
	if s.Total != 5 || s.Successes != 3 || s.Failures != 2 {
		t.Fatalf("counts = %d/%d/%d, want 5/3/2", s.Total, s.Successes, s.Failures)
	}
	if s.FailureRate != 0.4 {
		t.Errorf("FailureRate = %v, want 0.4", s.FailureRate)
	}
	if s.AverageLatency != 20*time.Millisecond {
		t.Errorf("AverageLatency = %v, want 20ms", s.AverageLatency)
	}
	if s.ByOperation["match"] != 2 || s.ByOperation["store"] != 1 || s.ByOperation["diarization"] != 2 {
		t.Errorf("ByOperation = %v", s.ByOperation)
	}
	if s.FailuresByCategory["error"] != 1 || s.FailuresByCategory["silent_fallback"] != 1 {
		t.Errorf("FailuresByCategory = %v", s.FailuresByCategory)
	}
}

func TestStats_Empty(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t)
	s := r.Stats()
	if s.Total != 0 || s.FailureRate != 0 || s.AverageLatency != 0 {
		t.Errorf("empty stats = %+v", s)
	}
}

func TestRecordHealthTransition(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t)
	ctx := context.Background()

	r.RecordHealthTransition(ctx, "s1", "active", "segments_flowing")
	r.RecordHealthTransition(ctx, "s1", "degraded", "no_segments_warning")
	r.RecordHealthTransition(ctx, "s1", "failed", "no_segments_timeout")

	s := r.Stats()
	if s.Successes != 1 || s.Failures != 2 {
		t.Errorf("successes/failures = %d/%d, want 1/2", s.Successes, s.Failures)
	}
	if s.FailuresByCategory["no_segments_timeout"] != 1 {
		t.Errorf("FailuresByCategory = %v", s.FailuresByCategory)
	}
}

func TestRecord_DefaultsOutcomeAndTime(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newRecorder(t, telemetry.WithClock(func() time.Time { return at }))
	ctx := context.Background()

	r.Record(ctx, telemetry.Event{Operation: telemetry.OpRecovery})
	r.Record(ctx, telemetry.Event{Operation: telemetry.OpRecovery, FailureCategory: "timeout"})

	got := r.Recent(2)
	if got[0].Outcome != telemetry.OutcomeSuccess || !got[0].At.Equal(at) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Outcome != telemetry.OutcomeFailure {
		t.Errorf("second outcome = %q, want failure", got[1].Outcome)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t, telemetry.WithHistorySize(3))
	ctx := context.Background()
	for i := range 5 {
		r.RecordDiarization(ctx, "s", time.Duration(i)*time.Second, i, "")
	}
	got := r.Recent(10)
	if len(got) != 3 || got[0].SpeakerCount != 2 || got[2].SpeakerCount != 4 {
		t.Errorf("recent = %+v", got)
	}
	r.Reset()
	if r.Stats().Total != 0 {
		t.Error("Reset should clear history")
	}
}

func TestRecord_EmitsMetrics(t *testing.T) {
	t.Parallel()
	r, reader := newRecorder(t)
	ctx := context.Background()
	r.RecordMatch(ctx, "s", time.Millisecond, nil)
	r.RecordMatch(ctx, "s", time.Millisecond, nil)
	r.RecordStore(ctx, "s", time.Millisecond, errors.New("x"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var matches, failures int64
	var histCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "voxid.operations":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					op, _ := dp.Attributes.Value("operation")
					out, _ := dp.Attributes.Value("outcome")
					if op.AsString() == "match" && out.AsString() == "success" {
						matches += dp.Value
					}
					if out.AsString() == "failure" {
						failures += dp.Value
					}
				}
			case "voxid.operation.duration":
				for _, dp := range m.Data.(metricdata.Histogram[float64]).DataPoints {
					histCount += dp.Count
				}
			}
		}
	}
	if matches != 2 || failures != 1 {
		t.Errorf("operations match/failure = %d/%d, want 2/1", matches, failures)
	}
	if histCount != 3 {
		t.Errorf("duration observations = %d, want 3", histCount)
	}
}
