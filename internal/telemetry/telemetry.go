// Package telemetry records one structured event per diarization operation
// and aggregates them into success, failure and latency statistics.
//
// Each event goes to three sinks: the OTel instruments in
// [observe.Metrics] (exported to Prometheus), a debug-level slog line, and
// a bounded in-memory ring from which [Recorder.Stats] is computed.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/ringlog"
)

// Operation names the kind of work an [Event] describes.
type Operation string

const (
	OpMatch            Operation = "match"
	OpStore            Operation = "store"
	OpDiarization      Operation = "diarization"
	OpHealthTransition Operation = "health_transition"
	OpRecovery         Operation = "recovery"
)

// Outcome is the result of an operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one recorded operation.
type Event struct {
	Operation       Operation     `json:"operation"`
	Outcome         Outcome       `json:"outcome"`
	Duration        time.Duration `json:"duration"`
	SpeakerCount    int           `json:"speaker_count,omitempty"`
	FailureCategory string        `json:"failure_category,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	At              time.Time     `json:"at"`
}

// Stats aggregates the events currently held in the ring.
type Stats struct {
	Total              int            `json:"total"`
	Successes          int            `json:"successes"`
	Failures           int            `json:"failures"`
	FailureRate        float64        `json:"failure_rate"`
	AverageLatency     time.Duration  `json:"average_latency"`
	ByOperation        map[string]int `json:"by_operation"`
	FailuresByCategory map[string]int `json:"failures_by_category"`
}

// Option is a functional option for configuring a [Recorder].
type Option func(*Recorder)

// WithHistorySize caps the number of retained events. Default: 1000.
func WithHistorySize(n int) Option {
	return func(r *Recorder) { r.historySize = n }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is safe for concurrent use.
type Recorder struct {
	historySize int
	metrics     *observe.Metrics
	now         func() time.Time
	events      *ringlog.Log[Event]
}

// New returns a [Recorder].
func New(opts ...Option) *Recorder {
	r := &Recorder{historySize: 1000, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.events = ringlog.New[Event](r.historySize)
	return r
}

// Record stores e. A zero At is set to now; an empty Outcome is treated as
// success unless a failure category is present.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
		if e.FailureCategory != "" {
			e.Outcome = OutcomeFailure
		}
	}
	r.events.Append(e)

	attrs := metric.WithAttributes(
		observe.Attr("operation", string(e.Operation)),
		observe.Attr("outcome", string(e.Outcome)),
	)
	r.metrics.Operations.Add(ctx, 1, attrs)
	r.metrics.OperationDuration.Record(ctx, e.Duration.Seconds(), attrs)

	observe.Logger(ctx).Debug("telemetry: event",
		"operation", e.Operation,
		"outcome", e.Outcome,
		"duration_ms", e.Duration.Milliseconds(),
		"speakers", e.SpeakerCount,
		"failure_category", e.FailureCategory,
		"session_id", e.SessionID,
	)
}

// RecordMatch records one matcher decision.
func (r *Recorder) RecordMatch(ctx context.Context, sessionID string, d time.Duration, err error) {
	r.Record(ctx, Event{Operation: OpMatch, Duration: d, SessionID: sessionID, Outcome: outcomeOf(err), FailureCategory: categoryOf(err)})
}

// RecordStore records one embedding persistence.
func (r *Recorder) RecordStore(ctx context.Context, sessionID string, d time.Duration, err error) {
	r.Record(ctx, Event{Operation: OpStore, Duration: d, SessionID: sessionID, Outcome: outcomeOf(err), FailureCategory: categoryOf(err)})
}

// RecordDiarization records the final outcome of a session. category is the
// failure type for failed sessions and empty otherwise.
func (r *Recorder) RecordDiarization(ctx context.Context, sessionID string, d time.Duration, speakers int, category string) {
	out := OutcomeSuccess
	if category != "" {
		out = OutcomeFailure
	}
	r.Record(ctx, Event{
		Operation:       OpDiarization,
		Outcome:         out,
		Duration:        d,
		SpeakerCount:    speakers,
		FailureCategory: category,
		SessionID:       sessionID,
	})
}

// RecordHealthTransition records a health status change. Transitions into
// degraded or failed count as failures categorised by reason.
func (r *Recorder) RecordHealthTransition(ctx context.Context, sessionID, to, reason string) {
	e := Event{Operation: OpHealthTransition, Outcome: OutcomeSuccess, SessionID: sessionID}
	if to == "degraded" || to == "failed" {
		e.Outcome = OutcomeFailure
		e.FailureCategory = reason
	}
	r.Record(ctx, e)
}

func outcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func categoryOf(err error) string {
	if err != nil {
		return "error"
	}
	return ""
}

// Recent returns up to n events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	return r.events.Last(n)
}

// Stats aggregates the retained events.
func (r *Recorder) Stats() Stats {
	s := Stats{
		ByOperation:        make(map[string]int),
		FailuresByCategory: make(map[string]int),
	}
	var total time.Duration
	for _, e := range r.events.All() {
		s.Total++
		total += e.Duration
		s.ByOperation[string(e.Operation)]++
		if e.Outcome == OutcomeFailure {
			s.Failures++
			cat := e.FailureCategory
			if cat == "" {
				cat = "unknown"
			}
			s.FailuresByCategory[cat]++
		} else {
			s.Successes++
		}
	}
	if s.Total > 0 {
		s.FailureRate = float64(s.Failures) / float64(s.Total)
		s.AverageLatency = total / time.Duration(s.Total)
	}
	return s
}

// Reset drops every retained event. Metric instruments are unaffected.
func (r *Recorder) Reset() {
	r.events.Reset()
	slog.Debug("telemetry: history reset")
}
