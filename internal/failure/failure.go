// Package failure makes sure diarization failures are always explicit.
//
// [Validator.ValidateResult] inspects a finished diarization result for
// silent-fallback signatures (no segments, a single placeholder speaker, or
// many segments that all share one label) and [Validator.Enforce] downgrades
// such "successes" to explicit failures before they are surfaced or stored.
// Every failure becomes a [Record] in a bounded in-memory history from which
// user-facing [Notification]s are generated.
package failure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/ringlog"
)

var (
	// ErrSilentFallbackDetected marks a result that claimed success while
	// showing a silent-fallback signature.
	ErrSilentFallbackDetected = errors.New("failure: silent fallback detected")

	// ErrRecordNotFound is returned for ids no longer in the history.
	ErrRecordNotFound = errors.New("failure: record not found")
)

// Segment is one diarized segment of a result.
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text,omitempty"`
}

// Result is a finished diarization result as reported by the engine.
type Result struct {
	SessionID string    `json:"session_id,omitempty"`
	Success   bool      `json:"success"`
	Segments  []Segment `json:"segments"`
	Error     string    `json:"error,omitempty"`
	ErrorType Type      `json:"error_type,omitempty"`
}

// Speakers returns the distinct speaker labels in order of first
// appearance.
func (r Result) Speakers() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range r.Segments {
		if !seen[s.Speaker] {
			seen[s.Speaker] = true
			out = append(out, s.Speaker)
		}
	}
	return out
}

// Verdict is the structured outcome of validation.
type Verdict struct {
	// Valid is false only for results that claimed success but show a
	// silent-fallback signature.
	Valid bool `json:"valid"`

	// ExplicitFailure is set when the engine itself reported failure.
	ExplicitFailure bool   `json:"explicit_failure,omitempty"`
	Reason          string `json:"reason,omitempty"`

	// RecordID is the failure record created by [Validator.Enforce].
	RecordID string `json:"record_id,omitempty"`

	// Err wraps [ErrSilentFallbackDetected] for invalid results.
	Err error `json:"-"`
}

// Record is one detected or reported failure.
type Record struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id,omitempty"`
	Type             Type              `json:"type"`
	Severity         Severity          `json:"severity"`
	Message          string            `json:"message"`
	Detail           string            `json:"detail,omitempty"`
	Diagnostics      map[string]string `json:"diagnostics,omitempty"`
	RemediationSteps []string          `json:"remediation_steps"`
	Acknowledged     bool              `json:"acknowledged"`
	Notified         bool              `json:"notified"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Notification is the payload handed to the UI for a failure.
type Notification struct {
	RecordID           string   `json:"record_id"`
	Severity           Severity `json:"severity"`
	ProminentMessage   string   `json:"prominent_message"`
	DetailedMessage    string   `json:"detailed_message"`
	DiagnosticSummary  string   `json:"diagnostic_summary"`
	RemediationSteps   []string `json:"remediation_steps"`
	ShowFallbackOption bool     `json:"show_fallback_option"`
}

// fallbackLabels are speaker labels engines emit when they could not tell
// speakers apart.
var fallbackLabels = map[string]bool{
	"":                true,
	"unknown":         true,
	"speaker_unknown": true,
	"unknown_speaker": true,
	"speaker":         true,
	"fallback":        true,
	"default":         true,
	"none":            true,
	"null":            true,
	"undefined":       true,
	"n/a":             true,
}

// IsFallbackLabel reports whether label is a known placeholder.
func IsFallbackLabel(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return fallbackLabels[l] || strings.HasPrefix(l, "unknown")
}

// Option is a functional option for configuring a [Validator].
type Option func(*Validator)

// WithHistorySize caps the failure history. Default: 100.
func WithHistorySize(n int) Option {
	return func(v *Validator) { v.historySize = n }
}

// WithMonoSpeakerSegments sets how many segments sharing a single label make
// a result suspicious. Default: 10 (more than ten is flagged).
func WithMonoSpeakerSegments(n int) Option {
	return func(v *Validator) { v.monoSegments = n }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithJournal persists every record state change to j and replays j into the
// history on construction.
func WithJournal(j Journal) Option {
	return func(v *Validator) { v.journal = j }
}

// Validator validates results and keeps the failure history. All methods
// are safe for concurrent use and never panic on malformed input.
type Validator struct {
	historySize int
	metrics     *observe.Metrics
	now         func() time.Time
	history     *ringlog.Log[Record]
	journal     Journal

	mu           sync.RWMutex
	monoSegments int
}

// New returns a [Validator].
func New(opts ...Option) *Validator {
	v := &Validator{
		historySize:  100,
		monoSegments: 10,
		now:          time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	if v.metrics == nil {
		v.metrics = observe.DefaultMetrics()
	}
	v.history = ringlog.New[Record](v.historySize)
	v.replay()
	return v
}

func (v *Validator) replay() {
	if v.journal == nil {
		return
	}
	recs, err := v.journal.Load()
	if err != nil {
		slog.Warn("failure: journal replay incomplete", "err", err)
	}
	for _, r := range recs {
		v.history.Append(r)
	}
	if len(recs) > 0 {
		slog.Info("failure: history restored from journal", "records", len(recs), "kept", v.history.Len())
	}
}

func (v *Validator) persist(r Record) {
	if v.journal == nil {
		return
	}
	if err := v.journal.Append(r); err != nil {
		slog.Warn("failure: journal append failed", "id", r.ID, "err", err)
	}
}

// SetMonoSpeakerSegments changes the single-label threshold.
func (v *Validator) SetMonoSpeakerSegments(n int) {
	if n <= 0 {
		return
	}
	v.mu.Lock()
	v.monoSegments = n
	v.mu.Unlock()
}

// ── Validation ───────────────────────────────────────────────────────────────

// ValidateResult checks r for silent-fallback signatures, in order: an
// explicit failure is accepted as a valid, non-silent failure; a success with
// no segments, a single placeholder speaker, or more segments than the
// threshold all sharing one label is invalid.
func (v *Validator) ValidateResult(r Result) Verdict {
	if !r.Success {
		return Verdict{Valid: true, ExplicitFailure: true, Reason: r.Error}
	}
	if len(r.Segments) == 0 {
		return invalid("no segments produced")
	}
	speakers := r.Speakers()
	if len(speakers) == 1 && IsFallbackLabel(speakers[0]) {
		return invalid(fmt.Sprintf("only placeholder speaker %q produced", speakers[0]))
	}
	v.mu.RLock()
	mono := v.monoSegments
	v.mu.RUnlock()
	if len(speakers) == 1 && len(r.Segments) > mono {
		return invalid(fmt.Sprintf("possible silent fallback: all %d segments labelled %q", len(r.Segments), speakers[0]))
	}
	return Verdict{Valid: true}
}

func invalid(reason string) Verdict {
	return Verdict{Reason: reason, Err: fmt.Errorf("%w: %s", ErrSilentFallbackDetected, reason)}
}

// Enforce validates r and returns the result that may be surfaced. Invalid
// successes are rewritten to explicit failures of [TypeSilentFallback]. A
// failure record is created for every failed result, including explicit
// ones, and its id is set on the verdict.
func (v *Validator) Enforce(ctx context.Context, r Result) (Result, Verdict) {
	verdict := v.ValidateResult(r)
	switch {
	case !verdict.Valid:
		slog.Warn("failure: downgrading silent fallback to explicit failure",
			"session_id", r.SessionID, "reason", verdict.Reason, "segments", len(r.Segments))
		r.Success = false
		r.ErrorType = TypeSilentFallback
		r.Error = verdict.Reason
		rec := v.record(ctx, r.SessionID, TypeSilentFallback, verdict.Reason, resultDiagnostics(r))
		verdict.RecordID = rec.ID
	case verdict.ExplicitFailure:
		t := r.ErrorType
		if t == "" {
			t = Categorize(r.Error)
			r.ErrorType = t
		}
		rec := v.record(ctx, r.SessionID, t, r.Error, resultDiagnostics(r))
		verdict.RecordID = rec.ID
	}
	return r, verdict
}

func resultDiagnostics(r Result) map[string]string {
	d := map[string]string{
		"segments": fmt.Sprint(len(r.Segments)),
		"speakers": strings.Join(r.Speakers(), ","),
	}
	if r.SessionID != "" {
		d["session_id"] = r.SessionID
	}
	return d
}

// ── History ──────────────────────────────────────────────────────────────────

// RecordFailure adds a failure of type t to the history. detail is the raw
// engine text; diagnostics are free-form key/value pairs. The session id is
// taken from diagnostics["session_id"] when present.
func (v *Validator) RecordFailure(ctx context.Context, t Type, detail string, diagnostics map[string]string) Record {
	return v.record(ctx, diagnostics["session_id"], t, detail, diagnostics)
}

func (v *Validator) record(ctx context.Context, sessionID string, t Type, detail string, diagnostics map[string]string) Record {
	if t == "" {
		t = TypeUnknown
	}
	e := lookup(t)
	rec := Record{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Type:             t,
		Severity:         e.severity,
		Message:          e.message,
		Detail:           detail,
		Diagnostics:      maps.Clone(diagnostics),
		RemediationSteps: slices.Clone(e.remediation),
		CreatedAt:        v.now().UTC(),
	}
	if v.history.Append(rec) {
		slog.Debug("failure: history full, oldest record pruned", "capacity", v.history.Cap())
	}
	v.persist(rec)
	v.metrics.RecordFailure(ctx, string(t), string(e.severity))
	slog.Warn("failure: recorded", "id", rec.ID, "type", t, "severity", e.severity, "session_id", sessionID, "detail", detail)
	return rec
}

// Get returns the record with id.
func (v *Validator) Get(id string) (Record, error) {
	for _, r := range v.history.All() {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrRecordNotFound
}

// Recent returns up to n records, newest first.
func (v *Validator) Recent(n int) []Record {
	out := v.history.Last(n)
	slices.Reverse(out)
	return out
}

// Unacknowledged returns every record not yet acknowledged, newest first.
func (v *Validator) Unacknowledged() []Record {
	all := v.history.All()
	slices.Reverse(all)
	return slices.DeleteFunc(all, func(r Record) bool { return r.Acknowledged })
}

// Acknowledge marks a record as seen by the user.
func (v *Validator) Acknowledge(id string) error {
	var rec Record
	if !v.history.Update(matchID(id), func(r *Record) {
		r.Acknowledged = true
		rec = *r
	}) {
		return ErrRecordNotFound
	}
	v.persist(rec)
	return nil
}

func matchID(id string) func(Record) bool {
	return func(r Record) bool { return r.ID == id }
}

// GenerateNotification builds the UI payload for a record and marks it
// notified. first is true only on the call that performed the marking.
func (v *Validator) GenerateNotification(id string) (n Notification, first bool, err error) {
	var rec Record
	found := v.history.Update(matchID(id), func(r *Record) {
		first = !r.Notified
		r.Notified = true
		rec = *r
	})
	if !found {
		return Notification{}, false, ErrRecordNotFound
	}
	if first {
		v.persist(rec)
	}
	return BuildNotification(rec), first, nil
}

// BuildNotification renders rec without touching any history.
func BuildNotification(rec Record) Notification {
	detailed := rec.Message
	if rec.Detail != "" {
		detailed += " Details: " + rec.Detail
	}
	return Notification{
		RecordID:           rec.ID,
		Severity:           rec.Severity,
		ProminentMessage:   rec.Message,
		DetailedMessage:    detailed,
		DiagnosticSummary:  summarize(rec),
		RemediationSteps:   slices.Clone(rec.RemediationSteps),
		ShowFallbackOption: lookup(rec.Type).showFallback,
	}
}

func summarize(rec Record) string {
	parts := []string{"type=" + string(rec.Type), "severity=" + string(rec.Severity)}
	for _, k := range slices.Sorted(maps.Keys(rec.Diagnostics)) {
		parts = append(parts, k+"="+rec.Diagnostics[k])
	}
	return strings.Join(parts, "; ")
}
