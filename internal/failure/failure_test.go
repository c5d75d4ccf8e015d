package failure_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/observe"
)

func newValidator(t *testing.T, opts ...failure.Option) *failure.Validator {
	t.Helper()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return failure.New(append([]failure.Option{failure.WithMetrics(met)}, opts...)...)
}

func segments(labels ...string) []failure.Segment {
	out := make([]failure.Segment, len(labels))
	for i, l := range labels {
		out[i] = failure.Segment{Speaker: l, Start: float64(i), End: float64(i) + 1}
	}
	return out
}

func repeat(label string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = label
	}
	return out
}

func TestValidateResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		result       failure.Result
		wantValid    bool
		wantExplicit bool
		wantReason   string
	}{
		{
			name:         "explicit failure is a valid failure",
			result:       failure.Result{Success: false, Error: "model not found"},
			wantValid:    true,
			wantExplicit: true,
			wantReason:   "model not found",
		},
		{
			name:       "success without segments",
			result:     failure.Result{Success: true},
			wantReason: "no segments produced",
		},
		{
			name:       "single placeholder speaker",
			result:     failure.Result{Success: true, Segments: segments("UNKNOWN", "UNKNOWN")},
			wantReason: "placeholder speaker",
		},
		{
			name:       "single empty label",
			result:     failure.Result{Success: true, Segments: segments("")},
			wantReason: "placeholder speaker",
		},
		{
			name:       "twelve segments one real label",
			result:     failure.Result{Success: true, Segments: segments(repeat("SPEAKER_0", 12)...)},
			wantReason: "possible silent fallback",
		},
		{
			name:      "ten segments one label is tolerated",
			result:    failure.Result{Success: true, Segments: segments(repeat("SPEAKER_0", 10)...)},
			wantValid: true,
		},
		{
			name:      "five segments two speakers",
			result:    failure.Result{Success: true, Segments: segments("SPEAKER_0", "SPEAKER_1", "SPEAKER_0", "SPEAKER_1", "SPEAKER_0")},
			wantValid: true,
		},
		{
			name:      "placeholder among real speakers",
			result:    failure.Result{Success: true, Segments: segments("unknown", "SPEAKER_1")},
			wantValid: true,
		},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := v.ValidateResult(tt.result)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (reason %q)", got.Valid, tt.wantValid, got.Reason)
			}
			if got.ExplicitFailure != tt.wantExplicit {
				t.Errorf("ExplicitFailure = %v, want %v", got.ExplicitFailure, tt.wantExplicit)
			}
			if !strings.Contains(got.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want it to contain %q", got.Reason, tt.wantReason)
			}
			if !got.Valid && !errors.Is(got.Err, failure.ErrSilentFallbackDetected) {
				t.Errorf("Err = %v, want ErrSilentFallbackDetected", got.Err)
			}
		})
	}
}

func TestValidateResult_MonoThreshold(t *testing.T) {
	t.Parallel()
	v := newValidator(t, failure.WithMonoSpeakerSegments(3))
	r := failure.Result{Success: true, Segments: segments(repeat("SPEAKER_0", 4)...)}
	if v.ValidateResult(r).Valid {
		t.Error("4 mono segments should be invalid with threshold 3")
	}
	v.SetMonoSpeakerSegments(20)
	if !v.ValidateResult(r).Valid {
		t.Error("4 mono segments should be valid with threshold 20")
	}
}

func TestEnforce_DowngradesSilentFallback(t *testing.T) {
	t.Parallel()
	v := newValidator(t)
	in := failure.Result{SessionID: "s1", Success: true, Segments: segments(repeat("SPEAKER_0", 12)...)}

	out, verdict := v.Enforce(context.Background(), in)
	if out.Success {
		t.Fatal("silent fallback must not remain a success")
	}
	if out.ErrorType != failure.TypeSilentFallback || out.Error == "" {
		t.Errorf("out = %+v, want explicit silent_fallback failure", out)
	}
	if verdict.Valid || verdict.RecordID == "" {
		t.Fatalf("verdict = %+v", verdict)
	}

	rec, err := v.Get(verdict.RecordID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Type != failure.TypeSilentFallback || rec.SessionID != "s1" || rec.Diagnostics["segments"] != "12" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.RemediationSteps) == 0 {
		t.Error("record has no remediation steps")
	}
}

func TestEnforce_ExplicitFailureIsCategorized(t *testing.T) {
	t.Parallel()
	v := newValidator(t)
	out, verdict := v.Enforce(context.Background(), failure.Result{Success: false, Error: "HTTP 401 Unauthorized"})
	if !verdict.Valid || !verdict.ExplicitFailure {
		t.Fatalf("verdict = %+v", verdict)
	}
	if out.ErrorType != failure.TypeAuthentication {
		t.Errorf("ErrorType = %q, want authentication_error", out.ErrorType)
	}
	rec, _ := v.Get(verdict.RecordID)
	if rec.Severity != failure.SeverityCritical {
		t.Errorf("Severity = %q, want critical", rec.Severity)
	}
}

func TestEnforce_ValidSuccessUntouched(t *testing.T) {
	t.Parallel()
	v := newValidator(t)
	in := failure.Result{Success: true, Segments: segments("A", "B")}
	out, verdict := v.Enforce(context.Background(), in)
	if !out.Success || !verdict.Valid || verdict.RecordID != "" {
		t.Errorf("out = %+v verdict = %+v", out, verdict)
	}
	if len(v.Recent(10)) != 0 {
		t.Error("valid result must not create a record")
	}
}

func TestCategorize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want failure.Type
	}{
		{"HTTP 401: Unauthorized", failure.TypeAuthentication},
		{"Cannot access gated repo for url", failure.TypeAuthentication},
		{"CUDA out of memory. Tried to allocate", failure.TypeOutOfMemory},
		{"ModuleNotFoundError: No module named 'pyannote'", failure.TypeDependencyMissing},
		{"Error loading model checkpoint", failure.TypeModelLoading},
		{"unsupported format: audio/ogg", failure.TypeAudioFormat},
		{"request timed out after 30s", failure.TypeTimeout},
		{"process exited with status 139", failure.TypeProcessCrash},
		{"detected silent fallback", failure.TypeSilentFallback},
		{"something odd", failure.TypeUnknown},
		{"", failure.TypeUnknown},
	}
	for _, tt := range tests {
		if got := failure.Categorize(tt.text); got != tt.want {
			t.Errorf("Categorize(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestRecordFailure_RingBufferPrunesOldest(t *testing.T) {
	t.Parallel()
	v := newValidator(t, failure.WithHistorySize(3))
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		rec := v.RecordFailure(ctx, failure.TypeTimeout, fmt.Sprintf("timeout %d", i), nil)
		ids = append(ids, rec.ID)
	}

	recent := v.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("history = %d records, want 3", len(recent))
	}
	if recent[0].ID != ids[4] || recent[2].ID != ids[2] {
		t.Errorf("recent order = %v", []string{recent[0].ID, recent[1].ID, recent[2].ID})
	}
	if _, err := v.Get(ids[0]); !errors.Is(err, failure.ErrRecordNotFound) {
		t.Errorf("oldest record still present: %v", err)
	}
}

func TestRecordFailure_SessionFromDiagnostics(t *testing.T) {
	t.Parallel()
	v := newValidator(t)
	diag := map[string]string{"session_id": "m-9", "exit_code": "137"}
	rec := v.RecordFailure(context.Background(), failure.TypeProcessCrash, "killed", diag)
	if rec.SessionID != "m-9" {
		t.Errorf("SessionID = %q, want m-9", rec.SessionID)
	}
	diag["exit_code"] = "0"
	if got, _ := v.Get(rec.ID); got.Diagnostics["exit_code"] != "137" {
		t.Error("record diagnostics must not alias the caller's map")
	}
}

func TestGenerateNotification_OnlyFirstMarks(t *testing.T) {
	t.Parallel()
	v := newValidator(t)
	rec := v.RecordFailure(context.Background(), failure.TypeAuthentication, "401", map[string]string{"provider": "hf"})

	n, first, err := v.GenerateNotification(rec.ID)
	if err != nil {
		t.Fatalf("GenerateNotification: %v", err)
	}
	if !first {
		t.Error("first call should report first = true")
	}
	if n.ProminentMessage != rec.Message || !n.ShowFallbackOption {
		t.Errorf("notification = %+v", n)
	}
	if !strings.Contains(n.DetailedMessage, "401") {
		t.Errorf("DetailedMessage = %q, want detail included", n.DetailedMessage)
	}
	if n.DiagnosticSummary != "type=authentication_error; severity=critical; provider=hf" {
		t.Errorf("DiagnosticSummary = %q", n.DiagnosticSummary)
	}
	if len(n.RemediationSteps) != len(failure.Remediation(failure.TypeAuthentication)) {
		t.Errorf("RemediationSteps = %v", n.RemediationSteps)
	}

	if _, first, _ := v.GenerateNotification(rec.ID); first {
		t.Error("second call should report first = false")
	}
	if got, _ := v.Get(rec.ID); !got.Notified {
		t.Error("record should be marked notified")
	}

	if _, _, err := v.GenerateNotification("missing"); !errors.Is(err, failure.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()
	v := newValidator(t)
	ctx := context.Background()
	a := v.RecordFailure(ctx, failure.TypeTimeout, "a", nil)
	b := v.RecordFailure(ctx, failure.TypeTimeout, "b", nil)

	if err := v.Acknowledge(a.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	un := v.Unacknowledged()
	if len(un) != 1 || un[0].ID != b.ID {
		t.Errorf("Unacknowledged = %v, want only %s", un, b.ID)
	}
	if err := v.Acknowledge("missing"); !errors.Is(err, failure.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestIsFallbackLabel(t *testing.T) {
	t.Parallel()
	for _, l := range []string{"", "unknown", "UNKNOWN", " Speaker_Unknown ", "fallback", "default", "unknown-1"} {
		if !failure.IsFallbackLabel(l) {
			t.Errorf("IsFallbackLabel(%q) = false, want true", l)
		}
	}
	for _, l := range []string{"SPEAKER_0", "SPEAKER_00", "Alice"} {
		if failure.IsFallbackLabel(l) {
			t.Errorf("IsFallbackLabel(%q) = true, want false", l)
		}
	}
}
