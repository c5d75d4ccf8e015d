package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxid/internal/api"
	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/config"
	"github.com/MrWong99/voxid/internal/embedding"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/transcript"
	"github.com/MrWong99/voxid/pkg/voiceprint"
	"github.com/MrWong99/voxid/pkg/voiceprint/memstore"
)

func newServer(t *testing.T, yaml string) (*httptest.Server, *app.App, *memstore.MemStore) {
	t.Helper()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	store := memstore.New()
	a, err := app.New(context.Background(), cfg, app.WithStore(store), app.WithMetrics(met))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	mux := http.NewServeMux()
	api.NewHandler(a).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, a, store
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestSpeakers(t *testing.T) {
	t.Parallel()
	srv, a, store := newServer(t, "")
	ctx := context.Background()

	if err := store.CreateSpeaker(ctx, voiceprint.Speaker{ID: "spk-1", DisplayName: "Speaker 1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSpeaker: %v", err)
	}
	if _, err := a.Embeddings().StoreEmbedding(ctx, embeddingFor("spk-1")); err != nil {
		t.Fatalf("StoreEmbedding: %v", err)
	}

	resp := do(t, http.MethodGet, srv.URL+"/v1/speakers", nil)
	var list []voiceprint.Speaker
	decodeBody(t, resp, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: status %d, %d speakers", resp.StatusCode, len(list))
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/speakers/spk-1", nil)
	var got struct {
		ID      string                     `json:"id"`
		Profile *voiceprint.SpeakerProfile `json:"profile"`
	}
	decodeBody(t, resp, &got)
	if got.ID != "spk-1" || got.Profile == nil || got.Profile.EmbeddingCount != 1 {
		t.Fatalf("speaker = %+v", got)
	}

	resp = do(t, http.MethodPut, srv.URL+"/v1/speakers/spk-1/name", map[string]string{"display_name": "Alice"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("rename status = %d", resp.StatusCode)
	}
	sp, err := store.GetSpeaker(ctx, "spk-1")
	if err != nil || sp.DisplayName != "Alice" {
		t.Fatalf("after rename: %+v, %v", sp, err)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/speakers/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown speaker status = %d, want 404", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, srv.URL+"/v1/speakers/nope/name", map[string]string{"display_name": "Bob"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("rename unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestPruneSpeaker(t *testing.T) {
	t.Parallel()
	srv, a, store := newServer(t, "")
	ctx := context.Background()
	if err := store.CreateSpeaker(ctx, voiceprint.Speaker{ID: "spk-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSpeaker: %v", err)
	}
	for range 4 {
		if _, err := a.Embeddings().StoreEmbedding(ctx, embeddingFor("spk-1")); err != nil {
			t.Fatalf("StoreEmbedding: %v", err)
		}
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/speakers/spk-1/prune", map[string]int{"keep": 0}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("keep=0 status = %d, want 400", resp.StatusCode)
	}

	resp := do(t, http.MethodPost, srv.URL+"/v1/speakers/spk-1/prune", map[string]int{"keep": 1})
	var out map[string]int
	decodeBody(t, resp, &out)
	if resp.StatusCode != http.StatusOK || out["deleted"] != 3 {
		t.Fatalf("prune: status %d, body %v", resp.StatusCode, out)
	}
}

func TestSessionMapping(t *testing.T) {
	t.Parallel()
	srv, a, _ := newServer(t, "")

	if resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/none/mapping", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}

	a.Mapper().StartSession("sess-1")
	resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/sess-1/mapping", nil)
	var got struct {
		SessionID string `json:"session_id"`
		Active    bool   `json:"active"`
	}
	decodeBody(t, resp, &got)
	if resp.StatusCode != http.StatusOK || got.SessionID != "sess-1" || !got.Active {
		t.Fatalf("mapping: status %d, %+v", resp.StatusCode, got)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/sess-1/decisions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decisions status = %d", resp.StatusCode)
	}
}

func TestUpdateSegments_NoTranscriptStore(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t, "storage:\n  transcripts: none\n")
	body := []map[string]string{{"segment_id": "seg-1", "speaker_id": "spk-1"}}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/sessions/s/segments", body); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/sessions/s/segments", map[string]string{"bogus": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/s/transcript", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("transcript status = %d, want 503", resp.StatusCode)
	}
}

func TestTranscripts(t *testing.T) {
	t.Parallel()
	srv, a, _ := newServer(t, "")
	ctx := context.Background()
	seg, err := a.Transcripts().AppendSegment(ctx, transcript.Segment{SessionID: "s1", TransientLabel: "A", Text: "the bridge is out"})
	if err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}

	body := []map[string]string{{"segment_id": seg.ID, "speaker_id": "spk-1"}}
	resp := do(t, http.MethodPost, srv.URL+"/v1/sessions/s1/segments", body)
	var upd map[string]int
	decodeBody(t, resp, &upd)
	if resp.StatusCode != http.StatusOK || upd["updated"] != 1 {
		t.Fatalf("update: status %d, body %v", resp.StatusCode, upd)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/s1/transcript", nil)
	var segs []transcript.Segment
	decodeBody(t, resp, &segs)
	if len(segs) != 1 || segs[0].SpeakerID != "spk-1" {
		t.Fatalf("transcript = %+v", segs)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/transcripts/search?q=bridge&speaker_id=spk-1", nil)
	segs = nil
	decodeBody(t, resp, &segs)
	if len(segs) != 1 || segs[0].ID != seg.ID {
		t.Fatalf("search = %+v", segs)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/transcripts/search", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("search without q status = %d, want 400", resp.StatusCode)
	}
}

func TestFailures(t *testing.T) {
	t.Parallel()
	srv, a, _ := newServer(t, "")
	rec := a.Validator().RecordFailure(context.Background(), failure.TypeAuthentication, "token rejected", nil)

	resp := do(t, http.MethodGet, srv.URL+"/v1/failures?unacknowledged=true", nil)
	var list []failure.Record
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("unacknowledged = %+v", list)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/failures/"+rec.ID+"/notification", nil)
	var n struct {
		RecordID string `json:"record_id"`
		First    bool   `json:"first"`
	}
	decodeBody(t, resp, &n)
	if n.RecordID != rec.ID || !n.First {
		t.Fatalf("notification = %+v", n)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/failures/"+rec.ID+"/ack", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/failures?unacknowledged=true", nil)
	list = nil
	decodeBody(t, resp, &list)
	if len(list) != 0 {
		t.Fatalf("unacknowledged after ack = %d", len(list))
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/failures/missing/ack", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("ack missing status = %d, want 404", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/failures?limit=-1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestTelemetry(t *testing.T) {
	t.Parallel()
	srv, a, _ := newServer(t, "")
	a.Telemetry().RecordMatch(context.Background(), "s", 5*time.Millisecond, nil)

	resp := do(t, http.MethodGet, srv.URL+"/v1/telemetry", nil)
	var st struct {
		Total int `json:"total"`
	}
	decodeBody(t, resp, &st)
	if st.Total != 1 {
		t.Fatalf("total = %d, want 1", st.Total)
	}
}

func TestRecoveryJobs(t *testing.T) {
	t.Parallel()
	srv, _, store := newServer(t, "")
	ctx := context.Background()
	if _, _, err := store.EnqueueRecoveryJob(ctx, voiceprint.RecoveryJob{ID: "job-1", MeetingID: "m-1", Reason: "silent_fallback"}); err != nil {
		t.Fatalf("EnqueueRecoveryJob: %v", err)
	}

	resp := do(t, http.MethodGet, srv.URL+"/v1/recovery-jobs?status=pending", nil)
	var jobs []voiceprint.RecoveryJob
	decodeBody(t, resp, &jobs)
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("pending jobs = %+v", jobs)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/recovery-jobs?status=bogus", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status filter = %d, want 400", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, srv.URL+"/v1/recovery-jobs/job-1/status", map[string]string{"status": "completed"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/recovery-jobs?status=pending", nil)
	jobs = nil
	decodeBody(t, resp, &jobs)
	if len(jobs) != 0 {
		t.Fatalf("pending after completion = %d", len(jobs))
	}

	if resp := do(t, http.MethodPut, srv.URL+"/v1/recovery-jobs/missing/status", map[string]string{"status": "failed"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", resp.StatusCode)
	}
}

func embeddingFor(speakerID string) embedding.NewEmbedding {
	return embedding.NewEmbedding{
		SpeakerID:       speakerID,
		SessionID:       "sess-1",
		Vector:          []float32{1, 0, 0},
		ExtractionModel: "test",
		Confidence:      0.9,
	}
}

// brokenStore fails every speaker listing.
type brokenStore struct {
	*memstore.MemStore
}

func (brokenStore) ListSpeakers(context.Context) ([]voiceprint.Speaker, error) {
	return nil, errors.New("connection reset")
}

func TestServerError_CarriesTraceID(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a, err := app.New(context.Background(), cfg, app.WithStore(brokenStore{memstore.New()}), app.WithMetrics(met))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	mux := http.NewServeMux()
	api.NewHandler(a).Register(mux)
	srv := httptest.NewServer(observe.Middleware(met)(mux))
	t.Cleanup(srv.Close)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/speakers", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/speakers: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error   string `json:"error"`
		TraceID string `json:"trace_id"`
	}
	decodeBody(t, resp, &body)
	if !strings.Contains(body.Error, "connection reset") {
		t.Errorf("error = %q, want the store error", body.Error)
	}
	if body.TraceID != traceID {
		t.Errorf("trace_id = %q, want %q", body.TraceID, traceID)
	}
}
