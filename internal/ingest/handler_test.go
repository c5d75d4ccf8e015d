package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/config"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/health"
	"github.com/MrWong99/voxid/internal/ingest"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/pkg/voiceprint/memstore"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func startServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	a, err := app.New(context.Background(), cfg, app.WithStore(memstore.New()), app.WithMetrics(met))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	mux := http.NewServeMux()
	ingest.NewHandler(a.Sessions(), ingest.WithInsecureSkipVerify()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return a, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sessionID + "/stream?audio_ref=file:///rec.wav"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until one of type typ arrives and returns it
// together with the types seen before it.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (ingest.Outbound, []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var seen []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q (seen %v): %v", typ, seen, err)
		}
		var msg ingest.Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type == typ {
			return msg, seen
		}
		seen = append(seen, msg.Type)
	}
}

func segments(labels ...string) *failure.Result {
	r := &failure.Result{Success: true}
	for i, l := range labels {
		r.Segments = append(r.Segments, failure.Segment{Speaker: l, Start: float64(i), End: float64(i) + 1})
	}
	return r
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestStream_FullSession(t *testing.T) {
	t.Parallel()
	a, srv := startServer(t)
	conn := dial(t, srv, "m1")

	writeJSON(t, conn, ingest.Inbound{
		Type: ingest.TypeEmbedding, Label: "SPEAKER_00",
		Vector: []float32{1, 0, 0}, Start: 0, End: 2, Confidence: 0.9, Model: "ecapa",
	})
	msg, _ := readUntil(t, conn, ingest.TypeResolution)
	if msg.Resolution == nil || msg.Resolution.DisplayName != "Speaker 1" || !msg.Resolution.IsNewSpeaker {
		t.Fatalf("resolution = %+v", msg.Resolution)
	}
	if msg.Error != "" {
		t.Errorf("resolution error = %q", msg.Error)
	}

	speakerID := msg.Resolution.SpeakerID

	writeJSON(t, conn, ingest.Inbound{Type: ingest.TypeSegment, Speaker: "SPEAKER_00", Start: 0, End: 2, Text: "roll for initiative"})
	msg, _ = readUntil(t, conn, ingest.TypeHealth)
	if msg.Health == nil || msg.Health.To != health.StatusActive || msg.Health.SessionID != "m1" {
		t.Fatalf("health = %+v", msg.Health)
	}

	writeJSON(t, conn, ingest.Inbound{Type: ingest.TypeResult, Result: segments("SPEAKER_00", "SPEAKER_01", "SPEAKER_00")})
	msg, seen := readUntil(t, conn, ingest.TypeSummary)
	if len(seen) != 0 {
		t.Errorf("unexpected messages before summary: %v", seen)
	}
	sum := msg.Summary
	if sum == nil || sum.SessionID != "m1" || sum.Stats.EmbeddingsProcessed != 1 || !sum.Verdict.Valid {
		t.Fatalf("summary = %+v", sum)
	}

	segs, err := a.Transcripts().Segments(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 1 || segs[0].SpeakerID != speakerID || segs[0].Text != "roll for initiative" {
		t.Errorf("segments = %+v, want one attributed to %s", segs, speakerID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", websocket.CloseStatus(err), err)
	}
}

func TestStream_SilentFallbackNotifies(t *testing.T) {
	t.Parallel()
	a, srv := startServer(t)
	conn := dial(t, srv, "m2")

	labels := make([]string, 12)
	for i := range labels {
		labels[i] = "SPEAKER_0"
	}
	writeJSON(t, conn, ingest.Inbound{Type: ingest.TypeResult, Result: segments(labels...)})

	note, _ := readUntil(t, conn, ingest.TypeNotification)
	if note.Notification == nil || note.Notification.ProminentMessage == "" {
		t.Fatalf("notification = %+v", note.Notification)
	}
	msg, _ := readUntil(t, conn, ingest.TypeSummary)
	if msg.Summary.Verdict.Valid || msg.Summary.Result == nil || msg.Summary.Result.Success {
		t.Errorf("summary = %+v", msg.Summary)
	}
	if msg.Summary.RecoveryJob == nil || msg.Summary.RecoveryJob.AudioRef != "file:///rec.wav" {
		t.Errorf("recovery job = %+v", msg.Summary.RecoveryJob)
	}
	if len(a.Validator().Recent(10)) != 1 {
		t.Error("failure should be recorded")
	}
}

func TestStream_ProtocolErrors(t *testing.T) {
	t.Parallel()
	_, srv := startServer(t)
	conn := dial(t, srv, "m3")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, _ := readUntil(t, conn, ingest.TypeError)
	if !strings.Contains(msg.Error, "invalid message") {
		t.Errorf("error = %q", msg.Error)
	}

	writeJSON(t, conn, ingest.Inbound{Type: "bogus"})
	msg, _ = readUntil(t, conn, ingest.TypeError)
	if !strings.Contains(msg.Error, "unknown message type") {
		t.Errorf("error = %q", msg.Error)
	}

	writeJSON(t, conn, ingest.Inbound{Type: ingest.TypeResult})
	msg, _ = readUntil(t, conn, ingest.TypeError)
	if !strings.Contains(msg.Error, "without result") {
		t.Errorf("error = %q", msg.Error)
	}

	writeJSON(t, conn, ingest.Inbound{Type: ingest.TypeEnd})
	msg, _ = readUntil(t, conn, ingest.TypeSummary)
	if msg.Summary.Result != nil {
		t.Error("end without result should not validate")
	}
}

func TestStream_DisconnectStopsSession(t *testing.T) {
	t.Parallel()
	a, srv := startServer(t)
	conn := dial(t, srv, "m4")

	writeJSON(t, conn, ingest.Inbound{Type: ingest.TypeEmbedding, Label: "A", Vector: []float32{0, 1}})
	readUntil(t, conn, ingest.TypeResolution)
	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := a.Mapper().SessionStats("m4"); ok {
			if _, active := a.Sessions().Active(); !active {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not stopped after the engine disconnected")
}
