// Package api serves the voxid management endpoints over JSON: speaker
// identities and profiles, per-session mappings and transcripts, the failure
// history, telemetry statistics and the recovery job queue consumed by the
// batch reprocessing worker.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/transcript"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the management API for one [app.App].
type Handler struct {
	app *app.App
}

// NewHandler returns a [Handler].
func NewHandler(a *app.App) *Handler {
	return &Handler{app: a}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/speakers", h.listSpeakers)
	mux.HandleFunc("GET /v1/speakers/{id}", h.getSpeaker)
	mux.HandleFunc("PUT /v1/speakers/{id}/name", h.renameSpeaker)
	mux.HandleFunc("POST /v1/speakers/{id}/prune", h.pruneSpeaker)

	mux.HandleFunc("GET /v1/sessions/{id}/mapping", h.sessionMapping)
	mux.HandleFunc("GET /v1/sessions/{id}/decisions", h.sessionDecisions)
	mux.HandleFunc("POST /v1/sessions/{id}/segments", h.updateSegments)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", h.sessionTranscript)
	mux.HandleFunc("GET /v1/transcripts/search", h.searchTranscripts)

	mux.HandleFunc("GET /v1/failures", h.listFailures)
	mux.HandleFunc("GET /v1/failures/{id}/notification", h.failureNotification)
	mux.HandleFunc("POST /v1/failures/{id}/ack", h.ackFailure)

	mux.HandleFunc("GET /v1/telemetry", h.telemetryStats)

	mux.HandleFunc("GET /v1/recovery-jobs", h.listRecoveryJobs)
	mux.HandleFunc("PUT /v1/recovery-jobs/{id}/status", h.updateRecoveryJob)
}

// ── Speakers ─────────────────────────────────────────────────────────────────

type speakerView struct {
	voiceprint.Speaker
	Profile *voiceprint.SpeakerProfile `json:"profile,omitempty"`
}

func (h *Handler) listSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := h.app.Store().ListSpeakers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, speakers)
}

func (h *Handler) getSpeaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sp, err := h.app.Store().GetSpeaker(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := speakerView{Speaker: sp}
	p, err := h.app.Embeddings().Profile(r.Context(), id)
	switch {
	case err == nil:
		view.Profile = &p
	case !errors.Is(err, voiceprint.ErrNotFound):
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) renameSpeaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.app.Mapper().RenameSpeaker(r.Context(), r.PathValue("id"), body.DisplayName); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pruneSpeaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keep int `json:"keep"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Keep < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "keep must be at least 1"})
		return
	}
	n, err := h.app.Embeddings().PruneOldEmbeddings(r.Context(), r.PathValue("id"), body.Keep)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ── Sessions ─────────────────────────────────────────────────────────────────

type mappingView struct {
	SessionID string                 `json:"session_id"`
	Mapping   map[string]string      `json:"mapping"`
	Stats     *identity.SessionStats `json:"stats,omitempty"`
	Active    bool                   `json:"active"`
}

func (h *Handler) sessionMapping(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m := h.app.Mapper()
	view := mappingView{SessionID: id, Mapping: m.Mapping(id)}
	if m.ActiveSession() == id {
		st := m.Stats()
		view.Stats = &st
		view.Active = true
	} else if st, ok := m.SessionStats(id); ok {
		view.Stats = &st
	}
	if view.Mapping == nil && view.Stats == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) sessionDecisions(w http.ResponseWriter, r *http.Request) {
	ds, err := h.app.Store().ListDecisions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) updateSegments(w http.ResponseWriter, r *http.Request) {
	var updates []identity.SegmentUpdate
	if !decode(w, r, &updates) {
		return
	}
	id := r.PathValue("id")
	for i := range updates {
		updates[i].SessionID = id
	}
	n, err := h.app.Mapper().BatchUpdateSegments(r.Context(), updates)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// ── Transcripts ──────────────────────────────────────────────────────────────

func (h *Handler) sessionTranscript(w http.ResponseWriter, r *http.Request) {
	ts := h.app.Transcripts()
	if ts == nil {
		writeError(w, r, identity.ErrNoTranscriptStore)
		return
	}
	segs, err := ts.Segments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(segs))
}

func (h *Handler) searchTranscripts(w http.ResponseWriter, r *http.Request) {
	ts := h.app.Transcripts()
	if ts == nil {
		writeError(w, r, identity.ErrNoTranscriptStore)
		return
	}
	q := r.URL.Query()
	if q.Get("q") == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing query parameter q"})
		return
	}
	opts := transcript.SearchOpts{SessionID: q.Get("session_id"), SpeakerID: q.Get("speaker_id")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		opts.Limit = n
	}
	segs, err := ts.Search(r.Context(), q.Get("q"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(segs))
}

// ── Failures ─────────────────────────────────────────────────────────────────

func (h *Handler) listFailures(w http.ResponseWriter, r *http.Request) {
	v := h.app.Validator()
	if r.URL.Query().Get("unacknowledged") == "true" {
		writeJSON(w, http.StatusOK, nonNil(v.Unacknowledged()))
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, nonNil(v.Recent(limit)))
}

func (h *Handler) failureNotification(w http.ResponseWriter, r *http.Request) {
	n, first, err := h.app.Validator().GenerateNotification(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		failure.Notification
		First bool `json:"first"`
	}{n, first})
}

func (h *Handler) ackFailure(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Validator().Acknowledge(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Telemetry ────────────────────────────────────────────────────────────────

func (h *Handler) telemetryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Telemetry().Stats())
}

// ── Recovery jobs ────────────────────────────────────────────────────────────

func (h *Handler) listRecoveryJobs(w http.ResponseWriter, r *http.Request) {
	status := voiceprint.RecoveryStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status " + strconv.Quote(string(status))})
		return
	}
	jobs, err := h.app.Store().ListRecoveryJobs(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (h *Handler) updateRecoveryJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status voiceprint.RecoveryStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !body.Status.IsValid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status " + strconv.Quote(string(body.Status))})
		return
	}
	if err := h.app.Store().UpdateRecoveryStatus(r.Context(), r.PathValue("id"), body.Status); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain errors to status codes. Server errors carry the
// request's trace id so they can be found in the logs.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, voiceprint.ErrSpeakerNotFound),
		errors.Is(err, voiceprint.ErrNotFound),
		errors.Is(err, failure.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrNoTranscriptStore):
		status = http.StatusServiceUnavailable
	case errors.Is(err, voiceprint.ErrDimensionMismatch),
		errors.Is(err, voiceprint.ErrEmptyVector):
		status = http.StatusBadRequest
	}
	body := errorBody{Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.TraceID = observe.CorrelationID(r.Context())
		observe.Logger(r.Context()).Error("api: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
