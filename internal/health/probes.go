// Package health watches the liveness of speaker diarization and exposes
// the service's HTTP probes.
//
// [Monitor] is a session-scoped state machine:
//
//	unknown ──segment──▶ active ◀──segment── degraded
//	   │                   │ ──warning/error──▶ │
//	   │                   └──────┬─────────────┘
//	   ├──init timeout──▶ failed ◀┘ (sticky until the next session)
//	   └──opt-out──────▶ disabled
//
// Every transition is published to subscribers as an [Event] carrying the
// [RecoveryOption]s the user may pick from. Sessions that end degraded or
// failed are queued for post-session recovery.
//
// [Handler] serves /healthz (liveness), /readyz (every [Checker] passes)
// and /v1/health/session (the current [SessionHealth] snapshot).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness dependency.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	monitor  *Monitor
	checkers []Checker
}

// NewHandler returns a [Handler]. monitor may be nil, in which case the
// session endpoint reports no session.
func NewHandler(monitor *Monitor, checkers ...Checker) *Handler {
	return &Handler{monitor: monitor, checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200 while the process can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs all checkers concurrently and answers 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			res := "ok"
			if err := c.Check(ctx); err != nil {
				res = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = res
			failed = failed || res != "ok"
			mu.Unlock()
		}()
	}
	wg.Wait()

	if failed {
		writeJSON(w, http.StatusServiceUnavailable, probeResult{Status: "fail", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, probeResult{Status: "ok", Checks: checks})
}

// Session reports the monitored session's health snapshot.
func (h *Handler) Session(w http.ResponseWriter, _ *http.Request) {
	var snap SessionHealth
	if h.monitor != nil {
		snap = h.monitor.Snapshot()
	}
	if snap.SessionID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "no_session"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /v1/health/session", h.Session)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
