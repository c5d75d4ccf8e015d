// Package ingest accepts diarization engine streams over WebSocket.
//
// Each connection to GET /v1/sessions/{id}/stream runs one session: the
// engine sends JSON "embedding", "segment" and "error" messages while the
// meeting runs and finishes with "result" (validated) or "end". Resolutions,
// health transitions, failure notifications and the final session summary
// are pushed back on the same connection.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/health"
	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultStopTimeout  = 30 * time.Second
	outboundBuffer      = 64
	maxMessageBytes     = 1 << 20
)

// Option is a functional option for configuring a [Handler].
type Option func(*Handler)

// WithOriginPatterns sets the allowed cross-origin host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.accept.OriginPatterns = patterns }
}

// WithInsecureSkipVerify disables the origin check. Tests only.
func WithInsecureSkipVerify() Option {
	return func(h *Handler) { h.accept.InsecureSkipVerify = true }
}

// WithStopTimeout bounds how long finishing a session may take once the
// engine disconnects. Default: 30s.
func WithStopTimeout(d time.Duration) Option {
	return func(h *Handler) { h.stopTimeout = d }
}

// Handler serves engine streams.
type Handler struct {
	sessions    *app.SessionManager
	accept      websocket.AcceptOptions
	stopTimeout time.Duration
}

// NewHandler returns a [Handler] that runs sessions on sessions.
func NewHandler(sessions *app.SessionManager, opts ...Option) *Handler {
	h := &Handler{sessions: sessions, stopTimeout: defaultStopTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the stream endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/sessions/{id}/stream", h)
}

// ServeHTTP upgrades the request and runs the session until the engine
// finishes or disconnects. The optional audio_ref query parameter is
// attached to recovery jobs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		slog.Warn("ingest: websocket accept failed", "session_id", sessionID, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := newStream(conn, sessionID)
	go s.writeLoop(ctx)

	sess, err := h.sessions.Start(ctx, sessionID, r.URL.Query().Get("audio_ref"), app.Hooks{
		OnResolution: s.resolution,
		OnHealth:     s.health,
	})
	if err != nil {
		s.close()
		conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}

	status, reason := h.readLoop(ctx, s, sess)
	s.close()
	conn.Close(status, reason)
}

// readLoop consumes engine messages until the session ends. It returns the
// close status for the connection.
func (h *Handler) readLoop(ctx context.Context, s *stream, sess *app.Session) (websocket.StatusCode, string) {
	id := sess.ID()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			slog.Info("ingest: stream closed by engine", "session_id", id, "err", err)
			h.stop(ctx, s, id, nil)
			return websocket.StatusNormalClosure, "stream closed"
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.protocolError(fmt.Sprintf("invalid message: %v", err))
			continue
		}

		switch msg.Type {
		case TypeEmbedding:
			err = sess.Submit(ctx, identity.Event{
				Vector:          msg.Vector,
				Range:           voiceprint.TimeRange{Start: msg.Start, End: msg.End},
				TransientLabel:  msg.Label,
				Confidence:      msg.Confidence,
				ExtractionModel: msg.Model,
				QualityScore:    msg.QualityScore,
			})
		case TypeSegment:
			err = h.sessions.ReportSegment(ctx, id, app.SegmentReport{
				Speaker: msg.Speaker,
				Start:   msg.Start,
				End:     msg.End,
				Text:    msg.Text,
			})
		case TypeError:
			err = h.sessions.ReportError(id, msg.Message, msg.Reason)
		case TypeResult:
			if msg.Result == nil {
				s.protocolError("result message without result")
				continue
			}
			h.stop(ctx, s, id, msg.Result)
			return websocket.StatusNormalClosure, "session finished"
		case TypeEnd:
			h.stop(ctx, s, id, nil)
			return websocket.StatusNormalClosure, "session ended"
		default:
			s.protocolError(fmt.Sprintf("unknown message type %q", msg.Type))
			continue
		}

		if errors.Is(err, app.ErrSessionClosed) || errors.Is(err, app.ErrNoActiveSession) {
			slog.Info("ingest: session replaced by another stream", "session_id", id)
			return websocket.StatusGoingAway, "session replaced"
		}
		if err != nil {
			s.protocolError(err.Error())
		}
	}
}

// stop finishes the session and pushes the summary. It runs detached from
// the request context so a disconnecting engine still gets its session
// finalised.
func (h *Handler) stop(ctx context.Context, s *stream, id string, result *failure.Result) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.stopTimeout)
	defer cancel()

	sum, err := h.sessions.Stop(stopCtx, id, result)
	if errors.Is(err, app.ErrNoActiveSession) {
		return
	}
	if err != nil {
		slog.Warn("ingest: stopping session", "session_id", id, "err", err)
	}
	if sum.Notification != nil {
		s.send(Outbound{Type: TypeNotification, Notification: sum.Notification})
	}
	s.send(Outbound{Type: TypeSummary, Summary: &sum})
}

// ─── Outbound stream ─────────────────────────────────────────────────────────

// stream serialises writes to one connection.
type stream struct {
	conn      *websocket.Conn
	sessionID string
	out       chan Outbound
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newStream(conn *websocket.Conn, sessionID string) *stream {
	return &stream{
		conn:      conn,
		sessionID: sessionID,
		out:       make(chan Outbound, outboundBuffer),
		done:      make(chan struct{}),
	}
}

func (s *stream) resolution(r identity.Resolution) {
	msg := Outbound{Type: TypeResolution, Resolution: &r}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	s.send(msg)
}

func (s *stream) health(ev health.Event) {
	s.send(Outbound{Type: TypeHealth, Health: &ev})
}

func (s *stream) protocolError(msg string) {
	slog.Debug("ingest: protocol error", "session_id", s.sessionID, "err", msg)
	s.send(Outbound{Type: TypeError, Error: msg})
}

// send queues msg unless the stream is closed or the writer has stopped.
func (s *stream) send(msg Outbound) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	case <-s.done:
	}
}

// close stops intake and waits for queued messages to be written.
func (s *stream) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *stream) writeLoop(ctx context.Context) {
	defer close(s.done)
	for msg := range s.out {
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("ingest: marshal outbound message", "type", msg.Type, "err", err)
			continue
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
		err = s.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("ingest: write failed, dropping remaining messages", "session_id", s.sessionID, "err", err)
			for range s.out {
			}
			return
		}
	}
}
