package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/health"
	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/telemetry"
	"github.com/MrWong99/voxid/internal/transcript"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

var (
	// ErrNoActiveSession is returned when a call names a session that is not
	// the active one.
	ErrNoActiveSession = errors.New("app: no such active session")

	// ErrSessionClosed is returned by [Session.Submit] once the session is
	// stopping.
	ErrSessionClosed = errors.New("app: session closed")
)

// defaultQueueSize bounds the per-session embedding queue.
const defaultQueueSize = 64

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// AudioRef points at the session recording; attached to recovery jobs.
	AudioRef string `json:"audio_ref,omitempty"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// Hooks receive per-session output. Both run on manager goroutines and
// should not block for long.
type Hooks struct {
	// OnResolution is called for every processed embedding event, in
	// arrival order, including failed ones.
	OnResolution func(identity.Resolution)

	// OnHealth is called for every health transition of the session.
	OnHealth func(health.Event)
}

// Summary is everything known about a session once it has stopped.
type Summary struct {
	SessionID string                `json:"session_id"`
	Stats     identity.SessionStats `json:"stats"`
	Health    health.SessionHealth  `json:"health"`

	// Result is the validated final result, nil when the session stopped
	// without one.
	Result  *failure.Result `json:"result,omitempty"`
	Verdict failure.Verdict `json:"verdict"`

	// Notification is set when the result was a failure.
	Notification *failure.Notification `json:"notification,omitempty"`

	// RecoveryJob is the pending recovery job for a failed result.
	RecoveryJob *voiceprint.RecoveryJob `json:"recovery_job,omitempty"`

	// SegmentsBackfilled counts transcript segments attributed at stop time.
	SegmentsBackfilled int `json:"segments_backfilled,omitempty"`
}

// SegmentReport is one diarized transcript segment reported by the engine.
type SegmentReport struct {
	Speaker string
	Start   float64
	End     float64
	Text    string
}

// Session is one running diarization session. Embedding events submitted to
// it are processed by a dedicated worker in arrival order.
type Session struct {
	info   SessionInfo
	hooks  Hooks
	queue  chan identity.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.SessionID }

// Info returns the session metadata.
func (s *Session) Info() SessionInfo { return s.info }

// Submit enqueues an embedding event. It blocks while the queue is full and
// returns [ErrSessionClosed] once the session is stopping.
func (s *Session) Submit(ctx context.Context, ev identity.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain stops intake and waits for queued events to be processed. When ctx
// expires first the in-flight event is cancelled.
func (s *Session) drain(ctx context.Context) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		slog.Warn("app: session drain interrupted", "session_id", s.info.SessionID, "err", ctx.Err())
		s.cancel()
		<-s.done
	}
	s.cancel()
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Mapper    *identity.Mapper
	Monitor   *health.Monitor
	Validator *failure.Validator
	Telemetry *telemetry.Recorder
	Metrics   *observe.Metrics

	// Transcripts, when set, receives every reported segment.
	Transcripts transcript.Store

	// QueueSize bounds each session's embedding queue. Default 64.
	QueueSize int
}

// SessionManager manages the lifecycle of diarization sessions. Only one
// session is active at a time; starting another one stops the previous one.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mapper      *identity.Mapper
	monitor     *health.Monitor
	validator   *failure.Validator
	telemetry   *telemetry.Recorder
	transcripts transcript.Store
	metrics     *observe.Metrics
	queueSize   int

	// mu serialises Start and Stop.
	mu     sync.Mutex
	active *Session

	// routeMu guards current, which routes health events. It is separate
	// from mu because the monitor emits synchronously from Start.
	routeMu sync.RWMutex
	current *Session

	unsubscribe func()
	closeOnce   sync.Once
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		mapper:      cfg.Mapper,
		monitor:     cfg.Monitor,
		validator:   cfg.Validator,
		telemetry:   cfg.Telemetry,
		transcripts: cfg.Transcripts,
		metrics:     cfg.Metrics,
		queueSize:   cfg.QueueSize,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.queueSize <= 0 {
		sm.queueSize = defaultQueueSize
	}
	sm.unsubscribe = sm.monitor.Subscribe(sm.onHealth)
	return sm
}

func (sm *SessionManager) onHealth(ev health.Event) {
	sm.telemetry.RecordHealthTransition(context.Background(), ev.SessionID, string(ev.To), ev.Reason)

	sm.routeMu.RLock()
	s := sm.current
	sm.routeMu.RUnlock()
	if s != nil && s.info.SessionID == ev.SessionID && s.hooks.OnHealth != nil {
		s.hooks.OnHealth(ev)
	}
}

// Start begins a new session. Any active session is stopped first, without
// a final result.
func (sm *SessionManager) Start(ctx context.Context, sessionID, audioRef string, hooks Hooks) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("app: session id is required")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		prev := sm.active.info.SessionID
		slog.Info("app: implicitly stopping previous session", "session_id", prev, "next_session_id", sessionID)
		if _, err := sm.stopLocked(ctx, nil); err != nil {
			slog.Warn("app: stopping previous session", "session_id", prev, "err", err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		info: SessionInfo{
			SessionID: sessionID,
			AudioRef:  audioRef,
			StartedAt: time.Now().UTC(),
		},
		hooks:  hooks,
		queue:  make(chan identity.Event, sm.queueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	sm.routeMu.Lock()
	sm.current = s
	sm.routeMu.Unlock()

	sm.mapper.StartSession(sessionID)
	sm.monitor.StartMonitoring(ctx, sessionID, audioRef)
	go sm.run(workerCtx, s)

	sm.active = s
	sm.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("app: session started", "session_id", sessionID, "audio_ref", audioRef)
	return s, nil
}

// run is the per-session worker.
func (sm *SessionManager) run(ctx context.Context, s *Session) {
	defer close(s.done)
	for ev := range s.queue {
		res, _ := sm.mapper.ProcessEmbeddingEvent(ctx, ev)
		if s.hooks.OnResolution != nil {
			s.hooks.OnResolution(res)
		}
	}
}

// ReportSegment forwards a diarized segment to the health monitor and, when
// a transcript store is configured, records it. The segment is attributed
// immediately if its label is already mapped; otherwise it is backfilled
// when the session stops.
func (sm *SessionManager) ReportSegment(ctx context.Context, sessionID string, seg SegmentReport) error {
	if !sm.isActive(sessionID) {
		return ErrNoActiveSession
	}
	sm.monitor.ReportSegment(seg.Speaker)
	if sm.transcripts == nil {
		return nil
	}
	speakerID, _ := sm.mapper.PersistentID(sessionID, seg.Speaker)
	if _, err := sm.transcripts.AppendSegment(ctx, transcript.Segment{
		SessionID:      sessionID,
		TransientLabel: seg.Speaker,
		SpeakerID:      speakerID,
		Start:          seg.Start,
		End:            seg.End,
		Text:           seg.Text,
	}); err != nil {
		return fmt.Errorf("app: report segment: %w", err)
	}
	return nil
}

// ReportError forwards an engine error to the health monitor.
func (sm *SessionManager) ReportError(sessionID, message, reason string) error {
	if !sm.isActive(sessionID) {
		return ErrNoActiveSession
	}
	sm.monitor.ReportError(message, reason)
	return nil
}

func (sm *SessionManager) isActive(sessionID string) bool {
	sm.routeMu.RLock()
	defer sm.routeMu.RUnlock()
	return sm.current != nil && sm.current.info.SessionID == sessionID
}

// Stop ends sessionID. Queued events are processed first. When result is
// non-nil it is validated: silent fallbacks become explicit failures, every
// failure gets a notification and a recovery job.
func (sm *SessionManager) Stop(ctx context.Context, sessionID string, result *failure.Result) (Summary, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil || sm.active.info.SessionID != sessionID {
		return Summary{}, ErrNoActiveSession
	}
	return sm.stopLocked(ctx, result)
}

// StopActive ends whichever session is active, without a final result.
func (sm *SessionManager) StopActive(ctx context.Context) (Summary, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return Summary{}, ErrNoActiveSession
	}
	return sm.stopLocked(ctx, nil)
}

// stopLocked must be called with sm.mu held.
func (sm *SessionManager) stopLocked(ctx context.Context, result *failure.Result) (Summary, error) {
	s := sm.active
	id := s.info.SessionID
	s.drain(ctx)

	sum := Summary{SessionID: id, Verdict: failure.Verdict{Valid: true}}
	var errs []error

	if sm.transcripts != nil {
		n, err := transcript.Backfill(ctx, sm.transcripts, sm.mapper, id)
		if err != nil {
			errs = append(errs, err)
		}
		sum.SegmentsBackfilled = n
	}

	stats, err := sm.mapper.EndSession()
	if err != nil {
		errs = append(errs, fmt.Errorf("end mapping: %w", err))
	}
	sum.Stats = stats

	h, err := sm.monitor.StopMonitoring(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	sum.Health = h

	sm.routeMu.Lock()
	sm.current = nil
	sm.routeMu.Unlock()
	sm.active = nil
	sm.metrics.ActiveSessions.Add(ctx, -1)

	if result != nil {
		if err := sm.finalize(ctx, s, *result, &sum); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("app: session stopped",
		"session_id", id,
		"health", h.Status,
		"embeddings", stats.EmbeddingsProcessed,
		"valid", sum.Verdict.Valid,
	)
	if len(errs) > 0 {
		return sum, fmt.Errorf("app: stop session %q: %w", id, errors.Join(errs...))
	}
	return sum, nil
}

// finalize validates the final result and records the outcome.
func (sm *SessionManager) finalize(ctx context.Context, s *Session, r failure.Result, sum *Summary) error {
	r.SessionID = s.info.SessionID
	speakers := len(r.Speakers())
	out, verdict := sm.validator.Enforce(ctx, r)
	sum.Result = &out
	sum.Verdict = verdict

	category := ""
	if !out.Success {
		category = string(out.ErrorType)
	}
	sm.telemetry.RecordDiarization(ctx, r.SessionID, time.Since(s.info.StartedAt), speakers, category)

	if verdict.RecordID == "" {
		return nil
	}
	n, _, err := sm.validator.GenerateNotification(verdict.RecordID)
	if err == nil {
		sum.Notification = &n
	}

	if !sm.monitor.Config().AutoRecovery {
		return nil
	}
	job, _, err := sm.monitor.QueuePostMeetingRecovery(ctx, r.SessionID, string(out.ErrorType), s.info.AudioRef)
	if err != nil {
		return err
	}
	sum.RecoveryJob = &job
	return nil
}

// Active returns metadata about the active session.
func (sm *SessionManager) Active() (SessionInfo, bool) {
	sm.routeMu.RLock()
	defer sm.routeMu.RUnlock()
	if sm.current == nil {
		return SessionInfo{}, false
	}
	return sm.current.info, true
}

// Close stops any active session and detaches from the health monitor.
func (sm *SessionManager) Close() error {
	var err error
	sm.closeOnce.Do(func() {
		if _, stopErr := sm.StopActive(context.Background()); stopErr != nil && !errors.Is(stopErr, ErrNoActiveSession) {
			err = stopErr
		}
		sm.unsubscribe()
	})
	return err
}
