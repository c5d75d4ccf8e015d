package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

var (
	// ErrHealthTimeout is the cause attached to initialization and liveness
	// timeouts.
	ErrHealthTimeout = errors.New("health: timeout")

	// ErrConsecutiveErrorLimit is the cause attached when too many engine
	// errors arrive without an intervening segment.
	ErrConsecutiveErrorLimit = errors.New("health: consecutive error limit exceeded")
)

// Status is the diarization health of the monitored session.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
)

// Reasons attached to transitions and recovery jobs.
const (
	ReasonSegments          = "segments_flowing"
	ReasonUserDisabled      = "user_disabled"
	ReasonInitTimeout       = "initialization_timeout"
	ReasonNoSegmentsWarning = "no_segments_warning"
	ReasonNoSegmentsTimeout = "no_segments_timeout"
	ReasonSingleSpeaker     = "single_speaker_anomaly"
	ReasonAuthentication    = "authentication_error"
	ReasonModelLoading      = "model_loading_error"
	ReasonProcessError      = "process_error"
	ReasonConsecutiveErrors = "consecutive_errors"
	ReasonEngineError       = "engine_error"
)

// allowed is the transition graph. failed and disabled have no outgoing
// edges within a session.
var allowed = map[Status][]Status{
	StatusUnknown:  {StatusActive, StatusFailed, StatusDisabled},
	StatusActive:   {StatusDegraded, StatusFailed},
	StatusDegraded: {StatusActive, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config tunes the [Monitor]. Zero fields take the defaults of
// [DefaultConfig].
type Config struct {
	CheckInterval        time.Duration
	InitTimeout          time.Duration
	WarningThreshold     time.Duration
	FailureThreshold     time.Duration
	AnomalyMinAge        time.Duration
	AnomalyMinSegments   int
	MaxConsecutiveErrors int
	AutoRecovery         bool
}

// DefaultConfig returns 5s checks, 60s init timeout, 15s/30s liveness
// thresholds, the single-speaker anomaly after 60s and more than 10
// segments, 3 consecutive errors and auto recovery on.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        5 * time.Second,
		InitTimeout:          60 * time.Second,
		WarningThreshold:     15 * time.Second,
		FailureThreshold:     30 * time.Second,
		AnomalyMinAge:        60 * time.Second,
		AnomalyMinSegments:   10,
		MaxConsecutiveErrors: 3,
		AutoRecovery:         true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = d.WarningThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.AnomalyMinAge <= 0 {
		c.AnomalyMinAge = d.AnomalyMinAge
	}
	if c.AnomalyMinSegments <= 0 {
		c.AnomalyMinSegments = d.AnomalyMinSegments
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return c
}

// SessionHealth is a snapshot of the monitored session.
type SessionHealth struct {
	SessionID         string    `json:"session_id"`
	Status            Status    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	StatusChangedAt   time.Time `json:"status_changed_at"`
	LastSegmentAt     time.Time `json:"last_segment_at,omitzero"`
	LastErrorAt       time.Time `json:"last_error_at,omitzero"`
	SegmentCount      int       `json:"segment_count"`
	SpeakerCount      int       `json:"speaker_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	TotalErrors       int       `json:"total_errors"`
	LastReason        string    `json:"last_reason,omitempty"`
	LastErrorReason   string    `json:"last_error_reason,omitempty"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// Event is emitted to subscribers on every status transition.
type Event struct {
	SessionID string           `json:"session_id"`
	From      Status           `json:"from"`
	To        Status           `json:"to"`
	Reason    string           `json:"reason"`
	Message   string           `json:"message"`
	Options   []RecoveryOption `json:"options,omitempty"`
	At        time.Time        `json:"at"`

	// Cause wraps [ErrHealthTimeout] or [ErrConsecutiveErrorLimit] when one
	// of those triggered the transition.
	Cause error `json:"-"`
}

// Option is a functional option for configuring a [Monitor].
type Option func(*Monitor)

// WithConfig overrides [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg.withDefaults() }
}

// WithDisabled starts the monitor opted out.
func WithDisabled(disabled bool) Option {
	return func(m *Monitor) { m.disabled = disabled }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// WithClock overrides time.Now for status bookkeeping and [Monitor.Check].
// Timers still run on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the session-scoped diarization health state machine. One
// session is monitored at a time; starting a new one ends the previous.
// All methods are safe for concurrent use and never panic on misuse.
type Monitor struct {
	queue   voiceprint.RecoveryQueue
	metrics *observe.Metrics
	now     func() time.Time

	mu            sync.Mutex
	cfg           Config
	disabled      bool
	state         SessionHealth
	audioRef      string
	speakers      map[string]struct{}
	anomalyRaised bool
	gen           uint64
	initTimer     *time.Timer
	stopTicker    chan struct{}
	tickerDone    chan struct{}

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewMonitor returns a [Monitor] that enqueues recovery jobs on queue.
func NewMonitor(queue voiceprint.RecoveryQueue, opts ...Option) *Monitor {
	m := &Monitor{
		queue: queue,
		now:   time.Now,
		cfg:   DefaultConfig(),
		subs:  make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers fn for future events and returns a func that removes
// it. fn is called synchronously from the goroutine that caused the
// transition and must not call back into the Monitor's mutating methods.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

func (m *Monitor) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.subsMu.RLock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.RUnlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// ── Configuration ────────────────────────────────────────────────────────────

// SetConfig replaces the thresholds. The check interval and init timeout of
// a running session are kept; all other values apply on the next check.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Config returns the active configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetDisabled records the user's opt-out. It applies to the current session
// only while that session is still unknown, and to every later session.
func (m *Monitor) SetDisabled(disabled bool) {
	m.mu.Lock()
	m.disabled = disabled
	var events []Event
	if disabled && m.state.SessionID != "" {
		if ev := m.transitionLocked(StatusDisabled, ReasonUserDisabled, nil); ev != nil {
			m.stopTimersLocked()
			events = append(events, *ev)
		}
	}
	m.mu.Unlock()
	m.emit(events)
}

// Disabled reports whether the user has opted out.
func (m *Monitor) Disabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// ── Session lifecycle ────────────────────────────────────────────────────────

// StartMonitoring begins monitoring sessionID. audioRef is attached to any
// recovery job queued for the session. A session already being monitored is
// stopped first, including its recovery enqueue.
func (m *Monitor) StartMonitoring(ctx context.Context, sessionID, audioRef string) {
	m.mu.Lock()
	previous := m.state.SessionID
	m.mu.Unlock()
	if previous != "" {
		if _, err := m.StopMonitoring(ctx); err != nil {
			slog.Warn("health: stopping previous session", "session_id", previous, "err", err)
		}
	}

	m.mu.Lock()
	now := m.now()
	m.gen++
	m.state = SessionHealth{
		SessionID:       sessionID,
		Status:          StatusUnknown,
		StartedAt:       now,
		StatusChangedAt: now,
	}
	m.audioRef = audioRef
	m.speakers = make(map[string]struct{})
	m.anomalyRaised = false

	var events []Event
	if m.disabled {
		if ev := m.transitionLocked(StatusDisabled, ReasonUserDisabled, nil); ev != nil {
			events = append(events, *ev)
		}
	} else {
		m.startTimersLocked()
	}
	m.mu.Unlock()

	slog.Info("health: monitoring started", "session_id", sessionID, "disabled", len(events) > 0)
	m.emit(events)
}

// startTimersLocked must be called with m.mu held.
func (m *Monitor) startTimersLocked() {
	gen := m.gen
	m.initTimer = time.AfterFunc(m.cfg.InitTimeout, func() { m.onInitTimeout(gen) })

	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopTicker, m.tickerDone = stop, done
	interval := m.cfg.CheckInterval
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.check(gen)
			}
		}
	}()
}

// stopTimersLocked cancels the timers and returns the channel closed when the
// ticker goroutine has exited. It must be called with m.mu held; the caller
// waits on the returned channel after releasing it.
func (m *Monitor) stopTimersLocked() <-chan struct{} {
	if m.initTimer != nil {
		m.initTimer.Stop()
		m.initTimer = nil
	}
	done := m.tickerDone
	if m.stopTicker != nil {
		close(m.stopTicker)
		m.stopTicker, m.tickerDone = nil, nil
	}
	return done
}

// StopMonitoring cancels the timers and ends the session. When the session
// ends degraded or failed and auto recovery is enabled, a recovery job is
// queued unless one is already pending. The final snapshot is returned even
// when queuing fails.
func (m *Monitor) StopMonitoring(ctx context.Context) (SessionHealth, error) {
	m.mu.Lock()
	if m.state.SessionID == "" {
		m.mu.Unlock()
		return SessionHealth{}, nil
	}
	m.gen++
	done := m.stopTimersLocked()
	final := m.state
	audioRef := m.audioRef
	auto := m.cfg.AutoRecovery
	m.state = SessionHealth{}
	m.audioRef = ""
	m.speakers = nil
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	slog.Info("health: monitoring stopped", "session_id", final.SessionID, "status", final.Status, "reason", final.LastReason)

	if auto && (final.Status == StatusDegraded || final.Status == StatusFailed) {
		if _, _, err := m.QueuePostMeetingRecovery(ctx, final.SessionID, final.LastReason, audioRef); err != nil {
			return final, err
		}
	}
	return final, nil
}

// QueuePostMeetingRecovery enqueues a recovery job for meetingID unless one
// is already pending. It returns the pending job and whether it was newly
// inserted.
func (m *Monitor) QueuePostMeetingRecovery(ctx context.Context, meetingID, reason, audioRef string) (voiceprint.RecoveryJob, bool, error) {
	now := m.now().UTC()
	job, inserted, err := m.queue.EnqueueRecoveryJob(ctx, voiceprint.RecoveryJob{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Reason:    reason,
		AudioRef:  audioRef,
		Status:    voiceprint.RecoveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return voiceprint.RecoveryJob{}, false, fmt.Errorf("health: queue recovery for %q: %w", meetingID, err)
	}
	m.metrics.RecordRecoveryJob(ctx, inserted)
	if inserted {
		slog.Info("health: recovery job queued", "meeting_id", meetingID, "job_id", job.ID, "reason", reason)
	} else {
		slog.Debug("health: recovery job already pending", "meeting_id", meetingID, "job_id", job.ID)
	}
	return job, inserted, nil
}

// ── Signals ──────────────────────────────────────────────────────────────────

// ReportSegment records a diarized segment attributed to speaker (which may
// be empty when unknown). It cancels the init timeout, clears the
// consecutive error count and moves unknown or degraded sessions to active.
// Failed sessions stay failed.
func (m *Monitor) ReportSegment(speaker string) {
	m.mu.Lock()
	if m.state.SessionID == "" {
		m.mu.Unlock()
		return
	}
	if m.initTimer != nil {
		m.initTimer.Stop()
		m.initTimer = nil
	}
	m.state.ConsecutiveErrors = 0
	m.state.LastSegmentAt = m.now()
	m.state.SegmentCount++
	if speaker != "" {
		m.speakers[speaker] = struct{}{}
		m.state.SpeakerCount = len(m.speakers)
	}

	var events []Event
	if s := m.state.Status; s == StatusUnknown || s == StatusDegraded {
		if ev := m.transitionLocked(StatusActive, ReasonSegments, nil); ev != nil {
			events = append(events, *ev)
		}
	}
	m.mu.Unlock()
	m.emit(events)
}

// ReportError records an engine error. Authentication and model loading
// errors, and reaching the consecutive error limit, fail the session; any
// other error degrades an active session.
func (m *Monitor) ReportError(message, reason string) {
	if reason == "" {
		reason = ReasonEngineError
	}
	m.mu.Lock()
	if m.state.SessionID == "" {
		m.mu.Unlock()
		slog.Debug("health: error reported without session", "reason", reason, "message", message)
		return
	}
	m.state.ConsecutiveErrors++
	m.state.TotalErrors++
	m.state.LastErrorAt = m.now()
	m.state.LastErrorReason = reason
	m.state.LastErrorMessage = message

	var ev *Event
	switch {
	case reason == ReasonAuthentication || reason == ReasonModelLoading:
		ev = m.transitionLocked(StatusFailed, reason, nil)
	case m.state.ConsecutiveErrors >= m.cfg.MaxConsecutiveErrors:
		ev = m.transitionLocked(StatusFailed, ReasonConsecutiveErrors,
			fmt.Errorf("%w: %d errors, last: %s", ErrConsecutiveErrorLimit, m.state.ConsecutiveErrors, message))
	case m.state.Status == StatusActive:
		ev = m.transitionLocked(StatusDegraded, reason, nil)
	}
	var events []Event
	if ev != nil {
		events = append(events, *ev)
	}
	m.mu.Unlock()
	m.emit(events)
}

// Check runs one periodic health evaluation immediately. The ticker started
// by [Monitor.StartMonitoring] calls it every check interval.
func (m *Monitor) Check() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.check(gen)
}

func (m *Monitor) check(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state.SessionID == "" {
		m.mu.Unlock()
		return
	}
	now := m.now()
	st := m.state
	cfg := m.cfg

	var ev *Event
	switch st.Status {
	case StatusUnknown:
		if now.Sub(st.StartedAt) >= cfg.InitTimeout {
			ev = m.initTimeoutLocked()
		}
	case StatusActive, StatusDegraded:
		silence := now.Sub(st.LastSegmentAt)
		switch {
		case silence >= cfg.FailureThreshold:
			ev = m.transitionLocked(StatusFailed, ReasonNoSegmentsTimeout,
				fmt.Errorf("%w: no segments for %s", ErrHealthTimeout, silence.Round(time.Second)))
		case silence >= cfg.WarningThreshold:
			ev = m.transitionLocked(StatusDegraded, ReasonNoSegmentsWarning, nil)
		case st.Status == StatusActive && !m.anomalyRaised &&
			now.Sub(st.StartedAt) > cfg.AnomalyMinAge &&
			st.SegmentCount > cfg.AnomalyMinSegments &&
			len(m.speakers) == 1:
			m.anomalyRaised = true
			ev = m.transitionLocked(StatusDegraded, ReasonSingleSpeaker, nil)
		}
	}
	var events []Event
	if ev != nil {
		events = append(events, *ev)
	}
	m.mu.Unlock()
	m.emit(events)
}

func (m *Monitor) onInitTimeout(gen uint64) {
	m.mu.Lock()
	var events []Event
	if gen == m.gen && m.state.Status == StatusUnknown && m.state.SessionID != "" {
		if ev := m.initTimeoutLocked(); ev != nil {
			events = append(events, *ev)
		}
	}
	m.mu.Unlock()
	m.emit(events)
}

// initTimeoutLocked must be called with m.mu held.
func (m *Monitor) initTimeoutLocked() *Event {
	return m.transitionLocked(StatusFailed, ReasonInitTimeout,
		fmt.Errorf("%w: no segment within %s", ErrHealthTimeout, m.cfg.InitTimeout))
}

// transitionLocked moves the session to `to` if the graph allows it and
// returns the event to emit once m.mu is released. It must be called with
// m.mu held.
func (m *Monitor) transitionLocked(to Status, reason string, cause error) *Event {
	from := m.state.Status
	if from == to || !canTransition(from, to) {
		return nil
	}
	now := m.now()
	m.state.Status = to
	m.state.StatusChangedAt = now
	m.state.LastReason = reason

	ev := &Event{
		SessionID: m.state.SessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Message:   Message(to, reason),
		Options:   RecoveryOptions(reason),
		At:        now,
		Cause:     cause,
	}

	m.metrics.RecordHealthTransition(context.Background(), string(from), string(to), reason)
	log := slog.Info
	if to == StatusFailed {
		log = slog.Warn
	}
	log("health: status changed", "session_id", ev.SessionID, "from", from, "to", to, "reason", reason)
	return ev
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Snapshot returns the monitored session's state. The zero value is
// returned when no session is being monitored.
func (m *Monitor) Snapshot() SessionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current status, or [StatusUnknown] with no session.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.SessionID == "" {
		return StatusUnknown
	}
	return m.state.Status
}
