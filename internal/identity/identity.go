// Package identity bridges the transient speaker labels a diarization engine
// assigns per run ("SPEAKER_00", "SPEAKER_01", …) to durable speaker ids.
//
// A [Mapper] tracks one active session at a time. Each embedding event is
// resolved through the matcher, new persistent speakers are created on
// demand, the embedding is stored (which recomputes the speaker profile) and
// the transient↔persistent mapping for the session is updated. Mappings of
// ended sessions stay queryable.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxid/internal/embedding"
	"github.com/MrWong99/voxid/internal/matcher"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/resilience"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

var (
	// ErrSessionNotStarted is returned when an event arrives with no active
	// session.
	ErrSessionNotStarted = errors.New("identity: session not started")

	// ErrNoTranscriptStore is returned by [Mapper.BatchUpdateSegments] when
	// the mapper was built without a [TranscriptStore].
	ErrNoTranscriptStore = errors.New("identity: no transcript store configured")
)

// Resolver resolves an embedding against known profiles.
type Resolver interface {
	Match(ctx context.Context, req matcher.MatchRequest) (matcher.Result, error)
}

// EmbeddingWriter persists embeddings and keeps profiles current.
type EmbeddingWriter interface {
	StoreEmbedding(ctx context.Context, e embedding.NewEmbedding) (string, error)
}

// SegmentUpdate assigns a persistent speaker to a recorded transcript
// segment. When SpeakerID is empty it is looked up from the session's
// mapping of TransientLabel.
type SegmentUpdate struct {
	SessionID      string `json:"session_id"`
	SegmentID      string `json:"segment_id"`
	TransientLabel string `json:"transient_label,omitempty"`
	SpeakerID      string `json:"speaker_id,omitempty"`
}

// TranscriptStore is the external collaborator that owns transcript
// segments.
type TranscriptStore interface {
	UpdateSegmentSpeakers(ctx context.Context, updates []SegmentUpdate) error
}

// Event is one embedding emitted by the diarization engine.
type Event struct {
	Vector          []float32
	Range           voiceprint.TimeRange
	TransientLabel  string
	Confidence      float64
	ExtractionModel string
	QualityScore    *float64
}

// Resolution is the outcome of processing one [Event]. A failed resolution
// carries Err and leaves the speaker fields empty.
type Resolution struct {
	SessionID      string                `json:"session_id"`
	TransientLabel string                `json:"transient_label,omitempty"`
	SpeakerID      string                `json:"speaker_id,omitempty"`
	DisplayName    string                `json:"display_name,omitempty"`
	EmbeddingID    string                `json:"embedding_id,omitempty"`
	Similarity     float64               `json:"similarity"`
	Confidence     voiceprint.Confidence `json:"confidence,omitempty"`
	IsNewSpeaker   bool                  `json:"is_new_speaker"`
	Err            error                 `json:"-"`
}

// Failed reports whether the event could not be resolved.
func (r Resolution) Failed() bool { return r.Err != nil }

// SessionStats are the per-session counters.
type SessionStats struct {
	SessionID           string    `json:"session_id"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at,omitzero"`
	EmbeddingsProcessed int       `json:"embeddings_processed"`
	NewSpeakersCreated  int       `json:"new_speakers_created"`
	Matched             int       `json:"matched"`
	Errors              int       `json:"errors"`
}

// Option is a functional option for configuring a [Mapper].
type Option func(*Mapper)

// WithTranscriptStore sets the collaborator used by
// [Mapper.BatchUpdateSegments].
func WithTranscriptStore(ts TranscriptStore) Option {
	return func(m *Mapper) { m.transcripts = ts }
}

// WithBreaker overrides the circuit breaker guarding the transcript store.
func WithBreaker(b *resilience.Breaker) Option {
	return func(m *Mapper) { m.breaker = b }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Mapper) { m.metrics = met }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

type sessionMap struct {
	toPersistent map[string]string
	toTransient  map[string][]string
}

func newSessionMap() *sessionMap {
	return &sessionMap{
		toPersistent: make(map[string]string),
		toTransient:  make(map[string][]string),
	}
}

func (sm *sessionMap) bind(label, speakerID string) {
	if label == "" {
		return
	}
	if prev, ok := sm.toPersistent[label]; ok {
		if prev == speakerID {
			return
		}
		sm.toTransient[prev] = slices.DeleteFunc(sm.toTransient[prev], func(l string) bool { return l == label })
		if len(sm.toTransient[prev]) == 0 {
			delete(sm.toTransient, prev)
		}
	}
	sm.toPersistent[label] = speakerID
	sm.toTransient[speakerID] = append(sm.toTransient[speakerID], label)
}

// Mapper resolves transient labels to persistent speakers for one active
// session at a time. All methods are safe for concurrent use; event
// processing is serialised so events are applied in arrival order.
type Mapper struct {
	resolver    Resolver
	embeddings  EmbeddingWriter
	speakers    voiceprint.SpeakerStore
	transcripts TranscriptStore
	breaker     *resilience.Breaker
	metrics     *observe.Metrics
	now         func() time.Time

	// procMu serialises event processing and session boundaries.
	procMu sync.Mutex

	mu       sync.RWMutex
	active   string
	current  SessionStats
	mappings map[string]*sessionMap
	history  map[string]SessionStats
}

// New returns a [Mapper].
func New(resolver Resolver, embeddings EmbeddingWriter, speakers voiceprint.SpeakerStore, opts ...Option) *Mapper {
	m := &Mapper{
		resolver:   resolver,
		embeddings: embeddings,
		speakers:   speakers,
		now:        time.Now,
		mappings:   make(map[string]*sessionMap),
		history:    make(map[string]SessionStats),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.breaker == nil {
		m.breaker = resilience.New(resilience.Config{Name: "transcript-store"})
	}
	return m
}

// ── Session lifecycle ────────────────────────────────────────────────────────

// StartSession makes sessionID the active session, ending any previous one.
// The session's mapping scope and counters are reset.
func (m *Mapper) StartSession(sessionID string) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		slog.Info("identity: implicitly ending previous session", "session_id", m.active, "next_session_id", sessionID)
		m.finishLocked()
	}
	m.active = sessionID
	m.current = SessionStats{SessionID: sessionID, StartedAt: m.now().UTC()}
	m.mappings[sessionID] = newSessionMap()
	delete(m.history, sessionID)
}

// EndSession finalises the active session's statistics and clears the
// active pointer. In-flight event processing completes first.
func (m *Mapper) EndSession() (SessionStats, error) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return SessionStats{}, ErrSessionNotStarted
	}
	return m.finishLocked(), nil
}

// finishLocked must be called with m.mu held.
func (m *Mapper) finishLocked() SessionStats {
	st := m.current
	st.EndedAt = m.now().UTC()
	m.history[st.SessionID] = st
	m.active = ""
	m.current = SessionStats{}
	slog.Info("identity: session ended",
		"session_id", st.SessionID,
		"embeddings", st.EmbeddingsProcessed,
		"new_speakers", st.NewSpeakersCreated,
		"matched", st.Matched,
		"errors", st.Errors,
	)
	return st
}

// ActiveSession returns the active session id, or "".
func (m *Mapper) ActiveSession() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Stats returns the active session's counters.
func (m *Mapper) Stats() SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SessionStats returns the final counters of an ended session.
func (m *Mapper) SessionStats(sessionID string) (SessionStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.history[sessionID]
	return st, ok
}

// ── Event processing ─────────────────────────────────────────────────────────

// ProcessEmbeddingEvent resolves ev to a persistent speaker in the active
// session. Store and matching errors are counted and returned alongside a
// failed [Resolution].
func (m *Mapper) ProcessEmbeddingEvent(ctx context.Context, ev Event) (Resolution, error) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	m.mu.RLock()
	sessionID := m.active
	m.mu.RUnlock()
	if sessionID == "" {
		return Resolution{Err: ErrSessionNotStarted}, ErrSessionNotStarted
	}

	ctx, span := observe.StartSpan(ctx, "identity.ProcessEmbeddingEvent",
		trace.WithAttributes(
			observe.AttrSessionID.String(sessionID),
			observe.AttrLabel.String(ev.TransientLabel),
		),
	)
	defer span.End()

	res, err := m.process(ctx, sessionID, ev)

	m.mu.Lock()
	m.current.EmbeddingsProcessed++
	switch {
	case err != nil:
		m.current.Errors++
	case res.IsNewSpeaker:
		m.current.NewSpeakersCreated++
	default:
		m.current.Matched++
	}
	if err == nil {
		m.mappings[sessionID].bind(ev.TransientLabel, res.SpeakerID)
	}
	m.mu.Unlock()

	if err != nil {
		observe.FailSpan(span, err)
		observe.Logger(ctx).Warn("identity: embedding event failed", "session_id", sessionID, "label", ev.TransientLabel, "err", err)
		res = Resolution{SessionID: sessionID, TransientLabel: ev.TransientLabel, Err: err}
		return res, err
	}
	span.SetAttributes(observe.AttrSpeakerID.String(res.SpeakerID), observe.AttrNewSpeaker.Bool(res.IsNewSpeaker))
	return res, nil
}

func (m *Mapper) process(ctx context.Context, sessionID string, ev Event) (Resolution, error) {
	res := Resolution{SessionID: sessionID, TransientLabel: ev.TransientLabel}

	mr, err := m.resolver.Match(ctx, matcher.MatchRequest{
		Vector:          ev.Vector,
		SessionID:       sessionID,
		Range:           ev.Range,
		ExtractionModel: ev.ExtractionModel,
	})
	if err != nil {
		return res, fmt.Errorf("identity: match: %w", err)
	}
	res.Similarity = mr.Similarity
	res.Confidence = mr.Confidence

	// A new-speaker verdict creates a speaker even when the label is already
	// mapped; bind then moves the label to it.
	if mr.IsNewSpeaker {
		sp, err := m.createSpeaker(ctx)
		if err != nil {
			return res, err
		}
		res.SpeakerID = sp.ID
		res.DisplayName = sp.DisplayName
		res.IsNewSpeaker = true
	} else {
		sp, err := m.speakers.GetSpeaker(ctx, mr.SpeakerID)
		if err != nil {
			return res, fmt.Errorf("identity: get speaker %q: %w", mr.SpeakerID, err)
		}
		res.SpeakerID = sp.ID
		res.DisplayName = sp.DisplayName
	}

	id, err := m.embeddings.StoreEmbedding(ctx, embedding.NewEmbedding{
		SpeakerID:       res.SpeakerID,
		SessionID:       sessionID,
		Vector:          ev.Vector,
		ExtractionModel: ev.ExtractionModel,
		Confidence:      ev.Confidence,
		Range:           ev.Range,
		QualityScore:    ev.QualityScore,
	})
	if err != nil {
		if res.IsNewSpeaker {
			m.discardSpeaker(ctx, res.SpeakerID)
		}
		return res, fmt.Errorf("identity: store embedding: %w", err)
	}
	res.EmbeddingID = id
	if res.IsNewSpeaker {
		m.metrics.SpeakersCreated.Add(ctx, 1)
		observe.Logger(ctx).Info("identity: created speaker", "speaker_id", res.SpeakerID, "display_name", res.DisplayName)
	}
	return res, nil
}

// discardSpeaker removes a speaker created for an event that then failed, so
// no profile-less speaker is left behind and the "Speaker {n}" numbering
// does not skip.
func (m *Mapper) discardSpeaker(ctx context.Context, speakerID string) {
	if err := m.speakers.DeleteSpeaker(context.WithoutCancel(ctx), speakerID); err != nil {
		slog.Warn("identity: discard speaker", "speaker_id", speakerID, "err", err)
	}
}

// createSpeaker inserts a persistent speaker named "Speaker {n}", where n is
// one more than the number of existing speakers.
func (m *Mapper) createSpeaker(ctx context.Context) (voiceprint.Speaker, error) {
	n, err := m.speakers.CountSpeakers(ctx)
	if err != nil {
		return voiceprint.Speaker{}, fmt.Errorf("identity: count speakers: %w", err)
	}
	sp := voiceprint.Speaker{
		ID:          uuid.NewString(),
		DisplayName: DefaultDisplayName(n + 1),
		CreatedAt:   m.now().UTC(),
	}
	if err := m.speakers.CreateSpeaker(ctx, sp); err != nil {
		return voiceprint.Speaker{}, fmt.Errorf("identity: create speaker: %w", err)
	}
	return sp, nil
}

// DefaultDisplayName returns the name given to the n-th speaker.
func DefaultDisplayName(n int) string {
	return fmt.Sprintf("Speaker %d", n)
}

// ── Mapping queries ──────────────────────────────────────────────────────────

// Mapping returns a copy of the session's transient→persistent map.
func (m *Mapper) Mapping(sessionID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.mappings[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(sm.toPersistent))
	for k, v := range sm.toPersistent {
		out[k] = v
	}
	return out
}

// PersistentID returns the persistent id mapped to label in the session.
func (m *Mapper) PersistentID(sessionID, label string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.mappings[sessionID]
	if !ok {
		return "", false
	}
	id, ok := sm.toPersistent[label]
	return id, ok
}

// TransientLabels returns the labels mapped to speakerID in the session.
func (m *Mapper) TransientLabels(sessionID, speakerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.mappings[sessionID]
	if !ok {
		return nil
	}
	return slices.Clone(sm.toTransient[speakerID])
}

// ── Collaborators ────────────────────────────────────────────────────────────

// BatchUpdateSegments propagates resolved speaker ids to the transcript
// store. Updates without a SpeakerID are resolved from the session mapping;
// those that cannot be resolved are skipped. It returns the number of
// updates sent.
func (m *Mapper) BatchUpdateSegments(ctx context.Context, updates []SegmentUpdate) (int, error) {
	if m.transcripts == nil {
		return 0, ErrNoTranscriptStore
	}
	resolved := make([]SegmentUpdate, 0, len(updates))
	for _, u := range updates {
		if u.SpeakerID == "" {
			id, ok := m.PersistentID(u.SessionID, u.TransientLabel)
			if !ok {
				slog.Debug("identity: skipping unresolved segment", "session_id", u.SessionID, "segment_id", u.SegmentID, "label", u.TransientLabel)
				continue
			}
			u.SpeakerID = id
		}
		resolved = append(resolved, u)
	}
	if len(resolved) == 0 {
		return 0, nil
	}
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		return m.transcripts.UpdateSegmentSpeakers(ctx, resolved)
	})
	if err != nil {
		return 0, fmt.Errorf("identity: batch update segments: %w", err)
	}
	return len(resolved), nil
}

// RenameSpeaker sets a persistent speaker's display name. Returns
// [voiceprint.ErrSpeakerNotFound] for unknown ids.
func (m *Mapper) RenameSpeaker(ctx context.Context, speakerID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("identity: rename speaker: display name is empty")
	}
	if err := m.speakers.RenameSpeaker(ctx, speakerID, name); err != nil {
		return fmt.Errorf("identity: rename speaker %q: %w", speakerID, err)
	}
	return nil
}
