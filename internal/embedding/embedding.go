// Package embedding persists voice embeddings and keeps each speaker's
// derived [voiceprint.SpeakerProfile] in step with its embedding set.
//
// Every successful [Store.StoreEmbedding] or [Store.PruneOldEmbeddings] is
// followed by a synchronous profile recompute: the centroid is the exact
// component-wise mean of the speaker's current embeddings, the variance is
// the RMS of (1 − cosine(embedding, centroid)) and the quality tier is
// derived from the embedding count.
//
// Writes for the same speaker are serialised internally, so callers may use a
// single [Store] from several session workers.
package embedding

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

// Repository is the subset of [voiceprint.Store] the embedding store needs.
type Repository interface {
	voiceprint.EmbeddingStore
	voiceprint.ProfileStore
}

// TierThresholds are the embedding counts at which a profile is promoted.
// Profiles below StableMin are learning.
type TierThresholds struct {
	StableMin   int
	VerifiedMin int
}

// DefaultTierThresholds returns learning < 5, stable 5–9, verified ≥ 10.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{StableMin: 5, VerifiedMin: 10}
}

// Classify returns the tier for a profile backed by count embeddings.
func (t TierThresholds) Classify(count int) voiceprint.QualityTier {
	switch {
	case count >= t.VerifiedMin:
		return voiceprint.TierVerified
	case count >= t.StableMin:
		return voiceprint.TierStable
	default:
		return voiceprint.TierLearning
	}
}

// NewEmbedding is the input to [Store.StoreEmbedding].
type NewEmbedding struct {
	SpeakerID       string
	SessionID       string
	Vector          []float32
	ExtractionModel string
	Confidence      float64
	Range           voiceprint.TimeRange
	QualityScore    *float64
	Verified        bool
}

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithTierThresholds overrides [DefaultTierThresholds].
func WithTierThresholds(t TierThresholds) Option {
	return func(s *Store) { s.tiers = t }
}

// WithMaxEmbeddingsPerSpeaker enables automatic pruning after each insert.
// Zero (the default) keeps every embedding.
func WithMaxEmbeddingsPerSpeaker(n int) Option {
	return func(s *Store) { s.maxPerSpeaker = n }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the embedding store. All methods are safe for concurrent use.
type Store struct {
	repo    Repository
	metrics *observe.Metrics
	now     func() time.Time

	// settingsMu guards the hot-reloadable settings below.
	settingsMu    sync.RWMutex
	tiers         TierThresholds
	maxPerSpeaker int

	locksMu sync.Mutex
	locks   map[string]*speakerLock
}

type speakerLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a [Store] backed by repo.
func New(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		now:   time.Now,
		tiers: DefaultTierThresholds(),
		locks: make(map[string]*speakerLock),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetTierThresholds replaces the tier thresholds. Existing profiles pick up
// the new tiers on their next recompute.
func (s *Store) SetTierThresholds(t TierThresholds) {
	s.settingsMu.Lock()
	s.tiers = t
	s.settingsMu.Unlock()
}

// TierThresholds returns the active tier thresholds.
func (s *Store) TierThresholds() TierThresholds {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.tiers
}

// SetMaxEmbeddingsPerSpeaker changes the automatic pruning cap. Zero
// disables pruning.
func (s *Store) SetMaxEmbeddingsPerSpeaker(n int) {
	s.settingsMu.Lock()
	s.maxPerSpeaker = n
	s.settingsMu.Unlock()
}

// MaxEmbeddingsPerSpeaker returns the automatic pruning cap.
func (s *Store) MaxEmbeddingsPerSpeaker() int {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.maxPerSpeaker
}

// lock acquires the per-speaker mutex and returns its release func.
func (s *Store) lock(speakerID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[speakerID]
	if !ok {
		l = &speakerLock{}
		s.locks[speakerID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, speakerID)
		}
		s.locksMu.Unlock()
	}
}

// StoreEmbedding persists e and recomputes the speaker's profile. It returns
// [voiceprint.ErrDimensionMismatch] without writing anything when the vector
// length disagrees with the dimension already established for the speaker.
func (s *Store) StoreEmbedding(ctx context.Context, e NewEmbedding) (string, error) {
	if e.SpeakerID == "" {
		return "", errors.New("embedding: store: speaker id is required")
	}
	if len(e.Vector) == 0 {
		return "", fmt.Errorf("embedding: store: %w", voiceprint.ErrEmptyVector)
	}

	start := s.now()
	defer func() {
		s.metrics.StoreDuration.Record(ctx, s.now().Sub(start).Seconds())
	}()

	unlock := s.lock(e.SpeakerID)
	defer unlock()

	dim, err := s.establishedDimension(ctx, e.SpeakerID)
	if err != nil {
		return "", fmt.Errorf("embedding: store: %w", err)
	}
	if dim > 0 && dim != len(e.Vector) {
		return "", fmt.Errorf("embedding: store speaker %q: %w: got %d, want %d",
			e.SpeakerID, voiceprint.ErrDimensionMismatch, len(e.Vector), dim)
	}

	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	row := voiceprint.VoiceEmbedding{
		ID:              uuid.NewString(),
		SpeakerID:       e.SpeakerID,
		SessionID:       e.SessionID,
		Vector:          vec,
		Dimension:       len(vec),
		ExtractionModel: e.ExtractionModel,
		Confidence:      e.Confidence,
		Range:           e.Range,
		QualityScore:    e.QualityScore,
		Verified:        e.Verified,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.InsertEmbedding(ctx, row); err != nil {
		return "", fmt.Errorf("embedding: insert: %w", err)
	}

	if limit := s.MaxEmbeddingsPerSpeaker(); limit > 0 {
		if _, err := s.prune(ctx, e.SpeakerID, limit); err != nil {
			return row.ID, err
		}
	}
	if err := s.recompute(ctx, e.SpeakerID); err != nil {
		return row.ID, err
	}
	return row.ID, nil
}

// establishedDimension returns the speaker's centroid length, falling back to
// the newest embedding when no profile exists yet. Zero means unknown.
func (s *Store) establishedDimension(ctx context.Context, speakerID string) (int, error) {
	p, err := s.repo.GetProfile(ctx, speakerID)
	switch {
	case err == nil && p.Dimension() > 0:
		return p.Dimension(), nil
	case err != nil && !errors.Is(err, voiceprint.ErrNotFound):
		return 0, err
	}
	latest, err := s.repo.ListEmbeddings(ctx, speakerID, 1)
	if err != nil {
		return 0, err
	}
	if len(latest) == 0 {
		return 0, nil
	}
	return len(latest[0].Vector), nil
}

// EmbeddingsForSpeaker returns the speaker's embeddings newest first. A limit
// of zero or less returns all of them.
func (s *Store) EmbeddingsForSpeaker(ctx context.Context, speakerID string, limit int) ([]voiceprint.VoiceEmbedding, error) {
	out, err := s.repo.ListEmbeddings(ctx, speakerID, limit)
	if err != nil {
		return nil, fmt.Errorf("embedding: list %q: %w", speakerID, err)
	}
	return out, nil
}

// PruneOldEmbeddings deletes the speaker's oldest embeddings beyond keepCount,
// recomputes the profile and returns how many were deleted.
func (s *Store) PruneOldEmbeddings(ctx context.Context, speakerID string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	unlock := s.lock(speakerID)
	defer unlock()

	n, err := s.prune(ctx, speakerID, keepCount)
	if err != nil {
		return n, err
	}
	if err := s.recompute(ctx, speakerID); err != nil {
		return n, err
	}
	return n, nil
}

// prune must be called with the speaker lock held.
func (s *Store) prune(ctx context.Context, speakerID string, keep int) (int, error) {
	all, err := s.repo.ListEmbeddings(ctx, speakerID, 0)
	if err != nil {
		return 0, fmt.Errorf("embedding: prune %q: %w", speakerID, err)
	}
	if len(all) <= keep {
		return 0, nil
	}
	ids := make([]string, 0, len(all)-keep)
	for _, e := range all[keep:] {
		ids = append(ids, e.ID)
	}
	n, err := s.repo.DeleteEmbeddings(ctx, ids)
	if err != nil {
		return n, fmt.Errorf("embedding: prune %q: %w", speakerID, err)
	}
	slog.Debug("pruned embeddings", "speaker_id", speakerID, "deleted", n, "kept", keep)
	return n, nil
}

// RecomputeProfile rebuilds the speaker's profile from its current
// embedding set. It is a no-op when the speaker has no embeddings.
func (s *Store) RecomputeProfile(ctx context.Context, speakerID string) error {
	unlock := s.lock(speakerID)
	defer unlock()
	return s.recompute(ctx, speakerID)
}

// recompute must be called with the speaker lock held.
func (s *Store) recompute(ctx context.Context, speakerID string) error {
	embs, err := s.repo.ListEmbeddings(ctx, speakerID, 0)
	if err != nil {
		return fmt.Errorf("embedding: recompute %q: %w", speakerID, err)
	}
	if len(embs) == 0 {
		return nil
	}
	p, err := BuildProfile(speakerID, embs, s.TierThresholds())
	if err != nil {
		return fmt.Errorf("embedding: recompute %q: %w", speakerID, err)
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.repo.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("embedding: upsert profile %q: %w", speakerID, err)
	}
	return nil
}

// Profile returns the speaker's stored profile.
func (s *Store) Profile(ctx context.Context, speakerID string) (voiceprint.SpeakerProfile, error) {
	p, err := s.repo.GetProfile(ctx, speakerID)
	if err != nil {
		return voiceprint.SpeakerProfile{}, fmt.Errorf("embedding: profile %q: %w", speakerID, err)
	}
	return p, nil
}

// BuildProfile derives a profile from embs, which must be ordered newest
// first as returned by [voiceprint.EmbeddingStore.ListEmbeddings]. UpdatedAt is
// left zero.
func BuildProfile(speakerID string, embs []voiceprint.VoiceEmbedding, tiers TierThresholds) (voiceprint.SpeakerProfile, error) {
	vectors := make([][]float32, len(embs))
	var confSum, duration float64
	for i, e := range embs {
		vectors[i] = e.Vector
		confSum += e.Confidence
		duration += e.Range.Duration()
	}
	centroid, err := voiceprint.Centroid(vectors)
	if err != nil {
		return voiceprint.SpeakerProfile{}, err
	}

	newest, oldest := embs[0], embs[len(embs)-1]
	return voiceprint.SpeakerProfile{
		SpeakerID:         speakerID,
		EmbeddingCount:    len(embs),
		AverageConfidence: confSum / float64(len(embs)),
		Centroid:          centroid,
		Variance:          voiceprint.Variance(vectors, centroid),
		QualityTier:       tiers.Classify(len(embs)),
		FirstEmbeddingID:  oldest.ID,
		LastEmbeddingID:   newest.ID,
		FirstSeen:         oldest.CreatedAt,
		LastSeen:          newest.CreatedAt,
		TotalDuration:     duration,
	}, nil
}
