// Package matcher decides whether a new voice embedding belongs to a known
// speaker. Each query is scored against every profile centroid by cosine
// similarity and tiered by configurable thresholds:
//
//	sim ≥ high            match; "verified" for verified profiles, else "high"
//	medium ≤ sim < high   match; "medium"
//	low ≤ sim < medium    match "low" only if the best profile is still
//	                      learning, otherwise a new speaker
//	sim < low             new speaker
//
// Every decision, matched or not, is appended to the decision log.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// MethodCentroidCosine names the scoring method in decision logs.
const MethodCentroidCosine = "centroid_cosine"

// Thresholds are the similarity cut-offs for the three match bands.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// DefaultThresholds returns 0.85 / 0.70 / 0.50.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.85, Medium: 0.70, Low: 0.50}
}

// Repository is what the matcher reads profiles from and logs decisions to.
// Backends that also implement [voiceprint.ProfileSearcher] are queried for
// the top candidates instead of listing every profile.
type Repository interface {
	voiceprint.ProfileStore
	voiceprint.DecisionLog
}

// MatchRequest is one embedding to resolve.
type MatchRequest struct {
	Vector          []float32
	SessionID       string
	Range           voiceprint.TimeRange
	ExtractionModel string
}

// Result is the outcome of [Matcher.Match].
type Result struct {
	// SpeakerID is empty when IsNewSpeaker is true.
	SpeakerID    string
	Similarity   float64
	Confidence   voiceprint.Confidence
	IsNewSpeaker bool
	SecondBest   *voiceprint.Candidate
	Factors      map[string]any

	// DecisionID is the id of the appended decision log row.
	DecisionID string
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThresholds overrides [DefaultThresholds].
func WithThresholds(t Thresholds) Option {
	return func(m *Matcher) { m.thresholds = t }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Matcher) { m.metrics = met }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// Matcher scores embeddings against known profiles. Safe for concurrent use.
type Matcher struct {
	repo    Repository
	metrics *observe.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	thresholds Thresholds
}

// New returns a [Matcher] reading from repo.
func New(repo Repository, opts ...Option) *Matcher {
	m := &Matcher{
		repo:       repo,
		now:        time.Now,
		thresholds: DefaultThresholds(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetThresholds replaces the match thresholds for subsequent calls.
func (m *Matcher) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
}

// Thresholds returns the active thresholds.
func (m *Matcher) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

type scored struct {
	profile voiceprint.SpeakerProfile
	sim     float64
}

// Match resolves req against the known profiles and logs the decision.
func (m *Matcher) Match(ctx context.Context, req MatchRequest) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "matcher.Match",
		trace.WithAttributes(observe.AttrSessionID.String(req.SessionID)),
	)
	defer span.End()

	start := m.now()
	defer func() {
		m.metrics.MatchDuration.Record(ctx, m.now().Sub(start).Seconds())
	}()

	if len(req.Vector) == 0 {
		return Result{}, observe.FailSpan(span, fmt.Errorf("matcher: match: %w", voiceprint.ErrEmptyVector))
	}

	candidates, searched, err := m.candidates(ctx, req.Vector)
	if err != nil {
		return Result{}, observe.FailSpan(span, err)
	}
	th := m.Thresholds()
	res := decide(candidates, th)
	res.Factors["thresholds"] = map[string]float64{"high": th.High, "medium": th.Medium, "low": th.Low}
	res.Factors["dimension"] = len(req.Vector)
	res.Factors["server_search"] = searched
	if req.ExtractionModel != "" {
		res.Factors["extraction_model"] = req.ExtractionModel
	}

	d := voiceprint.MatchDecision{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		Range:      req.Range,
		MatchedID:  res.SpeakerID,
		Similarity: res.Similarity,
		SecondBest: res.SecondBest,
		Method:     MethodCentroidCosine,
		Confidence: res.Confidence,
		IsNew:      res.IsNewSpeaker,
		Factors:    res.Factors,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.repo.AppendDecision(ctx, d); err != nil {
		return Result{}, observe.FailSpan(span, fmt.Errorf("matcher: append decision: %w", err))
	}
	res.DecisionID = d.ID
	span.SetAttributes(
		observe.AttrCandidates.Int(len(candidates)),
		observe.AttrSpeakerID.String(res.SpeakerID),
		observe.AttrSimilarity.Float64(res.Similarity),
		observe.AttrConfidence.String(string(res.Confidence)),
		observe.AttrNewSpeaker.Bool(res.IsNewSpeaker),
	)
	m.metrics.RecordMatchDecision(ctx, string(res.Confidence), res.IsNewSpeaker)
	return res, nil
}

// candidates returns profiles scored against vec, best first. Profiles whose
// centroid dimension differs from vec are skipped.
func (m *Matcher) candidates(ctx context.Context, vec []float32) ([]scored, bool, error) {
	var (
		profiles []voiceprint.SpeakerProfile
		err      error
	)
	searcher, searched := m.repo.(voiceprint.ProfileSearcher)
	if searched {
		profiles, err = searcher.NearestProfiles(ctx, vec, 2)
	} else {
		profiles, err = m.repo.ListProfiles(ctx)
	}
	if err != nil {
		return nil, searched, fmt.Errorf("matcher: load profiles: %w", err)
	}

	out := make([]scored, 0, len(profiles))
	for _, p := range profiles {
		if p.Dimension() != len(vec) {
			continue
		}
		out = append(out, scored{profile: p, sim: voiceprint.CosineSimilarity(vec, p.Centroid)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].sim > out[j].sim })
	return out, searched, nil
}

// decide applies the threshold bands to candidates sorted best first.
func decide(candidates []scored, th Thresholds) Result {
	res := Result{Factors: map[string]any{"candidates": len(candidates)}}
	if len(candidates) == 0 {
		res.IsNewSpeaker = true
		res.Confidence = voiceprint.ConfidenceHigh
		res.Factors["reason"] = "no_profiles"
		return res
	}

	best := candidates[0]
	res.Similarity = best.sim
	res.Factors["best_speaker_id"] = best.profile.SpeakerID
	res.Factors["best_tier"] = string(best.profile.QualityTier)
	res.Factors["best_embedding_count"] = best.profile.EmbeddingCount
	if len(candidates) > 1 {
		res.SecondBest = &voiceprint.Candidate{
			SpeakerID:  candidates[1].profile.SpeakerID,
			Similarity: candidates[1].sim,
		}
	}

	match := func(c voiceprint.Confidence, reason string) Result {
		res.SpeakerID = best.profile.SpeakerID
		res.Confidence = c
		res.Factors["reason"] = reason
		return res
	}

	switch {
	case best.sim >= th.High:
		if best.profile.QualityTier == voiceprint.TierVerified {
			return match(voiceprint.ConfidenceVerified, "high_similarity_verified_profile")
		}
		return match(voiceprint.ConfidenceHigh, "high_similarity")
	case best.sim >= th.Medium:
		return match(voiceprint.ConfidenceMedium, "medium_similarity")
	case best.sim >= th.Low && best.profile.QualityTier == voiceprint.TierLearning:
		return match(voiceprint.ConfidenceLow, "low_similarity_learning_profile")
	case best.sim >= th.Low:
		res.IsNewSpeaker = true
		res.Confidence = voiceprint.ConfidenceLow
		res.Factors["reason"] = "ambiguous_established_profile"
		return res
	default:
		res.IsNewSpeaker = true
		res.Confidence = voiceprint.ConfidenceHigh
		res.Factors["reason"] = "below_low_threshold"
		return res
	}
}
