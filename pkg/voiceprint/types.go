// Package voiceprint defines the shared types and persistence interfaces for
// durable speaker identities.
//
// A [VoiceEmbedding] is one voice vector extracted by the diarization engine.
// Every embedding belongs to exactly one persistent [Speaker], whose derived
// [SpeakerProfile] (centroid, variance, quality tier) is recomputed after each
// store or prune. Matching decisions are kept in an append-only
// [MatchDecision] log, and post-session remediation is queued as
// [RecoveryJob] entries for an external batch worker.
//
// Backends live in sub-packages: memstore (in-memory), badgerstore (embedded
// key-value store for desktop installs) and postgres (pgvector).
package voiceprint

import (
	"errors"
	"time"
)

var (
	// ErrDimensionMismatch is returned when a vector's length disagrees with
	// the dimension already established for a speaker. Nothing is written.
	ErrDimensionMismatch = errors.New("voiceprint: embedding dimension mismatch")

	// ErrSpeakerNotFound is returned when a speaker id does not exist.
	ErrSpeakerNotFound = errors.New("voiceprint: speaker not found")

	// ErrNotFound is returned for missing embeddings, jobs and other rows.
	ErrNotFound = errors.New("voiceprint: not found")

	// ErrEmptyVector is returned when a zero-length vector is stored.
	ErrEmptyVector = errors.New("voiceprint: empty vector")
)

// QualityTier classifies how much evidence backs a speaker profile.
type QualityTier string

const (
	TierLearning QualityTier = "learning"
	TierStable   QualityTier = "stable"
	TierVerified QualityTier = "verified"
)

// IsValid reports whether t is a recognised tier.
func (t QualityTier) IsValid() bool {
	switch t {
	case TierLearning, TierStable, TierVerified:
		return true
	}
	return false
}

// Confidence is the confidence tier attached to a match decision.
type Confidence string

const (
	ConfidenceVerified Confidence = "verified"
	ConfidenceHigh     Confidence = "high"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceLow      Confidence = "low"
)

// TimeRange is a segment time range in seconds relative to recording start.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the length of the range, or 0 for inverted ranges.
func (r TimeRange) Duration() float64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Speaker is a durable, cross-session speaker identity.
type Speaker struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// VoiceEmbedding is one extracted voice vector. Embeddings are immutable once
// stored and are only removed by pruning.
type VoiceEmbedding struct {
	ID        string `json:"id"`
	SpeakerID string `json:"speaker_id"`

	// SessionID is the meeting the embedding was extracted from. May be empty
	// for embeddings enrolled outside a session.
	SessionID string `json:"session_id,omitempty"`

	Vector          []float32 `json:"vector"`
	Dimension       int       `json:"dimension"`
	ExtractionModel string    `json:"extraction_model"`

	// Confidence is the engine-reported extraction confidence (0.0–1.0).
	Confidence float64   `json:"confidence"`
	Range      TimeRange `json:"range"`

	// QualityScore is an optional engine-reported audio quality estimate.
	QualityScore *float64 `json:"quality_score,omitempty"`

	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// SpeakerProfile is the aggregate derived from a speaker's current embedding
// set. Centroid is always the exact component-wise mean of that set.
type SpeakerProfile struct {
	SpeakerID         string      `json:"speaker_id"`
	EmbeddingCount    int         `json:"embedding_count"`
	AverageConfidence float64     `json:"average_confidence"`
	Centroid          []float32   `json:"centroid"`
	Variance          float64     `json:"variance"`
	QualityTier       QualityTier `json:"quality_tier"`

	FirstEmbeddingID string    `json:"first_embedding_id"`
	LastEmbeddingID  string    `json:"last_embedding_id"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`

	// TotalDuration is the summed segment duration in seconds.
	TotalDuration float64   `json:"total_duration"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Dimension returns the centroid length.
func (p SpeakerProfile) Dimension() int { return len(p.Centroid) }

// Candidate is a runner-up speaker in a match decision.
type Candidate struct {
	SpeakerID  string  `json:"speaker_id"`
	Similarity float64 `json:"similarity"`
}

// MatchDecision is one append-only audit row written for every matching
// decision, matched or not.
type MatchDecision struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Range      TimeRange  `json:"range"`
	MatchedID  string     `json:"matched_id,omitempty"`
	Similarity float64    `json:"similarity"`
	SecondBest *Candidate `json:"second_best,omitempty"`
	Method     string     `json:"method"`
	Confidence Confidence `json:"confidence"`
	IsNew      bool       `json:"is_new"`

	// Factors records the inputs that drove the decision (thresholds,
	// candidate count, profile tier) for later drift analysis.
	Factors   map[string]any `json:"factors,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecoveryStatus is the lifecycle state of a [RecoveryJob].
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryProcessing RecoveryStatus = "processing"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
)

// IsValid reports whether s is a recognised status.
func (s RecoveryStatus) IsValid() bool {
	switch s {
	case RecoveryPending, RecoveryProcessing, RecoveryCompleted, RecoveryFailed:
		return true
	}
	return false
}

// RecoveryJob is a queued post-session remediation request. This module only
// enqueues and tracks jobs; an external batch worker re-runs diarization.
type RecoveryJob struct {
	ID        string         `json:"id"`
	MeetingID string         `json:"meeting_id"`
	Reason    string         `json:"reason"`
	AudioRef  string         `json:"audio_ref,omitempty"`
	Status    RecoveryStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
