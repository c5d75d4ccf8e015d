package voiceprint

import "context"

// SpeakerStore persists durable speaker identities.
type SpeakerStore interface {
	// CreateSpeaker inserts a new speaker. The caller supplies the ID.
	CreateSpeaker(ctx context.Context, s Speaker) error

	// GetSpeaker returns [ErrSpeakerNotFound] for unknown ids.
	GetSpeaker(ctx context.Context, id string) (Speaker, error)

	// ListSpeakers returns all speakers ordered by creation time.
	ListSpeakers(ctx context.Context) ([]Speaker, error)

	// RenameSpeaker updates the display name. Returns [ErrSpeakerNotFound]
	// for unknown ids.
	RenameSpeaker(ctx context.Context, id, displayName string) error

	// CountSpeakers returns the number of speakers.
	CountSpeakers(ctx context.Context) (int, error)

	// DeleteSpeaker removes a speaker together with its embeddings and
	// profile. Decisions stay in the audit log. Returns
	// [ErrSpeakerNotFound] for unknown ids.
	DeleteSpeaker(ctx context.Context, id string) error
}

// EmbeddingStore persists raw voice embeddings.
type EmbeddingStore interface {
	// InsertEmbedding stores e. The caller supplies the ID.
	InsertEmbedding(ctx context.Context, e VoiceEmbedding) error

	// ListEmbeddings returns a speaker's embeddings newest first. A limit of
	// zero or less returns all of them.
	ListEmbeddings(ctx context.Context, speakerID string, limit int) ([]VoiceEmbedding, error)

	// DeleteEmbeddings removes the embeddings with the given ids and returns
	// how many rows were actually deleted.
	DeleteEmbeddings(ctx context.Context, ids []string) (int, error)
}

// ProfileStore persists derived speaker profiles, one row per speaker.
type ProfileStore interface {
	// UpsertProfile inserts or replaces the profile for p.SpeakerID.
	UpsertProfile(ctx context.Context, p SpeakerProfile) error

	// GetProfile returns [ErrNotFound] when the speaker has no profile yet.
	GetProfile(ctx context.Context, speakerID string) (SpeakerProfile, error)

	// ListProfiles returns every stored profile.
	ListProfiles(ctx context.Context) ([]SpeakerProfile, error)
}

// DecisionLog is the append-only audit log of matching decisions.
type DecisionLog interface {
	AppendDecision(ctx context.Context, d MatchDecision) error

	// ListDecisions returns a session's decisions in insertion order.
	ListDecisions(ctx context.Context, sessionID string) ([]MatchDecision, error)
}

// RecoveryQueue tracks post-session recovery jobs.
type RecoveryQueue interface {
	// EnqueueRecoveryJob inserts job unless a pending job already exists for
	// job.MeetingID. It returns the job that is pending afterwards and
	// whether job itself was inserted.
	EnqueueRecoveryJob(ctx context.Context, job RecoveryJob) (RecoveryJob, bool, error)

	// PendingRecoveryJob returns the pending job for meetingID, or
	// [ErrNotFound].
	PendingRecoveryJob(ctx context.Context, meetingID string) (RecoveryJob, error)

	// ListRecoveryJobs returns jobs with the given status, oldest first. An
	// empty status lists every job.
	ListRecoveryJobs(ctx context.Context, status RecoveryStatus) ([]RecoveryJob, error)

	// UpdateRecoveryStatus moves a job to status. Returns [ErrNotFound] for
	// unknown ids.
	UpdateRecoveryStatus(ctx context.Context, id string, status RecoveryStatus) error
}

// Store bundles every repository a backend provides.
type Store interface {
	SpeakerStore
	EmbeddingStore
	ProfileStore
	DecisionLog
	RecoveryQueue

	// Ping checks backend reachability for readiness probes.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ProfileSearcher is implemented by backends that can rank profiles by
// centroid cosine distance server-side. The matcher uses it to avoid loading
// every profile per event.
type ProfileSearcher interface {
	// NearestProfiles returns up to k profiles whose centroid has the same
	// dimension as vector, closest first.
	NearestProfiles(ctx context.Context, vector []float32, k int) ([]SpeakerProfile, error)
}
