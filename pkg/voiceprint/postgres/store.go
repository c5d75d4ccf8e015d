package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// Compile-time interface check.
var (
	_ voiceprint.Store           = (*Store)(nil)
	_ voiceprint.ProfileSearcher = (*Store)(nil)
)

// Store is the PostgreSQL-backed [voiceprint.Store]. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, installs the pgvector extension,
// registers pgvector types on every pooled connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	// The vector type must exist before AfterConnect can register it, so the
	// extension is created over a one-off connection first.
	boot, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	_, err = boot.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	boot.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping implements [voiceprint.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ── Speakers ─────────────────────────────────────────────────────────────────

// CreateSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) CreateSpeaker(ctx context.Context, sp voiceprint.Speaker) error {
	const q = `INSERT INTO speakers (id, display_name, created_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, sp.ID, sp.DisplayName, sp.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: create speaker: %w", err)
	}
	return nil
}

// GetSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) GetSpeaker(ctx context.Context, id string) (voiceprint.Speaker, error) {
	const q = `SELECT id, display_name, created_at FROM speakers WHERE id = $1`
	var sp voiceprint.Speaker
	err := s.pool.QueryRow(ctx, q, id).Scan(&sp.ID, &sp.DisplayName, &sp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return voiceprint.Speaker{}, voiceprint.ErrSpeakerNotFound
	}
	if err != nil {
		return voiceprint.Speaker{}, fmt.Errorf("postgres store: get speaker: %w", err)
	}
	return sp, nil
}

// ListSpeakers implements [voiceprint.SpeakerStore].
func (s *Store) ListSpeakers(ctx context.Context) ([]voiceprint.Speaker, error) {
	const q = `SELECT id, display_name, created_at FROM speakers ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list speakers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voiceprint.Speaker, error) {
		var sp voiceprint.Speaker
		err := row.Scan(&sp.ID, &sp.DisplayName, &sp.CreatedAt)
		return sp, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan speakers: %w", err)
	}
	return out, nil
}

// RenameSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) RenameSpeaker(ctx context.Context, id, displayName string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE speakers SET display_name = $2 WHERE id = $1`, id, displayName)
	if err != nil {
		return fmt.Errorf("postgres store: rename speaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return voiceprint.ErrSpeakerNotFound
	}
	return nil
}

// DeleteSpeaker implements [voiceprint.SpeakerStore]. The speaker row, its
// embeddings and its profile go in one statement.
func (s *Store) DeleteSpeaker(ctx context.Context, id string) error {
	const q = `
		WITH spk AS (
		    DELETE FROM speakers WHERE id = $1 RETURNING id
		), emb AS (
		    DELETE FROM voice_embeddings WHERE speaker_id IN (SELECT id FROM spk)
		), prof AS (
		    DELETE FROM speaker_profiles WHERE speaker_id IN (SELECT id FROM spk)
		)
		SELECT count(*) FROM spk`
	var n int
	if err := s.pool.QueryRow(ctx, q, id).Scan(&n); err != nil {
		return fmt.Errorf("postgres store: delete speaker: %w", err)
	}
	if n == 0 {
		return voiceprint.ErrSpeakerNotFound
	}
	return nil
}

// CountSpeakers implements [voiceprint.SpeakerStore].
func (s *Store) CountSpeakers(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM speakers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count speakers: %w", err)
	}
	return n, nil
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// InsertEmbedding implements [voiceprint.EmbeddingStore].
func (s *Store) InsertEmbedding(ctx context.Context, e voiceprint.VoiceEmbedding) error {
	const q = `
		INSERT INTO voice_embeddings
		    (id, speaker_id, session_id, embedding, dimension, extraction_model,
		     confidence, start_sec, end_sec, quality_score, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, q,
		e.ID,
		e.SpeakerID,
		e.SessionID,
		pgvector.NewVector(e.Vector),
		e.Dimension,
		e.ExtractionModel,
		e.Confidence,
		e.Range.Start,
		e.Range.End,
		e.QualityScore,
		e.Verified,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: insert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings implements [voiceprint.EmbeddingStore].
func (s *Store) ListEmbeddings(ctx context.Context, speakerID string, limit int) ([]voiceprint.VoiceEmbedding, error) {
	q := `
		SELECT id, speaker_id, session_id, embedding, dimension, extraction_model,
		       confidence, start_sec, end_sec, quality_score, verified, created_at
		FROM   voice_embeddings
		WHERE  speaker_id = $1
		ORDER  BY created_at DESC, seq DESC`
	args := []any{speakerID}
	if limit > 0 {
		q += "\n\t\tLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list embeddings: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voiceprint.VoiceEmbedding, error) {
		var (
			e   voiceprint.VoiceEmbedding
			vec pgvector.Vector
		)
		if err := row.Scan(
			&e.ID,
			&e.SpeakerID,
			&e.SessionID,
			&vec,
			&e.Dimension,
			&e.ExtractionModel,
			&e.Confidence,
			&e.Range.Start,
			&e.Range.End,
			&e.QualityScore,
			&e.Verified,
			&e.CreatedAt,
		); err != nil {
			return voiceprint.VoiceEmbedding{}, err
		}
		e.Vector = vec.Slice()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan embeddings: %w", err)
	}
	return out, nil
}

// DeleteEmbeddings implements [voiceprint.EmbeddingStore].
func (s *Store) DeleteEmbeddings(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM voice_embeddings WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete embeddings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Profiles ─────────────────────────────────────────────────────────────────

// UpsertProfile implements [voiceprint.ProfileStore].
func (s *Store) UpsertProfile(ctx context.Context, p voiceprint.SpeakerProfile) error {
	const q = `
		INSERT INTO speaker_profiles
		    (speaker_id, embedding_count, average_confidence, centroid, variance,
		     quality_tier, first_embedding_id, last_embedding_id, first_seen,
		     last_seen, total_duration, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (speaker_id) DO UPDATE SET
		    embedding_count    = EXCLUDED.embedding_count,
		    average_confidence = EXCLUDED.average_confidence,
		    centroid           = EXCLUDED.centroid,
		    variance           = EXCLUDED.variance,
		    quality_tier       = EXCLUDED.quality_tier,
		    first_embedding_id = EXCLUDED.first_embedding_id,
		    last_embedding_id  = EXCLUDED.last_embedding_id,
		    first_seen         = EXCLUDED.first_seen,
		    last_seen          = EXCLUDED.last_seen,
		    total_duration     = EXCLUDED.total_duration,
		    updated_at         = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q,
		p.SpeakerID,
		p.EmbeddingCount,
		p.AverageConfidence,
		pgvector.NewVector(p.Centroid),
		p.Variance,
		string(p.QualityTier),
		p.FirstEmbeddingID,
		p.LastEmbeddingID,
		nullTime(p.FirstSeen),
		nullTime(p.LastSeen),
		p.TotalDuration,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert profile: %w", err)
	}
	return nil
}

const profileColumns = `
	speaker_id, embedding_count, average_confidence, centroid, variance,
	quality_tier, first_embedding_id, last_embedding_id, first_seen,
	last_seen, total_duration, updated_at`

func scanProfile(row pgx.Row) (voiceprint.SpeakerProfile, error) {
	var (
		p                   voiceprint.SpeakerProfile
		vec                 pgvector.Vector
		tier                string
		firstSeen, lastSeen *time.Time
	)
	if err := row.Scan(
		&p.SpeakerID,
		&p.EmbeddingCount,
		&p.AverageConfidence,
		&vec,
		&p.Variance,
		&tier,
		&p.FirstEmbeddingID,
		&p.LastEmbeddingID,
		&firstSeen,
		&lastSeen,
		&p.TotalDuration,
		&p.UpdatedAt,
	); err != nil {
		return voiceprint.SpeakerProfile{}, err
	}
	p.Centroid = vec.Slice()
	p.QualityTier = voiceprint.QualityTier(tier)
	if firstSeen != nil {
		p.FirstSeen = *firstSeen
	}
	if lastSeen != nil {
		p.LastSeen = *lastSeen
	}
	return p, nil
}

// GetProfile implements [voiceprint.ProfileStore].
func (s *Store) GetProfile(ctx context.Context, speakerID string) (voiceprint.SpeakerProfile, error) {
	q := `SELECT ` + profileColumns + ` FROM speaker_profiles WHERE speaker_id = $1`
	p, err := scanProfile(s.pool.QueryRow(ctx, q, speakerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return voiceprint.SpeakerProfile{}, voiceprint.ErrNotFound
	}
	if err != nil {
		return voiceprint.SpeakerProfile{}, fmt.Errorf("postgres store: get profile: %w", err)
	}
	return p, nil
}

// ListProfiles implements [voiceprint.ProfileStore].
func (s *Store) ListProfiles(ctx context.Context) ([]voiceprint.SpeakerProfile, error) {
	q := `SELECT ` + profileColumns + ` FROM speaker_profiles ORDER BY speaker_id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list profiles: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voiceprint.SpeakerProfile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan profiles: %w", err)
	}
	return out, nil
}

// NearestProfiles implements [voiceprint.ProfileSearcher] using the pgvector
// cosine distance operator. Profiles with a different centroid dimension are
// excluded because the operator rejects mismatched vectors.
func (s *Store) NearestProfiles(ctx context.Context, vector []float32, k int) ([]voiceprint.SpeakerProfile, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	q := `SELECT ` + profileColumns + `
		FROM speaker_profiles
		WHERE vector_dims(centroid) = $2
		ORDER BY centroid <=> $1
		LIMIT $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), len(vector), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest profiles: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voiceprint.SpeakerProfile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan nearest profiles: %w", err)
	}
	return out, nil
}

// ── Decision log ─────────────────────────────────────────────────────────────

// AppendDecision implements [voiceprint.DecisionLog].
func (s *Store) AppendDecision(ctx context.Context, d voiceprint.MatchDecision) error {
	const q = `
		INSERT INTO match_decisions
		    (id, session_id, start_sec, end_sec, matched_id, similarity,
		     second_best_id, second_best_score, method, confidence, is_new,
		     factors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	var (
		secondID    *string
		secondScore *float64
	)
	if d.SecondBest != nil {
		secondID = &d.SecondBest.SpeakerID
		secondScore = &d.SecondBest.Similarity
	}

	_, err := s.pool.Exec(ctx, q,
		d.ID,
		d.SessionID,
		d.Range.Start,
		d.Range.End,
		d.MatchedID,
		d.Similarity,
		secondID,
		secondScore,
		d.Method,
		string(d.Confidence),
		d.IsNew,
		d.Factors,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append decision: %w", err)
	}
	return nil
}

// ListDecisions implements [voiceprint.DecisionLog].
func (s *Store) ListDecisions(ctx context.Context, sessionID string) ([]voiceprint.MatchDecision, error) {
	const q = `
		SELECT id, session_id, start_sec, end_sec, matched_id, similarity,
		       second_best_id, second_best_score, method, confidence, is_new,
		       factors, created_at
		FROM   match_decisions
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list decisions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voiceprint.MatchDecision, error) {
		var (
			d           voiceprint.MatchDecision
			secondID    *string
			secondScore *float64
			confidence  string
		)
		if err := row.Scan(
			&d.ID,
			&d.SessionID,
			&d.Range.Start,
			&d.Range.End,
			&d.MatchedID,
			&d.Similarity,
			&secondID,
			&secondScore,
			&d.Method,
			&confidence,
			&d.IsNew,
			&d.Factors,
			&d.CreatedAt,
		); err != nil {
			return voiceprint.MatchDecision{}, err
		}
		d.Confidence = voiceprint.Confidence(confidence)
		if secondID != nil {
			c := voiceprint.Candidate{SpeakerID: *secondID}
			if secondScore != nil {
				c.Similarity = *secondScore
			}
			d.SecondBest = &c
		}
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan decisions: %w", err)
	}
	return out, nil
}

// ── Recovery queue ───────────────────────────────────────────────────────────

const jobColumns = `id, meeting_id, reason, audio_ref, status, created_at, updated_at`

func scanJob(row pgx.Row) (voiceprint.RecoveryJob, error) {
	var (
		j      voiceprint.RecoveryJob
		status string
	)
	err := row.Scan(&j.ID, &j.MeetingID, &j.Reason, &j.AudioRef, &status, &j.CreatedAt, &j.UpdatedAt)
	j.Status = voiceprint.RecoveryStatus(status)
	return j, err
}

// EnqueueRecoveryJob implements [voiceprint.RecoveryQueue]. Deduplication
// relies on the partial unique index over pending jobs.
func (s *Store) EnqueueRecoveryJob(ctx context.Context, job voiceprint.RecoveryJob) (voiceprint.RecoveryJob, bool, error) {
	if job.Status == "" {
		job.Status = voiceprint.RecoveryPending
	}
	q := `
		INSERT INTO recovery_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (meeting_id) WHERE status = 'pending' DO NOTHING
		RETURNING ` + jobColumns

	inserted, err := scanJob(s.pool.QueryRow(ctx, q,
		job.ID, job.MeetingID, job.Reason, job.AudioRef, string(job.Status), job.CreatedAt, job.UpdatedAt,
	))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return voiceprint.RecoveryJob{}, false, fmt.Errorf("postgres store: enqueue recovery job: %w", err)
	}

	existing, err := s.PendingRecoveryJob(ctx, job.MeetingID)
	if err != nil {
		return voiceprint.RecoveryJob{}, false, err
	}
	return existing, false, nil
}

// PendingRecoveryJob implements [voiceprint.RecoveryQueue].
func (s *Store) PendingRecoveryJob(ctx context.Context, meetingID string) (voiceprint.RecoveryJob, error) {
	q := `SELECT ` + jobColumns + ` FROM recovery_jobs WHERE meeting_id = $1 AND status = 'pending'`
	j, err := scanJob(s.pool.QueryRow(ctx, q, meetingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return voiceprint.RecoveryJob{}, voiceprint.ErrNotFound
	}
	if err != nil {
		return voiceprint.RecoveryJob{}, fmt.Errorf("postgres store: pending recovery job: %w", err)
	}
	return j, nil
}

// ListRecoveryJobs implements [voiceprint.RecoveryQueue].
func (s *Store) ListRecoveryJobs(ctx context.Context, status voiceprint.RecoveryStatus) ([]voiceprint.RecoveryJob, error) {
	q := `SELECT ` + jobColumns + ` FROM recovery_jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	q += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list recovery jobs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voiceprint.RecoveryJob, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan recovery jobs: %w", err)
	}
	return out, nil
}

// UpdateRecoveryStatus implements [voiceprint.RecoveryQueue].
func (s *Store) UpdateRecoveryStatus(ctx context.Context, id string, status voiceprint.RecoveryStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recovery_jobs SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("postgres store: update recovery status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return voiceprint.ErrNotFound
	}
	return nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
