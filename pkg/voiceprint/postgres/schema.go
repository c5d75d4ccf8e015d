// Package postgres provides a PostgreSQL-backed [voiceprint.Store].
//
// Embedding vectors and profile centroids are stored in pgvector `vector`
// columns. The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Identities and embeddings
// ─────────────────────────────────────────────────────────────────────────────

// Vector columns are declared without a fixed dimension so that speakers
// enrolled with different extraction models can coexist. Dimension
// consistency per speaker is enforced by the embedding store before writes.
const ddlSpeakers = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speakers (
    id            TEXT         PRIMARY KEY,
    display_name  TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voice_embeddings (
    seq               BIGSERIAL    NOT NULL,
    id                TEXT         PRIMARY KEY,
    speaker_id        TEXT         NOT NULL,
    session_id        TEXT         NOT NULL DEFAULT '',
    embedding         vector       NOT NULL,
    dimension         INTEGER      NOT NULL,
    extraction_model  TEXT         NOT NULL DEFAULT '',
    confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
    start_sec         DOUBLE PRECISION NOT NULL DEFAULT 0,
    end_sec           DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_score     DOUBLE PRECISION,
    verified          BOOLEAN      NOT NULL DEFAULT false,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_embeddings_speaker_created
    ON voice_embeddings (speaker_id, created_at DESC, seq DESC);

CREATE INDEX IF NOT EXISTS idx_voice_embeddings_session
    ON voice_embeddings (session_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Derived profiles and decision audit
// ─────────────────────────────────────────────────────────────────────────────

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS speaker_profiles (
    speaker_id          TEXT         PRIMARY KEY,
    embedding_count     INTEGER      NOT NULL,
    average_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    centroid            vector       NOT NULL,
    variance            DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_tier        TEXT         NOT NULL,
    first_embedding_id  TEXT         NOT NULL DEFAULT '',
    last_embedding_id   TEXT         NOT NULL DEFAULT '',
    first_seen          TIMESTAMPTZ,
    last_seen           TIMESTAMPTZ,
    total_duration      DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_decisions (
    seq                BIGSERIAL    NOT NULL,
    id                 TEXT         PRIMARY KEY,
    session_id         TEXT         NOT NULL,
    start_sec          DOUBLE PRECISION NOT NULL DEFAULT 0,
    end_sec            DOUBLE PRECISION NOT NULL DEFAULT 0,
    matched_id         TEXT         NOT NULL DEFAULT '',
    similarity         DOUBLE PRECISION NOT NULL DEFAULT 0,
    second_best_id     TEXT,
    second_best_score  DOUBLE PRECISION,
    method             TEXT         NOT NULL DEFAULT '',
    confidence         TEXT         NOT NULL DEFAULT '',
    is_new             BOOLEAN      NOT NULL DEFAULT false,
    factors            JSONB,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_match_decisions_session
    ON match_decisions (session_id, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// Recovery queue
// ─────────────────────────────────────────────────────────────────────────────

// The partial unique index guarantees at most one pending job per meeting even
// under concurrent enqueues.
const ddlRecovery = `
CREATE TABLE IF NOT EXISTS recovery_jobs (
    seq         BIGSERIAL    NOT NULL,
    id          TEXT         PRIMARY KEY,
    meeting_id  TEXT         NOT NULL,
    reason      TEXT         NOT NULL DEFAULT '',
    audio_ref   TEXT         NOT NULL DEFAULT '',
    status      TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_jobs_one_pending
    ON recovery_jobs (meeting_id) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_recovery_jobs_status
    ON recovery_jobs (status, seq);
`

// Migrate creates or ensures all required tables, indexes and extensions
// exist. It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSpeakers, ddlProfiles, ddlRecovery} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
