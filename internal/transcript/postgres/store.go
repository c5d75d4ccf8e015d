// Package postgres provides a PostgreSQL-backed [transcript.Store] with a GIN
// full-text index over segment text.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/internal/transcript"
)

var _ transcript.Store = (*Store)(nil)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id              TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    transient_label TEXT         NOT NULL DEFAULT '',
    speaker_id      TEXT         NOT NULL DEFAULT '',
    start_sec       DOUBLE PRECISION NOT NULL DEFAULT 0,
    end_sec         DOUBLE PRECISION NOT NULL DEFAULT 0,
    text            TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session
    ON transcript_segments (session_id, start_sec);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_speaker
    ON transcript_segments (speaker_id);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_fts
    ON transcript_segments USING GIN (to_tsvector('english', text));
`

// Store keeps transcript segments in the transcript_segments table. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the segment table and indexes. Safe to call repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSegments); err != nil {
		return fmt.Errorf("transcript store: migrate segments: %w", err)
	}
	return nil
}

// AppendSegment implements [transcript.Store]. An existing id is overwritten.
func (s *Store) AppendSegment(ctx context.Context, seg transcript.Segment) (transcript.Segment, error) {
	if seg.SessionID == "" {
		return transcript.Segment{}, transcript.ErrEmptySession
	}
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO transcript_segments
		    (id, session_id, transient_label, speaker_id, start_sec, end_sec, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    transient_label = EXCLUDED.transient_label,
		    speaker_id      = EXCLUDED.speaker_id,
		    start_sec       = EXCLUDED.start_sec,
		    end_sec         = EXCLUDED.end_sec,
		    text            = EXCLUDED.text`

	_, err := s.pool.Exec(ctx, q,
		seg.ID,
		seg.SessionID,
		seg.TransientLabel,
		seg.SpeakerID,
		seg.Start,
		seg.End,
		seg.Text,
		seg.CreatedAt,
	)
	if err != nil {
		return transcript.Segment{}, fmt.Errorf("transcript store: append segment: %w", err)
	}
	return seg, nil
}

// Segments implements [transcript.Store].
func (s *Store) Segments(ctx context.Context, sessionID string) ([]transcript.Segment, error) {
	const q = `
		SELECT id, session_id, transient_label, speaker_id, start_sec, end_sec, text, created_at
		FROM   transcript_segments
		WHERE  session_id = $1
		ORDER  BY start_sec, created_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: segments: %w", err)
	}
	return collectSegments(rows)
}

// Search implements [transcript.Store]. The query is passed to
// plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts transcript.SearchOpts) ([]transcript.Segment, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.SpeakerID != "" {
		conditions = append(conditions, "speaker_id = "+next(opts.SpeakerID))
	}

	q := "SELECT id, session_id, transient_label, speaker_id, start_sec, end_sec, text, created_at\n" +
		"FROM   transcript_segments\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectSegments(rows)
}

// UpdateSegmentSpeakers implements [identity.TranscriptStore]. The updates
// are sent as one batch; unknown segment ids are ignored.
func (s *Store) UpdateSegmentSpeakers(ctx context.Context, updates []identity.SegmentUpdate) error {
	const q = `UPDATE transcript_segments SET speaker_id = $1 WHERE id = $2 AND session_id = $3`

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(q, u.SpeakerID, u.SegmentID, u.SessionID)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("transcript store: update speakers: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectSegments(rows pgx.Rows) ([]transcript.Segment, error) {
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Segment, error) {
		var seg transcript.Segment
		err := row.Scan(
			&seg.ID,
			&seg.SessionID,
			&seg.TransientLabel,
			&seg.SpeakerID,
			&seg.Start,
			&seg.End,
			&seg.Text,
			&seg.CreatedAt,
		)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if segs == nil {
		segs = []transcript.Segment{}
	}
	return segs, nil
}
