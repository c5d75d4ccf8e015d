// Package transcript stores the diarized transcript segments of each session
// and keeps their speaker attribution in step with the identity mapper.
//
// Segments arrive labelled with the engine's transient speaker label. Once
// the label is resolved to a persistent speaker, [Backfill] writes that
// speaker id onto every segment still missing one. Implementations of [Store]
// satisfy [identity.TranscriptStore] so the mapper can also push explicit
// reassignments.
//
// Every implementation must be safe for concurrent use.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxid/internal/identity"
)

// ErrEmptySession is returned when a segment has no session id.
var ErrEmptySession = errors.New("transcript: segment has no session id")

// Segment is one diarized stretch of speech.
type Segment struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	TransientLabel string    `json:"transient_label"`
	SpeakerID      string    `json:"speaker_id,omitempty"`
	Start          float64   `json:"start"`
	End            float64   `json:"end"`
	Text           string    `json:"text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchOpts narrows [Store.Search]. All non-zero fields are applied as AND
// conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	SessionID string

	// SpeakerID restricts results to one persistent speaker.
	SpeakerID string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Store persists transcript segments.
type Store interface {
	identity.TranscriptStore

	// AppendSegment stores seg and returns it with ID and CreatedAt filled
	// in when they were empty.
	AppendSegment(ctx context.Context, seg Segment) (Segment, error)

	// Segments returns the session's segments ordered by start time.
	Segments(ctx context.Context, sessionID string) ([]Segment, error)

	// Search returns segments whose text matches query, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Segment, error)

	// Close releases any resources held by the store.
	Close() error
}

// SegmentUpdater is the part of [identity.Mapper] that [Backfill] needs.
type SegmentUpdater interface {
	BatchUpdateSegments(ctx context.Context, updates []identity.SegmentUpdate) (int, error)
}

// Backfill attributes the session's unassigned segments using the mapper's
// label mapping. Segments whose label never resolved stay unassigned. It
// returns the number of segments updated.
func Backfill(ctx context.Context, store Store, mapper SegmentUpdater, sessionID string) (int, error) {
	segs, err := store.Segments(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("transcript: backfill %q: %w", sessionID, err)
	}
	var updates []identity.SegmentUpdate
	for _, s := range segs {
		if s.SpeakerID != "" || s.TransientLabel == "" {
			continue
		}
		updates = append(updates, identity.SegmentUpdate{
			SessionID:      sessionID,
			SegmentID:      s.ID,
			TransientLabel: s.TransientLabel,
		})
	}
	if len(updates) == 0 {
		return 0, nil
	}
	n, err := mapper.BatchUpdateSegments(ctx, updates)
	if err != nil {
		return 0, fmt.Errorf("transcript: backfill %q: %w", sessionID, err)
	}
	return n, nil
}
