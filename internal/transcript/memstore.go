package transcript

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxid/internal/identity"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Segments are lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Segment
	index    map[string]segmentRef
}

type segmentRef struct {
	session string
	pos     int
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string][]Segment),
		index:    make(map[string]segmentRef),
	}
}

// AppendSegment implements [Store].
func (m *MemStore) AppendSegment(_ context.Context, seg Segment) (Segment, error) {
	if seg.SessionID == "" {
		return Segment{}, ErrEmptySession
	}
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.index[seg.ID]; ok {
		m.sessions[ref.session][ref.pos] = seg
		return seg, nil
	}
	m.index[seg.ID] = segmentRef{session: seg.SessionID, pos: len(m.sessions[seg.SessionID])}
	m.sessions[seg.SessionID] = append(m.sessions[seg.SessionID], seg)
	return seg, nil
}

// Segments implements [Store].
func (m *MemStore) Segments(_ context.Context, sessionID string) ([]Segment, error) {
	m.mu.RLock()
	out := slices.Clone(m.sessions[sessionID])
	m.mu.RUnlock()
	sortSegments(out)
	return out, nil
}

// Search implements [Store]. Matching is a case-insensitive substring test
// on every word of query.
func (m *MemStore) Search(_ context.Context, query string, opts SearchOpts) ([]Segment, error) {
	words := strings.Fields(strings.ToLower(query))

	m.mu.RLock()
	var out []Segment
	for sid, segs := range m.sessions {
		if opts.SessionID != "" && sid != opts.SessionID {
			continue
		}
		for _, s := range segs {
			if opts.SpeakerID != "" && s.SpeakerID != opts.SpeakerID {
				continue
			}
			if containsAll(strings.ToLower(s.Text), words) {
				out = append(out, s)
			}
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Segment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// UpdateSegmentSpeakers implements [identity.TranscriptStore]. Unknown
// segment ids are ignored.
func (m *MemStore) UpdateSegmentSpeakers(_ context.Context, updates []identity.SegmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		ref, ok := m.index[u.SegmentID]
		if !ok || ref.session != u.SessionID {
			continue
		}
		m.sessions[ref.session][ref.pos].SpeakerID = u.SpeakerID
	}
	return nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }

func containsAll(text string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return true
}

func sortSegments(s []Segment) {
	slices.SortStableFunc(s, func(a, b Segment) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
