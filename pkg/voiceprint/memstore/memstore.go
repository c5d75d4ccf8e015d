// Package memstore provides a thread-safe, in-memory [voiceprint.Store].
// Data is lost on restart; it backs tests and the "memory" storage backend.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ voiceprint.Store = (*MemStore)(nil)

// MemStore is an in-memory implementation of [voiceprint.Store].
// All methods are safe for concurrent use.
type MemStore struct {
	mu         sync.RWMutex
	speakers   map[string]voiceprint.Speaker
	embeddings map[string]voiceprint.VoiceEmbedding
	// seq preserves insertion order for embeddings created within the same
	// clock tick.
	seq       map[string]uint64
	nextSeq   uint64
	profiles  map[string]voiceprint.SpeakerProfile
	decisions []voiceprint.MatchDecision
	jobs      []voiceprint.RecoveryJob
}

// New returns an initialised [MemStore].
func New() *MemStore {
	return &MemStore{
		speakers:   make(map[string]voiceprint.Speaker),
		embeddings: make(map[string]voiceprint.VoiceEmbedding),
		seq:        make(map[string]uint64),
		profiles:   make(map[string]voiceprint.SpeakerProfile),
	}
}

// ── Speakers ─────────────────────────────────────────────────────────────────

// CreateSpeaker implements [voiceprint.SpeakerStore].
func (s *MemStore) CreateSpeaker(_ context.Context, sp voiceprint.Speaker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakers[sp.ID] = sp
	return nil
}

// DeleteSpeaker implements [voiceprint.SpeakerStore].
func (s *MemStore) DeleteSpeaker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.speakers[id]; !ok {
		return voiceprint.ErrSpeakerNotFound
	}
	delete(s.speakers, id)
	delete(s.profiles, id)
	for eid, e := range s.embeddings {
		if e.SpeakerID == id {
			delete(s.embeddings, eid)
			delete(s.seq, eid)
		}
	}
	return nil
}

// GetSpeaker implements [voiceprint.SpeakerStore].
func (s *MemStore) GetSpeaker(_ context.Context, id string) (voiceprint.Speaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.speakers[id]
	if !ok {
		return voiceprint.Speaker{}, voiceprint.ErrSpeakerNotFound
	}
	return sp, nil
}

// ListSpeakers implements [voiceprint.SpeakerStore].
func (s *MemStore) ListSpeakers(_ context.Context) ([]voiceprint.Speaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]voiceprint.Speaker, 0, len(s.speakers))
	for _, sp := range s.speakers {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RenameSpeaker implements [voiceprint.SpeakerStore].
func (s *MemStore) RenameSpeaker(_ context.Context, id, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.speakers[id]
	if !ok {
		return voiceprint.ErrSpeakerNotFound
	}
	sp.DisplayName = displayName
	s.speakers[id] = sp
	return nil
}

// CountSpeakers implements [voiceprint.SpeakerStore].
func (s *MemStore) CountSpeakers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.speakers), nil
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// InsertEmbedding implements [voiceprint.EmbeddingStore].
func (s *MemStore) InsertEmbedding(_ context.Context, e voiceprint.VoiceEmbedding) error {
	e.Vector = slices.Clone(e.Vector)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.embeddings[e.ID] = e
	s.seq[e.ID] = s.nextSeq
	return nil
}

// ListEmbeddings implements [voiceprint.EmbeddingStore].
func (s *MemStore) ListEmbeddings(_ context.Context, speakerID string, limit int) ([]voiceprint.VoiceEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []voiceprint.VoiceEmbedding
	for _, e := range s.embeddings {
		if e.SpeakerID != speakerID {
			continue
		}
		e.Vector = slices.Clone(e.Vector)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteEmbeddings implements [voiceprint.EmbeddingStore].
func (s *MemStore) DeleteEmbeddings(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.embeddings[id]; ok {
			delete(s.embeddings, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

// ── Profiles ─────────────────────────────────────────────────────────────────

// UpsertProfile implements [voiceprint.ProfileStore].
func (s *MemStore) UpsertProfile(_ context.Context, p voiceprint.SpeakerProfile) error {
	p.Centroid = slices.Clone(p.Centroid)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.SpeakerID] = p
	return nil
}

// GetProfile implements [voiceprint.ProfileStore].
func (s *MemStore) GetProfile(_ context.Context, speakerID string) (voiceprint.SpeakerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[speakerID]
	if !ok {
		return voiceprint.SpeakerProfile{}, voiceprint.ErrNotFound
	}
	p.Centroid = slices.Clone(p.Centroid)
	return p, nil
}

// ListProfiles implements [voiceprint.ProfileStore].
func (s *MemStore) ListProfiles(_ context.Context) ([]voiceprint.SpeakerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]voiceprint.SpeakerProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		p.Centroid = slices.Clone(p.Centroid)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return out, nil
}

// ── Decision log ─────────────────────────────────────────────────────────────

// AppendDecision implements [voiceprint.DecisionLog].
func (s *MemStore) AppendDecision(_ context.Context, d voiceprint.MatchDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

// ListDecisions implements [voiceprint.DecisionLog].
func (s *MemStore) ListDecisions(_ context.Context, sessionID string) ([]voiceprint.MatchDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []voiceprint.MatchDecision
	for _, d := range s.decisions {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ── Recovery queue ───────────────────────────────────────────────────────────

// EnqueueRecoveryJob implements [voiceprint.RecoveryQueue]. The pending check
// and the insert happen under one lock.
func (s *MemStore) EnqueueRecoveryJob(_ context.Context, job voiceprint.RecoveryJob) (voiceprint.RecoveryJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.MeetingID == job.MeetingID && j.Status == voiceprint.RecoveryPending {
			return j, false, nil
		}
	}
	if job.Status == "" {
		job.Status = voiceprint.RecoveryPending
	}
	s.jobs = append(s.jobs, job)
	return job, true, nil
}

// PendingRecoveryJob implements [voiceprint.RecoveryQueue].
func (s *MemStore) PendingRecoveryJob(_ context.Context, meetingID string) (voiceprint.RecoveryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.MeetingID == meetingID && j.Status == voiceprint.RecoveryPending {
			return j, nil
		}
	}
	return voiceprint.RecoveryJob{}, voiceprint.ErrNotFound
}

// ListRecoveryJobs implements [voiceprint.RecoveryQueue].
func (s *MemStore) ListRecoveryJobs(_ context.Context, status voiceprint.RecoveryStatus) ([]voiceprint.RecoveryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []voiceprint.RecoveryJob
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// UpdateRecoveryStatus implements [voiceprint.RecoveryQueue].
func (s *MemStore) UpdateRecoveryStatus(_ context.Context, id string, status voiceprint.RecoveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Status = status
			s.jobs[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return voiceprint.ErrNotFound
}

// Ping implements [voiceprint.Store]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [voiceprint.Store]. It is a no-op.
func (s *MemStore) Close() error { return nil }
