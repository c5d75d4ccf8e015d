// Package storetest holds a conformance suite that every [voiceprint.Store]
// backend runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// Run executes the conformance suite. newStore must return an empty store;
// it is called once per sub-test.
func Run(t *testing.T, newStore func(t *testing.T) voiceprint.Store) {
	t.Helper()

	t.Run("Speakers", func(t *testing.T) { testSpeakers(t, newStore(t)) })
	t.Run("DeleteSpeakerCascades", func(t *testing.T) { testDeleteSpeaker(t, newStore(t)) })
	t.Run("EmbeddingsNewestFirst", func(t *testing.T) { testEmbeddingsOrder(t, newStore(t)) })
	t.Run("DeleteEmbeddings", func(t *testing.T) { testDeleteEmbeddings(t, newStore(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("Decisions", func(t *testing.T) { testDecisions(t, newStore(t)) })
	t.Run("RecoveryDedupe", func(t *testing.T) { testRecoveryDedupe(t, newStore(t)) })
	t.Run("RecoveryStatus", func(t *testing.T) { testRecoveryStatus(t, newStore(t)) })
}

func testSpeakers(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, name := range []string{"Speaker 1", "Speaker 2"} {
		sp := voiceprint.Speaker{
			ID:          fmt.Sprintf("spk-%d", i+1),
			DisplayName: name,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateSpeaker(ctx, sp); err != nil {
			t.Fatalf("CreateSpeaker: %v", err)
		}
	}

	n, err := s.CountSpeakers(ctx)
	if err != nil {
		t.Fatalf("CountSpeakers: %v", err)
	}
	if n != 2 {
		t.Errorf("CountSpeakers = %d, want 2", n)
	}

	if err := s.RenameSpeaker(ctx, "spk-2", "Alice"); err != nil {
		t.Fatalf("RenameSpeaker: %v", err)
	}
	got, err := s.GetSpeaker(ctx, "spk-2")
	if err != nil {
		t.Fatalf("GetSpeaker: %v", err)
	}
	if got.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Alice")
	}

	list, err := s.ListSpeakers(ctx)
	if err != nil {
		t.Fatalf("ListSpeakers: %v", err)
	}
	if len(list) != 2 || list[0].ID != "spk-1" {
		t.Errorf("ListSpeakers = %+v, want spk-1 first", list)
	}

	if _, err := s.GetSpeaker(ctx, "missing"); !errors.Is(err, voiceprint.ErrSpeakerNotFound) {
		t.Errorf("GetSpeaker(missing) err = %v, want ErrSpeakerNotFound", err)
	}
	if err := s.RenameSpeaker(ctx, "missing", "x"); !errors.Is(err, voiceprint.ErrSpeakerNotFound) {
		t.Errorf("RenameSpeaker(missing) err = %v, want ErrSpeakerNotFound", err)
	}
}

func testDeleteSpeaker(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	for _, id := range []string{"spk-gone", "spk-kept"} {
		if err := s.CreateSpeaker(ctx, voiceprint.Speaker{ID: id, DisplayName: id, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("CreateSpeaker: %v", err)
		}
		insertEmbeddings(t, s, id, 2)
		if err := s.UpsertProfile(ctx, voiceprint.SpeakerProfile{
			SpeakerID:      id,
			EmbeddingCount: 2,
			Centroid:       []float32{0.5, 1, 0, 0},
			QualityTier:    voiceprint.TierLearning,
		}); err != nil {
			t.Fatalf("UpsertProfile: %v", err)
		}
	}

	if err := s.DeleteSpeaker(ctx, "spk-gone"); err != nil {
		t.Fatalf("DeleteSpeaker: %v", err)
	}
	if _, err := s.GetSpeaker(ctx, "spk-gone"); !errors.Is(err, voiceprint.ErrSpeakerNotFound) {
		t.Errorf("GetSpeaker after delete err = %v, want ErrSpeakerNotFound", err)
	}
	if embs, err := s.ListEmbeddings(ctx, "spk-gone", 0); err != nil || len(embs) != 0 {
		t.Errorf("embeddings after delete = %d, %v; want none", len(embs), err)
	}
	if _, err := s.GetProfile(ctx, "spk-gone"); !errors.Is(err, voiceprint.ErrNotFound) {
		t.Errorf("GetProfile after delete err = %v, want ErrNotFound", err)
	}
	if n, _ := s.CountSpeakers(ctx); n != 1 {
		t.Errorf("CountSpeakers = %d, want 1", n)
	}
	if embs, _ := s.ListEmbeddings(ctx, "spk-kept", 0); len(embs) != 2 {
		t.Errorf("other speaker's embeddings = %d, want 2", len(embs))
	}

	if err := s.DeleteSpeaker(ctx, "spk-gone"); !errors.Is(err, voiceprint.ErrSpeakerNotFound) {
		t.Errorf("second DeleteSpeaker err = %v, want ErrSpeakerNotFound", err)
	}
}

func insertEmbeddings(t *testing.T, s voiceprint.Store, speakerID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("%s-emb-%02d", speakerID, i)
		e := voiceprint.VoiceEmbedding{
			ID:              ids[i],
			SpeakerID:       speakerID,
			SessionID:       "sess-1",
			Vector:          []float32{float32(i), 1, 0, 0},
			Dimension:       4,
			ExtractionModel: "test-model",
			Confidence:      0.9,
			Range:           voiceprint.TimeRange{Start: float64(i), End: float64(i) + 1.5},
			CreatedAt:       base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.InsertEmbedding(ctx, e); err != nil {
			t.Fatalf("InsertEmbedding: %v", err)
		}
	}
	return ids
}

func testEmbeddingsOrder(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	ids := insertEmbeddings(t, s, "spk-a", 5)
	insertEmbeddings(t, s, "spk-b", 2)

	all, err := s.ListEmbeddings(ctx, "spk-a", 0)
	if err != nil {
		t.Fatalf("ListEmbeddings: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ListEmbeddings len = %d, want 5", len(all))
	}
	if all[0].ID != ids[4] || all[4].ID != ids[0] {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[4].ID)
	}
	if all[0].Vector[0] != 4 || len(all[0].Vector) != 4 {
		t.Errorf("vector not round-tripped: %v", all[0].Vector)
	}
	if all[0].Range.End != 5.5 {
		t.Errorf("range end = %v, want 5.5", all[0].Range.End)
	}

	limited, err := s.ListEmbeddings(ctx, "spk-a", 2)
	if err != nil {
		t.Fatalf("ListEmbeddings(limit): %v", err)
	}
	if len(limited) != 2 || limited[0].ID != ids[4] {
		t.Errorf("limited = %d rows starting %v", len(limited), limited)
	}
}

func testDeleteEmbeddings(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	ids := insertEmbeddings(t, s, "spk-a", 3)

	n, err := s.DeleteEmbeddings(ctx, []string{ids[0], ids[1], "missing"})
	if err != nil {
		t.Fatalf("DeleteEmbeddings: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	left, _ := s.ListEmbeddings(ctx, "spk-a", 0)
	if len(left) != 1 || left[0].ID != ids[2] {
		t.Errorf("remaining = %+v, want only %s", left, ids[2])
	}
}

func testProfiles(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "spk-a"); !errors.Is(err, voiceprint.ErrNotFound) {
		t.Errorf("GetProfile(empty) err = %v, want ErrNotFound", err)
	}

	p := voiceprint.SpeakerProfile{
		SpeakerID:      "spk-a",
		EmbeddingCount: 3,
		Centroid:       []float32{0.5, 0.5, 0, 0},
		Variance:       0.1,
		QualityTier:    voiceprint.TierLearning,
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	p.EmbeddingCount = 6
	p.QualityTier = voiceprint.TierStable
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile (update): %v", err)
	}

	got, err := s.GetProfile(ctx, "spk-a")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.EmbeddingCount != 6 || got.QualityTier != voiceprint.TierStable {
		t.Errorf("profile = %+v, want count 6 / stable", got)
	}
	if len(got.Centroid) != 4 || got.Centroid[0] != 0.5 {
		t.Errorf("centroid = %v", got.Centroid)
	}

	all, err := s.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListProfiles len = %d, want 1", len(all))
	}
}

func testDecisions(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	for i := range 3 {
		d := voiceprint.MatchDecision{
			ID:         fmt.Sprintf("dec-%d", i),
			SessionID:  "sess-1",
			MatchedID:  "spk-a",
			Similarity: 0.9,
			Method:     "centroid_cosine",
			Confidence: voiceprint.ConfidenceHigh,
			SecondBest: &voiceprint.Candidate{SpeakerID: "spk-b", Similarity: 0.4},
			Factors:    map[string]any{"candidates": 2},
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendDecision(ctx, d); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}
	if err := s.AppendDecision(ctx, voiceprint.MatchDecision{ID: "other", SessionID: "sess-2", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}

	got, err := s.ListDecisions(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListDecisions len = %d, want 3", len(got))
	}
	if got[0].ID != "dec-0" || got[2].ID != "dec-2" {
		t.Errorf("decisions out of order: %s, %s", got[0].ID, got[2].ID)
	}
	if got[0].SecondBest == nil || got[0].SecondBest.SpeakerID != "spk-b" {
		t.Errorf("second best not round-tripped: %+v", got[0].SecondBest)
	}
}

func testRecoveryDedupe(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	first, inserted, err := s.EnqueueRecoveryJob(ctx, voiceprint.RecoveryJob{
		ID: "job-1", MeetingID: "meeting-1", Reason: "no_segments_timeout",
		Status: voiceprint.RecoveryPending, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil || !inserted {
		t.Fatalf("first enqueue: inserted=%v err=%v", inserted, err)
	}

	second, inserted, err := s.EnqueueRecoveryJob(ctx, voiceprint.RecoveryJob{
		ID: "job-2", MeetingID: "meeting-1", Reason: "initialization_timeout",
		Status: voiceprint.RecoveryPending, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if inserted {
		t.Error("second enqueue inserted a duplicate pending job")
	}
	if second.ID != first.ID {
		t.Errorf("returned job = %s, want existing %s", second.ID, first.ID)
	}

	jobs, err := s.ListRecoveryJobs(ctx, voiceprint.RecoveryPending)
	if err != nil {
		t.Fatalf("ListRecoveryJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("pending jobs = %d, want 1", len(jobs))
	}
}

func testRecoveryStatus(t *testing.T, s voiceprint.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := s.EnqueueRecoveryJob(ctx, voiceprint.RecoveryJob{
		ID: "job-1", MeetingID: "meeting-1", Reason: "r",
		Status: voiceprint.RecoveryPending, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.PendingRecoveryJob(ctx, "meeting-1"); err != nil {
		t.Fatalf("PendingRecoveryJob: %v", err)
	}

	if err := s.UpdateRecoveryStatus(ctx, "job-1", voiceprint.RecoveryProcessing); err != nil {
		t.Fatalf("UpdateRecoveryStatus: %v", err)
	}
	if _, err := s.PendingRecoveryJob(ctx, "meeting-1"); !errors.Is(err, voiceprint.ErrNotFound) {
		t.Errorf("PendingRecoveryJob after processing err = %v, want ErrNotFound", err)
	}

	// With the first job no longer pending a new one may be queued.
	_, inserted, err := s.EnqueueRecoveryJob(ctx, voiceprint.RecoveryJob{
		ID: "job-2", MeetingID: "meeting-1", Reason: "r",
		Status: voiceprint.RecoveryPending, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil || !inserted {
		t.Errorf("re-enqueue: inserted=%v err=%v", inserted, err)
	}

	all, _ := s.ListRecoveryJobs(ctx, "")
	if len(all) != 2 {
		t.Errorf("all jobs = %d, want 2", len(all))
	}

	if err := s.UpdateRecoveryStatus(ctx, "missing", voiceprint.RecoveryFailed); !errors.Is(err, voiceprint.ErrNotFound) {
		t.Errorf("UpdateRecoveryStatus(missing) err = %v, want ErrNotFound", err)
	}
}
