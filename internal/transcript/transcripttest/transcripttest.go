// Package transcripttest holds a conformance suite that every
// [transcript.Store] backend runs from its own tests.
package transcripttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/internal/transcript"
)

// Run executes the conformance suite. newStore must return an empty store;
// it is called once per sub-test.
func Run(t *testing.T, newStore func(t *testing.T) transcript.Store) {
	t.Helper()

	t.Run("AppendAssignsID", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("SegmentsOrdered", func(t *testing.T) { testOrder(t, newStore(t)) })
	t.Run("UpdateSpeakers", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
}

func testAppend(t *testing.T, s transcript.Store) {
	ctx := context.Background()
	seg, err := s.AppendSegment(ctx, transcript.Segment{SessionID: "s1", TransientLabel: "SPEAKER_00", Start: 1, End: 2})
	if err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	if seg.ID == "" || seg.CreatedAt.IsZero() {
		t.Errorf("segment = %+v, want id and created_at set", seg)
	}
	if _, err := s.AppendSegment(ctx, transcript.Segment{TransientLabel: "A"}); !errors.Is(err, transcript.ErrEmptySession) {
		t.Errorf("AppendSegment without session err = %v, want ErrEmptySession", err)
	}
}

func testOrder(t *testing.T, s transcript.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, start := range []float64{5, 1, 3} {
		if _, err := s.AppendSegment(ctx, transcript.Segment{
			SessionID: "s1",
			Start:     start,
			End:       start + 1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
	}
	if _, err := s.AppendSegment(ctx, transcript.Segment{SessionID: "other", Start: 0}); err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}

	got, err := s.Segments(ctx, "s1")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(got) != 3 || got[0].Start != 1 || got[1].Start != 3 || got[2].Start != 5 {
		t.Errorf("Segments = %+v, want starts 1,3,5", got)
	}

	empty, err := s.Segments(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Errorf("Segments(missing) = %v, %v", empty, err)
	}
}

func testUpdate(t *testing.T, s transcript.Store) {
	ctx := context.Background()
	seg, err := s.AppendSegment(ctx, transcript.Segment{SessionID: "s1", TransientLabel: "A"})
	if err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}

	err = s.UpdateSegmentSpeakers(ctx, []identity.SegmentUpdate{
		{SessionID: "s1", SegmentID: seg.ID, SpeakerID: "spk-1"},
		{SessionID: "s1", SegmentID: "missing", SpeakerID: "spk-2"},
		{SessionID: "wrong", SegmentID: seg.ID, SpeakerID: "spk-3"},
	})
	if err != nil {
		t.Fatalf("UpdateSegmentSpeakers: %v", err)
	}

	got, err := s.Segments(ctx, "s1")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(got) != 1 || got[0].SpeakerID != "spk-1" {
		t.Errorf("Segments = %+v, want speaker spk-1", got)
	}
}

func testSearch(t *testing.T, s transcript.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, seg := range []transcript.Segment{
		{SessionID: "s1", SpeakerID: "spk-1", Text: "The dragon sleeps"},
		{SessionID: "s1", SpeakerID: "spk-2", Text: "Tea is ready"},
		{SessionID: "s2", SpeakerID: "spk-1", Text: "A dragon wakes"},
	} {
		seg.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := s.AppendSegment(ctx, seg); err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
	}

	all, err := s.Search(ctx, "dragon", transcript.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 2 || all[0].Text != "The dragon sleeps" {
		t.Errorf("Search(dragon) = %+v", all)
	}

	scoped, err := s.Search(ctx, "dragon", transcript.SearchOpts{SessionID: "s2"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(scoped) != 1 || scoped[0].SessionID != "s2" {
		t.Errorf("Search(dragon, s2) = %+v", scoped)
	}

	limited, err := s.Search(ctx, "dragon", transcript.SearchOpts{SpeakerID: "spk-1", Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Search with limit = %d results, want 1", len(limited))
	}
}
