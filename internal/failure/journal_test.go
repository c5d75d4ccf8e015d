package failure_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxid/internal/failure"
)

func TestFileJournal_MissingFile(t *testing.T) {
	t.Parallel()
	j := failure.NewFileJournal(filepath.Join(t.TempDir(), "absent.jsonl"))
	recs, err := j.Load()
	if err != nil || len(recs) != 0 {
		t.Fatalf("Load = %v, %v; want empty", recs, err)
	}
}

func TestFileJournal_LatestStateWins(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	j := failure.NewFileJournal(path)

	for _, r := range []failure.Record{
		{ID: "a", Type: failure.TypeTimeout},
		{ID: "b", Type: failure.TypeAuthentication},
		{ID: "a", Type: failure.TypeTimeout, Acknowledged: true},
	} {
		if err := j.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	recs, err := j.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("records = %+v, want a then b", recs)
	}
	if !recs[0].Acknowledged {
		t.Error("record a should carry its latest acknowledged state")
	}
}

func TestValidator_JournalSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "failures.jsonl")

	v1 := newValidator(t, failure.WithJournal(failure.NewFileJournal(path)))
	first := v1.RecordFailure(ctx, failure.TypeAuthentication, "HTTP 401", map[string]string{"session_id": "s1"})
	second := v1.RecordFailure(ctx, failure.TypeTimeout, "deadline", nil)
	if err := v1.Acknowledge(first.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, _, err := v1.GenerateNotification(second.ID); err != nil {
		t.Fatalf("GenerateNotification: %v", err)
	}

	v2 := newValidator(t, failure.WithJournal(failure.NewFileJournal(path)))
	got, err := v2.Get(first.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if !got.Acknowledged || got.SessionID != "s1" {
		t.Errorf("restored record = %+v", got)
	}
	if _, isFirst, _ := v2.GenerateNotification(second.ID); isFirst {
		t.Error("notification state was not restored")
	}
	if un := v2.Unacknowledged(); len(un) != 1 || un[0].ID != second.ID {
		t.Errorf("Unacknowledged = %+v", un)
	}
}

func TestValidator_JournalReplayRespectsHistorySize(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	j := failure.NewFileJournal(path)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := j.Append(failure.Record{ID: id, Type: failure.TypeUnknown}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	v := newValidator(t, failure.WithHistorySize(2), failure.WithJournal(j))
	recent := v.Recent(10)
	if len(recent) != 2 || recent[0].ID != "d" || recent[1].ID != "c" {
		t.Fatalf("Recent = %+v, want d, c", recent)
	}
}
