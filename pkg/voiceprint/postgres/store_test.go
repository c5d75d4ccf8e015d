package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxid/pkg/voiceprint"
	"github.com/MrWong99/voxid/pkg/voiceprint/postgres"
	"github.com/MrWong99/voxid/pkg/voiceprint/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXID_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXID_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXID_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS recovery_jobs CASCADE",
		"DROP TABLE IF EXISTS match_decisions CASCADE",
		"DROP TABLE IF EXISTS speaker_profiles CASCADE",
		"DROP TABLE IF EXISTS voice_embeddings CASCADE",
		"DROP TABLE IF EXISTS speakers CASCADE",
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) voiceprint.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()
	dropSchema(t, ctx, dsn)

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestStore_MigrateIdempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	dropSchema(t, ctx, dsn)

	for i := range 2 {
		s, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			t.Fatalf("NewStore #%d: %v", i+1, err)
		}
		_ = s.Close()
	}
}

func TestStore_QualityScoreNullable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := 0.75

	for i, score := range []*float64{nil, &q} {
		e := voiceprint.VoiceEmbedding{
			ID:        []string{"e-null", "e-set"}[i],
			SpeakerID: "spk",
			Vector:    []float32{1, 0, 0},
			Dimension: 3,
		}
		e.QualityScore = score
		if err := s.InsertEmbedding(ctx, e); err != nil {
			t.Fatalf("InsertEmbedding: %v", err)
		}
	}

	got, err := s.ListEmbeddings(ctx, "spk", 0)
	if err != nil {
		t.Fatalf("ListEmbeddings: %v", err)
	}
	for _, e := range got {
		switch e.ID {
		case "e-null":
			if e.QualityScore != nil {
				t.Errorf("e-null quality = %v, want nil", *e.QualityScore)
			}
		case "e-set":
			if e.QualityScore == nil || *e.QualityScore != 0.75 {
				t.Errorf("e-set quality = %v, want 0.75", e.QualityScore)
			}
		}
	}
}

func TestStore_NearestProfiles(t *testing.T) {
	s := newTestStore(t).(*postgres.Store)
	ctx := context.Background()

	for id, c := range map[string][]float32{
		"east":  {1, 0, 0},
		"north": {0, 1, 0},
		"near":  {0.9, 0.1, 0},
		"flat":  {1, 0},
	} {
		if err := s.UpsertProfile(ctx, voiceprint.SpeakerProfile{
			SpeakerID:      id,
			EmbeddingCount: 1,
			Centroid:       c,
			QualityTier:    voiceprint.TierLearning,
		}); err != nil {
			t.Fatalf("UpsertProfile %s: %v", id, err)
		}
	}

	got, err := s.NearestProfiles(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("NearestProfiles: %v", err)
	}
	if len(got) != 2 || got[0].SpeakerID != "east" || got[1].SpeakerID != "near" {
		ids := make([]string, len(got))
		for i, p := range got {
			ids[i] = p.SpeakerID
		}
		t.Errorf("nearest = %v, want [east near]", ids)
	}
}
