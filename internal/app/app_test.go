package app_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/config"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/pkg/voiceprint"
	"github.com/MrWong99/voxid/pkg/voiceprint/memstore"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return met
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, opts ...app.Option) (*app.App, *memstore.MemStore) {
	t.Helper()
	store := memstore.New()
	opts = append([]app.Option{app.WithStore(store), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), defaultConfig(t), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, store
}

func TestNew_RequiresStoreOrRegistry(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), defaultConfig(t), app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("New without store or registry should fail")
	}
}

func TestNew_OpensBackendFromRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var opened int
	reg.RegisterStorage(config.BackendMemory, func(context.Context, config.StorageConfig) (voiceprint.Store, error) {
		opened++
		return memstore.New(), nil
	})

	a, err := app.New(context.Background(), defaultConfig(t), app.WithRegistry(reg), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if opened != 1 || a.Store() == nil {
		t.Fatalf("opened = %d, store = %v", opened, a.Store())
	}
	for _, c := range a.Checkers() {
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("checker %s: %v", c.Name, err)
		}
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig(t)
	cfg.Storage.Backend = "cassandra"
	_, err := app.New(context.Background(), cfg, app.WithRegistry(config.NewRegistry()), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestNew_RetriesStorageOpen(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var attempts int
	reg.RegisterStorage(config.BackendMemory, func(context.Context, config.StorageConfig) (voiceprint.Store, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("connection refused")
		}
		return memstore.New(), nil
	})

	cfg := defaultConfig(t)
	cfg.Storage.ConnectAttempts = 2
	a, err := app.New(context.Background(), cfg, app.WithRegistry(reg), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestNew_FailureJournal(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig(t)
	cfg.Failures.JournalPath = filepath.Join(t.TempDir(), "failures.jsonl")

	a, err := app.New(context.Background(), cfg, app.WithStore(memstore.New()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := a.Validator().RecordFailure(context.Background(), failure.TypeTimeout, "deadline", nil)
	_ = a.Shutdown(context.Background())

	b, err := app.New(context.Background(), cfg, app.WithStore(memstore.New()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Shutdown(context.Background())
	if _, err := b.Validator().Get(rec.ID); err != nil {
		t.Fatalf("record not restored: %v", err)
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	a, _ := newTestApp(t, app.WithLogLevel(lv))

	next := defaultConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Matching.HighThreshold = 0.9
	next.Profiles.StableMin = 3
	next.Profiles.MaxEmbeddings = 50
	next.Health.Disabled = true
	next.Failures.MonoSpeakerSegments = 4
	next.Storage.Backend = config.BackendBadger

	d := a.ApplyConfig(next)
	if !d.Changed() {
		t.Fatal("diff should report changes")
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if got := a.Matcher().Thresholds().High; got != 0.9 {
		t.Errorf("high threshold = %v, want 0.9", got)
	}
	if got := a.Embeddings().TierThresholds().StableMin; got != 3 {
		t.Errorf("stable min = %d, want 3", got)
	}
	if got := a.Embeddings().MaxEmbeddingsPerSpeaker(); got != 50 {
		t.Errorf("max embeddings = %d, want 50", got)
	}
	if !a.Monitor().Disabled() {
		t.Error("monitor should be disabled")
	}
	if !slices.Contains(d.RestartRequired, "storage") {
		t.Errorf("RestartRequired = %v, want storage", d.RestartRequired)
	}

	if d2 := a.ApplyConfig(next); d2.Changed() {
		t.Errorf("re-applying the same config reported %+v", d2)
	}
}

func TestShutdown_StopsActiveSession(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	ctx := context.Background()
	if _, err := a.Sessions().Start(ctx, "s1", "", app.Hooks{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, ok := a.Sessions().Active(); ok {
		t.Error("session still active after Shutdown")
	}
	if _, ok := a.Mapper().SessionStats("s1"); !ok {
		t.Error("mapper should have finalised s1")
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
