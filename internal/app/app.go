// Package app wires all voxid subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the configured storage
// backend and builds the matcher, embedding store, identity mapper, health
// monitor, failure validator and telemetry recorder on top of it,
// ApplyConfig hot-reloads tunables, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithStore,
// WithTranscriptStore, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxid/internal/config"
	"github.com/MrWong99/voxid/internal/embedding"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/health"
	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/internal/matcher"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/internal/resilience"
	"github.com/MrWong99/voxid/internal/telemetry"
	"github.com/MrWong99/voxid/internal/transcript"
	transcriptpg "github.com/MrWong99/voxid/internal/transcript/postgres"
	"github.com/MrWong99/voxid/pkg/voiceprint"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store       voiceprint.Store
	transcripts transcript.Store
	matcher     *matcher.Matcher
	embeddings  *embedding.Store
	mapper      *identity.Mapper
	monitor     *health.Monitor
	validator   *failure.Validator
	telemetry   *telemetry.Recorder
	sessions    *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// cfgMu guards cfg across hot reloads.
	cfgMu sync.Mutex

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a repository instead of creating one through the
// registry. The caller keeps ownership; Shutdown does not close it.
func WithStore(s voiceprint.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry sets the registry used to create the configured storage
// backend.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithTranscriptStore injects the transcript segment store instead of the
// one selected by storage.transcripts. The caller keeps ownership.
func WithTranscriptStore(ts transcript.Store) Option {
	return func(a *App) { a.transcripts = ts }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the process log level to the app so that hot reloads
// can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The storage backend
// is opened through the registry unless one is injected with [WithStore].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initTranscripts(ctx); err != nil {
		for _, c := range a.closers {
			_ = c()
		}
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	// ── 2. Telemetry + validation ────────────────────────────────────────
	a.telemetry = telemetry.New(
		telemetry.WithHistorySize(cfg.Telemetry.HistorySize),
		telemetry.WithMetrics(a.metrics),
	)
	validatorOpts := []failure.Option{
		failure.WithHistorySize(cfg.Failures.HistorySize),
		failure.WithMonoSpeakerSegments(cfg.Failures.MonoSpeakerSegments),
		failure.WithMetrics(a.metrics),
	}
	if cfg.Failures.JournalPath != "" {
		validatorOpts = append(validatorOpts, failure.WithJournal(failure.NewFileJournal(cfg.Failures.JournalPath)))
	}
	a.validator = failure.New(validatorOpts...)

	// ── 3. Matching + embeddings ─────────────────────────────────────────
	a.matcher = matcher.New(a.store,
		matcher.WithThresholds(matchingThresholds(cfg.Matching)),
		matcher.WithMetrics(a.metrics),
	)
	a.embeddings = embedding.New(a.store,
		embedding.WithTierThresholds(tierThresholds(cfg.Profiles)),
		embedding.WithMaxEmbeddingsPerSpeaker(cfg.Profiles.MaxEmbeddings),
		embedding.WithMetrics(a.metrics),
	)

	// ── 4. Identity mapper ───────────────────────────────────────────────
	mapperOpts := []identity.Option{
		identity.WithMetrics(a.metrics),
		identity.WithBreaker(resilience.New(resilience.Config{
			Name: "transcript-store",
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})),
	}
	if a.transcripts != nil {
		mapperOpts = append(mapperOpts, identity.WithTranscriptStore(a.transcripts))
	}
	a.mapper = identity.New(
		timedResolver{next: a.matcher, rec: a.telemetry},
		timedWriter{next: a.embeddings, rec: a.telemetry},
		a.store,
		mapperOpts...,
	)

	// ── 5. Health monitor ────────────────────────────────────────────────
	a.monitor = health.NewMonitor(a.store,
		health.WithConfig(healthConfig(cfg.Health)),
		health.WithDisabled(cfg.Health.Disabled),
		health.WithMetrics(a.metrics),
	)

	// ── 6. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Mapper:      a.mapper,
		Monitor:     a.monitor,
		Validator:   a.validator,
		Telemetry:   a.telemetry,
		Transcripts: a.transcripts,
		Metrics:     a.metrics,
	})
	a.closers = append([]func() error{a.sessions.Close}, a.closers...)

	slog.Info("app: initialised",
		"storage", cfg.Storage.Backend,
		"health_disabled", cfg.Health.Disabled,
		"transcript_store", a.transcripts != nil,
	)
	return a, nil
}

// initStorage opens the configured backend unless one was injected.
func (a *App) initStorage(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no storage registry and no injected store")
	}
	var store voiceprint.Store
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Name:     "open storage " + a.cfg.Storage.Backend,
		Attempts: a.cfg.Storage.ConnectAttempts,
		Retryable: func(err error) bool {
			return !errors.Is(err, config.ErrBackendNotRegistered)
		},
	}, func(ctx context.Context) error {
		var err error
		store, err = a.registry.CreateStorage(ctx, a.cfg.Storage)
		return err
	})
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initTranscripts opens the configured transcript store unless one was
// injected.
func (a *App) initTranscripts(ctx context.Context) error {
	if a.transcripts != nil {
		return nil
	}
	switch a.cfg.Storage.Transcripts {
	case config.TranscriptsNone:
		return nil
	case config.TranscriptsPostgres:
		ts, err := transcriptpg.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.transcripts = ts
		a.closers = append(a.closers, ts.Close)
	default:
		a.transcripts = transcript.NewMemStore()
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Store returns the repository backend.
func (a *App) Store() voiceprint.Store { return a.store }

// Transcripts returns the transcript segment store, or nil when transcripts
// are disabled.
func (a *App) Transcripts() transcript.Store { return a.transcripts }

// Matcher returns the speaker matcher.
func (a *App) Matcher() *matcher.Matcher { return a.matcher }

// Embeddings returns the embedding store.
func (a *App) Embeddings() *embedding.Store { return a.embeddings }

// Mapper returns the identity mapper.
func (a *App) Mapper() *identity.Mapper { return a.mapper }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Validator returns the failure validator.
func (a *App) Validator() *failure.Validator { return a.validator }

// Telemetry returns the telemetry recorder.
func (a *App) Telemetry() *telemetry.Recorder { return a.telemetry }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Checkers returns the readiness checks for the app's dependencies.
func (a *App) Checkers() []health.Checker {
	return []health.Checker{{Name: "storage", Check: a.store.Ping}}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next and returns the diff
// against the previously applied config. Sections that need a restart are
// only reported in the diff.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.MatchingChanged {
		a.matcher.SetThresholds(matchingThresholds(next.Matching))
		slog.Info("app: matching thresholds changed",
			"high", next.Matching.HighThreshold,
			"medium", next.Matching.MediumThreshold,
			"low", next.Matching.LowThreshold,
		)
	}
	if d.ProfilesChanged {
		a.embeddings.SetTierThresholds(tierThresholds(next.Profiles))
		a.embeddings.SetMaxEmbeddingsPerSpeaker(next.Profiles.MaxEmbeddings)
		slog.Info("app: profile settings changed",
			"stable_min", next.Profiles.StableMin,
			"verified_min", next.Profiles.VerifiedMin,
			"max_embeddings", next.Profiles.MaxEmbeddings,
		)
	}
	if d.HealthChanged {
		a.monitor.SetConfig(healthConfig(next.Health))
		a.monitor.SetDisabled(next.Health.Disabled)
		slog.Info("app: health settings changed", "disabled", next.Health.Disabled)
	}
	if d.FailuresChanged {
		a.validator.SetMonoSpeakerSegments(next.Failures.MonoSpeakerSegments)
	}

	a.cfg = next
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and closes the backend. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if _, err := a.sessions.StopActive(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
			slog.Warn("app: stopping active session", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func matchingThresholds(c config.MatchingConfig) matcher.Thresholds {
	return matcher.Thresholds{High: c.HighThreshold, Medium: c.MediumThreshold, Low: c.LowThreshold}
}

func tierThresholds(c config.ProfilesConfig) embedding.TierThresholds {
	return embedding.TierThresholds{StableMin: c.StableMin, VerifiedMin: c.VerifiedMin}
}

func healthConfig(c config.HealthConfig) health.Config {
	return health.Config{
		CheckInterval:        c.CheckInterval,
		InitTimeout:          c.InitTimeout,
		WarningThreshold:     c.WarningThreshold,
		FailureThreshold:     c.FailureThreshold,
		AnomalyMinAge:        c.AnomalyMinAge,
		AnomalyMinSegments:   c.AnomalyMinSegments,
		MaxConsecutiveErrors: c.MaxConsecutiveErrors,
		AutoRecovery:         c.AutoRecoveryEnabled(),
	}
}
