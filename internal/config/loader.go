package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists the storage backends registered by the binary.
// Used by [Validate] to warn about unrecognised names.
var KnownBackends = []string{BackendMemory, BackendBadger, BackendPostgres}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing every
// failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	switch cfg.Storage.Backend {
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
		}
	case BackendBadger:
		if cfg.Storage.BadgerPath == "" {
			errs = append(errs, errors.New("storage.badger_path is required when storage.backend is badger"))
		}
	}
	switch cfg.Storage.Transcripts {
	case TranscriptsNone, TranscriptsMemory:
	case TranscriptsPostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required when storage.transcripts is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.transcripts %q is invalid; valid values: none, memory, postgres", cfg.Storage.Transcripts))
	}
	if !slices.Contains(KnownBackends, cfg.Storage.Backend) {
		slog.Warn("unknown storage backend, may be a typo or third-party backend",
			"backend", cfg.Storage.Backend,
			"known", KnownBackends,
		)
	}
	if cfg.Storage.Backend == BackendMemory {
		slog.Warn("storage.backend is memory; speaker identities will not survive a restart")
	}

	m := cfg.Matching
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"high_threshold", m.HighThreshold},
		{"medium_threshold", m.MediumThreshold},
		{"low_threshold", m.LowThreshold},
	} {
		if th.v <= 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("matching.%s %.2f is out of range (0, 1]", th.name, th.v))
		}
	}
	if !(m.LowThreshold <= m.MediumThreshold && m.MediumThreshold <= m.HighThreshold) {
		errs = append(errs, fmt.Errorf("matching thresholds must satisfy low <= medium <= high, got %.2f / %.2f / %.2f",
			m.LowThreshold, m.MediumThreshold, m.HighThreshold))
	}

	p := cfg.Profiles
	if p.StableMin < 1 || p.VerifiedMin <= p.StableMin {
		errs = append(errs, fmt.Errorf("profiles: need 1 <= stable_min < verified_min, got %d / %d", p.StableMin, p.VerifiedMin))
	}
	if p.MaxEmbeddings < 0 {
		errs = append(errs, fmt.Errorf("profiles.max_embeddings %d must not be negative", p.MaxEmbeddings))
	}
	if p.MaxEmbeddings > 0 && p.MaxEmbeddings < p.VerifiedMin {
		slog.Warn("profiles.max_embeddings is below verified_min; no profile can reach the verified tier",
			"max_embeddings", p.MaxEmbeddings,
			"verified_min", p.VerifiedMin,
		)
	}

	h := cfg.Health
	for _, d := range []struct {
		name string
		v    any
		bad  bool
	}{
		{"check_interval", h.CheckInterval, h.CheckInterval < 0},
		{"init_timeout", h.InitTimeout, h.InitTimeout < 0},
		{"warning_threshold", h.WarningThreshold, h.WarningThreshold < 0},
		{"failure_threshold", h.FailureThreshold, h.FailureThreshold < 0},
		{"anomaly_min_age", h.AnomalyMinAge, h.AnomalyMinAge < 0},
		{"anomaly_min_segments", h.AnomalyMinSegments, h.AnomalyMinSegments < 0},
		{"max_consecutive_errors", h.MaxConsecutiveErrors, h.MaxConsecutiveErrors < 0},
	} {
		if d.bad {
			errs = append(errs, fmt.Errorf("health.%s %v must not be negative", d.name, d.v))
		}
	}
	if h.WarningThreshold >= h.FailureThreshold {
		errs = append(errs, fmt.Errorf("health.warning_threshold %s must be below failure_threshold %s", h.WarningThreshold, h.FailureThreshold))
	}

	if cfg.Storage.ConnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("storage.connect_attempts %d must not be negative", cfg.Storage.ConnectAttempts))
	}
	if cfg.Failures.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("failures.history_size %d must not be negative", cfg.Failures.HistorySize))
	}
	if cfg.Telemetry.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("telemetry.history_size %d must not be negative", cfg.Telemetry.HistorySize))
	}

	return errors.Join(errs...)
}
