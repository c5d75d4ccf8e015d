package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxid/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Storage.Backend != config.BackendMemory {
		t.Errorf("backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Storage.Transcripts != config.TranscriptsMemory {
		t.Errorf("transcripts = %q, want memory", cfg.Storage.Transcripts)
	}
	if m := cfg.Matching; m.HighThreshold != 0.85 || m.MediumThreshold != 0.70 || m.LowThreshold != 0.50 {
		t.Errorf("matching = %+v, want 0.85/0.70/0.50", m)
	}
	if p := cfg.Profiles; p.StableMin != 5 || p.VerifiedMin != 10 || p.MaxEmbeddings != 0 {
		t.Errorf("profiles = %+v, want 5/10/0", p)
	}

	h := cfg.Health
	for _, tc := range []struct {
		name      string
		got, want time.Duration
	}{
		{"check_interval", h.CheckInterval, 5 * time.Second},
		{"init_timeout", h.InitTimeout, 60 * time.Second},
		{"warning_threshold", h.WarningThreshold, 15 * time.Second},
		{"failure_threshold", h.FailureThreshold, 30 * time.Second},
		{"anomaly_min_age", h.AnomalyMinAge, 60 * time.Second},
	} {
		if tc.got != tc.want {
			t.Errorf("health.%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	if h.AnomalyMinSegments != 10 || h.MaxConsecutiveErrors != 3 {
		t.Errorf("health counters = %d/%d, want 10/3", h.AnomalyMinSegments, h.MaxConsecutiveErrors)
	}
	if !h.AutoRecoveryEnabled() {
		t.Error("auto recovery should default to enabled")
	}
	if cfg.Failures.HistorySize != 100 || cfg.Failures.MonoSpeakerSegments != 10 {
		t.Errorf("failures = %+v", cfg.Failures)
	}
	if cfg.Telemetry.ServiceName != "voxid" {
		t.Errorf("service_name = %q, want voxid", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
storage:
  backend: badger
  badger_path: /var/lib/voxid
matching:
  high_threshold: 0.9
  medium_threshold: 0.75
  low_threshold: 0.55
profiles:
  stable_min: 4
  verified_min: 12
  max_embeddings: 50
health:
  check_interval: 2s
  init_timeout: 45s
  warning_threshold: 10s
  failure_threshold: 20s
  auto_recovery: false
failures:
  history_size: 20
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Backend != config.BackendBadger || cfg.Storage.BadgerPath != "/var/lib/voxid" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Matching.LowThreshold != 0.55 {
		t.Errorf("low_threshold = %v, want 0.55", cfg.Matching.LowThreshold)
	}
	if cfg.Profiles.MaxEmbeddings != 50 {
		t.Errorf("max_embeddings = %d, want 50", cfg.Profiles.MaxEmbeddings)
	}
	if cfg.Health.CheckInterval != 2*time.Second || cfg.Health.FailureThreshold != 20*time.Second {
		t.Errorf("health = %+v", cfg.Health)
	}
	if cfg.Health.AutoRecoveryEnabled() {
		t.Error("auto_recovery: false was not honoured")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("matching:\n  hgih_threshold: 0.9\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: loud\n",
			wantErr: "server.log_level",
		},
		{
			name:    "postgres without dsn",
			yaml:    "storage:\n  backend: postgres\n",
			wantErr: "postgres_dsn is required",
		},
		{
			name:    "badger without path",
			yaml:    "storage:\n  backend: badger\n",
			wantErr: "badger_path is required",
		},
		{
			name:    "postgres transcripts without dsn",
			yaml:    "storage:\n  transcripts: postgres\n",
			wantErr: "storage.transcripts is postgres",
		},
		{
			name:    "unknown transcripts store",
			yaml:    "storage:\n  transcripts: sqlite\n",
			wantErr: "storage.transcripts",
		},
		{
			name:    "threshold out of range",
			yaml:    "matching:\n  high_threshold: 1.5\n",
			wantErr: "out of range",
		},
		{
			name:    "thresholds out of order",
			yaml:    "matching:\n  high_threshold: 0.6\n  medium_threshold: 0.7\n",
			wantErr: "low <= medium <= high",
		},
		{
			name:    "tiers out of order",
			yaml:    "profiles:\n  stable_min: 10\n  verified_min: 5\n",
			wantErr: "stable_min < verified_min",
		},
		{
			name:    "warning above failure",
			yaml:    "health:\n  warning_threshold: 40s\n",
			wantErr: "warning_threshold",
		},
		{
			name:    "negative duration",
			yaml:    "health:\n  check_interval: -1s\n",
			wantErr: "must not be negative",
		},
		{
			name:    "tls incomplete",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: "cert_file and key_file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.SlogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example config: %v", err)
	}
	if cfg.Storage.Backend != config.BackendMemory || !cfg.Health.AutoRecoveryEnabled() {
		t.Errorf("example config = %+v", cfg)
	}
}
