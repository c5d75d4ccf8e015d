// Command voxid is the main entry point for the voxid speaker identity server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxid/internal/api"
	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/config"
	"github.com/MrWong99/voxid/internal/health"
	"github.com/MrWong99/voxid/internal/ingest"
	"github.com/MrWong99/voxid/internal/observe"
	"github.com/MrWong99/voxid/pkg/voiceprint"
	"github.com/MrWong99/voxid/pkg/voiceprint/badgerstore"
	"github.com/MrWong99/voxid/pkg/voiceprint/memstore"
	"github.com/MrWong99/voxid/pkg/voiceprint/postgres"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxid: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxid: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(logLevel))

	slog.Info("voxid starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"storage", cfg.Storage.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Storage registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinStorage(reg)

	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithLogLevel(logLevel),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = otelShutdown(context.Background())
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(next *config.Config, _ config.ConfigDiff) {
			application.ApplyConfig(next)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
			go reloadOnHangup(ctx, watcher)
		}
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.NewHandler(application.Monitor(), application.Checkers()...).Register(mux)
	ingest.NewHandler(application.Sessions()).Register(mux)
	api.NewHandler(application).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		// ── Graceful shutdown ─────────────────────────────────────────────────
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			application.Shutdown(shutdownCtx),
			otelShutdown(shutdownCtx),
		)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			}
		}
	}
}

// ── Storage wiring ────────────────────────────────────────────────────────────

// registerBuiltinStorage wires the storage backends that ship with voxid.
func registerBuiltinStorage(reg *config.Registry) {
	reg.RegisterStorage(config.BackendMemory, func(context.Context, config.StorageConfig) (voiceprint.Store, error) {
		return memstore.New(), nil
	})
	reg.RegisterStorage(config.BackendBadger, func(_ context.Context, sc config.StorageConfig) (voiceprint.Store, error) {
		s, err := badgerstore.Open(badgerstore.Options{Dir: sc.BadgerPath})
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	reg.RegisterStorage(config.BackendPostgres, func(ctx context.Context, sc config.StorageConfig) (voiceprint.Store, error) {
		s, err := postgres.NewStore(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          voxid: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Version", version)
	printRow("Storage", cfg.Storage.Backend)
	printRow("Thresholds", fmt.Sprintf("%.2f/%.2f/%.2f",
		cfg.Matching.HighThreshold, cfg.Matching.MediumThreshold, cfg.Matching.LowThreshold))
	if cfg.Health.Disabled {
		printRow("Health", "(disabled)")
	} else {
		printRow("Health", "every "+cfg.Health.CheckInterval.String())
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
