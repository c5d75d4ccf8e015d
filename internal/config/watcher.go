package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the config file and hands every valid edit that touches a
// hot-reloadable section to onChange together with its [ConfigDiff]. Edits
// that fail validation are logged once per file version and ignored, so the
// last valid config stays current. Sections listed in
// [ConfigDiff.RestartRequired] are reported but never passed on alone.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(next *Config, d ConfigDiff)

	// reloadMu serialises reloads so onChange sees edits in file order.
	reloadMu sync.Mutex
	seen     fileStamp

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{size: fi.Size(), modTime: fi.ModTime()}
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in a background goroutine.
// onChange may be nil.
func NewWatcher(path string, onChange func(next *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Stat before loading: a write that lands in between is picked up by the
	// next poll.
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = stampOf(fi)

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, whether or not it changed on disk, and
// returns the diff against the previous config. When a hot-reloadable
// section changed, onChange has run by the time Reload returns.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	fi, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, fmt.Errorf("config: reload: %w", err)
	}
	d, err := w.reloadLocked(stampOf(fi))
	if err != nil {
		return ConfigDiff{}, fmt.Errorf("config: reload: %w", err)
	}
	return d, nil
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	fi, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	stamp := stampOf(fi)
	if stamp.equal(w.seen) {
		return
	}
	if _, err := w.reloadLocked(stamp); err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
}

// reloadLocked loads the file, diffs it against the current config and
// dispatches the result. The caller holds reloadMu.
func (w *Watcher) reloadLocked(stamp fileStamp) (ConfigDiff, error) {
	w.seen = stamp
	next, err := Load(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	d := Diff(w.current, next)
	w.current = next
	w.mu.Unlock()

	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: changed sections take effect after restart",
			"path", w.path,
			"sections", d.RestartRequired,
		)
	}
	if !d.Changed() {
		return d, nil
	}

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"matching", d.MatchingChanged,
		"profiles", d.ProfilesChanged,
		"health", d.HealthChanged,
		"failures", d.FailuresChanged,
	)
	if w.onChange != nil {
		w.onChange(next, d)
	}
	return d, nil
}
