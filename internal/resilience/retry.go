package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultAttempts   = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log lines.
	Name string

	// Attempts is the total number of calls, including the first one.
	// Default: 5.
	Attempts int

	// Backoff is the wait after the first failure. It doubles after every
	// failure up to MaxBackoff. Default: 500ms.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 10s.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Sleep overrides the wait between attempts. Tests only.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are used up or ctx ends. The last error is returned wrapped.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	backoff := cfg.Backoff
	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "name", cfg.Name, "attempt", attempt)
			}
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		slog.Warn("attempt failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"backoff", backoff,
			"err", err,
		)
		if serr := cfg.Sleep(ctx, backoff); serr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", cfg.Name, serr, err)
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", cfg.Name, cfg.Attempts, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
