// Package resilience guards calls to external collaborators (transcript
// store, repository backends) with a three-state circuit breaker, and
// retries start-up connections with exponential backoff ([Retry]).
//
// A tripped breaker turns a struggling collaborator into fast, explicit
// [ErrCircuitOpen] failures instead of stacking up slow calls on the
// per-session worker. All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// New creates a [Breaker]. Zero-value config fields get defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn if the breaker allows it. A cancelled ctx is returned as-is
// without calling fn and without counting as a failure; neither does an error
// from fn that wraps ctx.Err().
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	var changed *transition
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = b.setState(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.halfOpenCalls++
	}
	b.mu.Unlock()
	b.notify(changed)

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	b.mu.Lock()
	if err != nil {
		changed = b.recordFailure(probing)
	} else {
		changed = b.recordSuccess(probing)
	}
	b.mu.Unlock()
	b.notify(changed)
	return err
}

type transition struct{ from, to State }

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	slog.Info("circuit breaker state change",
		"name", b.cfg.Name, "from", t.from.String(), "to", t.to.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) *transition {
	b.lastFailure = b.cfg.Now()
	if probing {
		return b.setState(StateOpen)
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.MaxFailures {
		slog.Warn("circuit breaker opened",
			"name", b.cfg.Name, "consecutive_failures", b.consecutiveFail)
		return b.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) *transition {
	if !probing {
		b.consecutiveFail = 0
		return nil
	}
	b.halfOpenOK++
	if b.halfOpenOK >= b.cfg.HalfOpenMax {
		b.consecutiveFail = 0
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
		return b.setState(StateClosed)
	}
	return nil
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.setState(StateClosed)
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	b.mu.Unlock()
	b.notify(changed)
}
