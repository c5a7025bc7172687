package analyst

import (
	"errors"
	"sync"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("analyst circuit open")

// CircuitState is the breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Breaker is a per-analyst circuit breaker. It trips after the configured
// consecutive failures inside the counting window, holds open for the
// cooldown, then admits a single half-open probe. A failed probe reopens
// with the cooldown doubled, capped; a successful probe closes and resets
// the cooldown to its initial value.
type Breaker struct {
	mu  sync.Mutex
	cfg config.CircuitConfig
	clk clock.Clock

	state     CircuitState
	fails     int
	firstFail time.Time
	openedAt  time.Time
	timeout   time.Duration
	probing   bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg config.CircuitConfig, clk clock.Clock) *Breaker {
	return &Breaker{
		cfg:     cfg,
		clk:     clk,
		state:   CircuitClosed,
		timeout: cfg.Cooldown,
	}
}

// Allow reports whether a call may proceed. In half-open it admits exactly
// one probe at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.clk.Now().Sub(b.openedAt) < b.timeout {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitClosed
		b.timeout = b.cfg.Cooldown
	}
	b.fails = 0
	b.probing = false
}

// RecordFailure reports a failed call (timeouts included).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()

	switch b.state {
	case CircuitClosed:
		if b.fails == 0 || now.Sub(b.firstFail) > b.cfg.Window {
			b.fails = 0
			b.firstFail = now
		}
		b.fails++
		if b.fails >= b.cfg.Failures {
			b.trip(now, b.timeout)
		}
	case CircuitHalfOpen:
		// failed probe reopens with the cooldown doubled
		next := b.timeout * 2
		if b.cfg.Cap > 0 && next > b.cfg.Cap {
			next = b.cfg.Cap
		}
		b.trip(now, next)
	}
	b.probing = false
}

func (b *Breaker) trip(now time.Time, timeout time.Duration) {
	b.state = CircuitOpen
	b.openedAt = now
	b.timeout = timeout
	b.fails = 0
}

// State returns the current breaker state, advancing open to half-open when
// the cooldown has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.clk.Now().Sub(b.openedAt) >= b.timeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Timeout exposes the current cooldown, mainly for health reporting.
func (b *Breaker) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}
