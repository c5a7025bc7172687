// Package clock abstracts wall and monotonic time so schedulers and
// expiry logic are testable with a fake.
package clock

import (
	"sync"
	"time"
)

// Clock provides wall time and timers. All core components take a Clock
// instead of calling time.Now directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Real is the production clock backed by the time package.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time                         { return time.Now().UTC() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time    { return r.t.C }
func (r *realTicker) Stop()                  { r.t.Stop() }
func (r *realTicker) Reset(d time.Duration)  { r.t.Reset(d) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, waiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the fake clock forward, firing any due waiters and tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	var due []chan time.Time
	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, ch := range due {
		ch <- now
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	return &fakeTicker{f: f, period: d, ch: make(chan time.Time, 1), next: f.Now().Add(d)}
}

type fakeTicker struct {
	f      *Fake
	period time.Duration
	ch     chan time.Time
	next   time.Time
	mu     sync.Mutex
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

func (t *fakeTicker) Reset(d time.Duration) {
	t.mu.Lock()
	t.period = d
	t.next = t.f.Now().Add(d)
	t.mu.Unlock()
}

// Tick fires the ticker once. Tests call this instead of advancing real time.
func (t *fakeTicker) Tick() {
	select {
	case t.ch <- t.f.Now():
	default:
	}
}
