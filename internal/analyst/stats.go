package analyst

import (
	"sort"
	"sync"
	"time"
)

const statsWindow = 256

// Tracker keeps rolling success and latency statistics for one analyst.
// Observations beyond the window age out oldest-first.
type Tracker struct {
	mu        sync.RWMutex
	outcomes  []bool
	latencies []time.Duration
	next      int
	filled    bool

	// recentConfidence is an EWMA over successful verdict confidences.
	recentConfidence float64
	haveConfidence   bool
}

const confidenceAlpha = 0.2

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		outcomes:  make([]bool, statsWindow),
		latencies: make([]time.Duration, statsWindow),
	}
}

// Observe records one call outcome.
func (t *Tracker) Observe(latency time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes[t.next] = ok
	t.latencies[t.next] = latency
	t.next++
	if t.next == statsWindow {
		t.next = 0
		t.filled = true
	}
}

// ObserveConfidence folds a successful verdict's confidence into the EWMA.
func (t *Tracker) ObserveConfidence(c float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveConfidence {
		t.recentConfidence = c
		t.haveConfidence = true
		return
	}
	t.recentConfidence = confidenceAlpha*c + (1-confidenceAlpha)*t.recentConfidence
}

func (t *Tracker) size() int {
	if t.filled {
		return statsWindow
	}
	return t.next
}

// SuccessRate is the fraction of successful calls in the window. An empty
// tracker reports 1.0 so new analysts are eligible for selection.
func (t *Tracker) SuccessRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.size()
	if n == 0 {
		return 1.0
	}
	var ok int
	for i := 0; i < n; i++ {
		if t.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(n)
}

// RecentConfidence is the EWMA verdict confidence, 0.5 before any sample.
func (t *Tracker) RecentConfidence() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.haveConfidence {
		return 0.5
	}
	return t.recentConfidence
}

// P50 and P95 report latency quantiles over the window; zero when empty.
func (t *Tracker) P50() time.Duration { return t.quantile(0.50) }
func (t *Tracker) P95() time.Duration { return t.quantile(0.95) }

func (t *Tracker) quantile(q float64) time.Duration {
	t.mu.RLock()
	n := t.size()
	if n == 0 {
		t.mu.RUnlock()
		return 0
	}
	tmp := make([]time.Duration, n)
	copy(tmp, t.latencies[:n])
	t.mu.RUnlock()

	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	idx := int(q * float64(n-1))
	return tmp[idx]
}
