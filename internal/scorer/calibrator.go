package scorer

import (
	"math"
	"sort"
	"sync"
)

const (
	calibratorWindow  = 500
	localMinSamples   = 50
	localNeighborhood = 25
	plattSlope        = 2.0
)

type calSample struct {
	raw float64
	win bool
}

// Calibrator maps raw confidence to calibrated confidence from closed-trade
// outcomes. With enough history it uses a quantile-local estimate: the
// empirical win rate of the nearest samples by raw confidence. With sparse
// history it falls back to a Platt-style global squash anchored on the
// overall win rate. With no history it is the identity.
type Calibrator struct {
	mu      sync.RWMutex
	samples []calSample
	next    int
	filled  bool
}

// NewCalibrator creates an empty calibrator.
func NewCalibrator() *Calibrator {
	return &Calibrator{samples: make([]calSample, calibratorWindow)}
}

// AddSample records one closed-trade outcome at its signal's raw confidence.
func (c *Calibrator) AddSample(raw float64, win bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[c.next] = calSample{raw: clampF(raw, 0, 1), win: win}
	c.next++
	if c.next == calibratorWindow {
		c.next = 0
		c.filled = true
	}
}

// Size reports how many samples the calibrator holds.
func (c *Calibrator) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size()
}

func (c *Calibrator) size() int {
	if c.filled {
		return calibratorWindow
	}
	return c.next
}

// Calibrate maps a raw confidence in [0,1] to a calibrated one.
func (c *Calibrator) Calibrate(raw float64) float64 {
	raw = clampF(raw, 0, 1)

	c.mu.RLock()
	n := c.size()
	if n == 0 {
		c.mu.RUnlock()
		return raw
	}
	tmp := make([]calSample, n)
	copy(tmp, c.samples[:n])
	c.mu.RUnlock()

	if n >= localMinSamples {
		return localEstimate(tmp, raw)
	}
	return plattEstimate(tmp, raw)
}

// localEstimate is the win rate among the nearest samples by raw
// confidence, blended with the raw value to avoid hard steps.
func localEstimate(samples []calSample, raw float64) float64 {
	sort.Slice(samples, func(i, j int) bool {
		return abs(samples[i].raw-raw) < abs(samples[j].raw-raw)
	})
	k := localNeighborhood
	if k > len(samples) {
		k = len(samples)
	}
	var wins int
	for _, s := range samples[:k] {
		if s.win {
			wins++
		}
	}
	local := float64(wins) / float64(k)
	// light shrinkage toward raw keeps small neighborhoods stable
	return clampF(0.8*local+0.2*raw, 0, 1)
}

// plattEstimate squashes raw through a logistic anchored on the global win
// rate, an inexpensive stand-in for a fitted Platt scaler.
func plattEstimate(samples []calSample, raw float64) float64 {
	var wins int
	for _, s := range samples {
		if s.win {
			wins++
		}
	}
	// Laplace smoothing keeps the logit finite
	winRate := (float64(wins) + 1) / (float64(len(samples)) + 2)
	bias := math.Log(winRate / (1 - winRate))
	return clampF(1/(1+math.Exp(-(plattSlope*(raw-0.5)+bias))), 0, 1)
}
