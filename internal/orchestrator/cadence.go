package orchestrator

import (
	"math"
	"sort"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/feed"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// volTimeframe is the bar interval realized volatility is measured on.
const volTimeframe = models.Timeframe1h

// volWindow is how many absolute log returns the tracker keeps.
const volWindow = 96

// skewHoldoff is how long a clock-skew event keeps a symbol suppressed and
// slowed after it is observed.
const skewHoldoff = 15 * time.Minute

// cadenceSteps are the supported scan intervals, fastest first.
var cadenceSteps = []time.Duration{
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// volTracker ranks the latest realized volatility observation against its
// own rolling history, yielding a percentile in [0,1].
type volTracker struct {
	window  int
	returns []float64
	last    float64
	haveBar bool
	prev    models.Bar
}

func newVolTracker(window int) *volTracker {
	if window <= 0 {
		window = volWindow
	}
	return &volTracker{window: window}
}

// Observe folds one finalized bar into the tracker. Out-of-order bars were
// already discarded by the ingestor.
func (v *volTracker) Observe(bar models.Bar) {
	if v.haveBar {
		prevClose, _ := v.prev.Close.Float64()
		curClose, _ := bar.Close.Float64()
		if prevClose > 0 && curClose > 0 {
			r := math.Abs(math.Log(curClose / prevClose))
			v.last = r
			v.returns = append(v.returns, r)
			if len(v.returns) > v.window {
				v.returns = v.returns[len(v.returns)-v.window:]
			}
		}
	}
	v.prev = bar
	v.haveBar = true
}

// Percentile is the rank of the latest observation within the window. With
// fewer than a handful of samples it reports the neutral 0.5.
func (v *volTracker) Percentile() float64 {
	if len(v.returns) < 5 {
		return 0.5
	}
	sorted := make([]float64, len(v.returns))
	copy(sorted, v.returns)
	sort.Float64s(sorted)
	below := sort.SearchFloat64s(sorted, v.last)
	return float64(below) / float64(len(sorted)-1)
}

// volPercentile reads the current volatility percentile for a symbol.
func (o *Orchestrator) volPercentile(symbol string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	vt, ok := o.vol[symbol]
	if !ok {
		return 0.5
	}
	return vt.Percentile()
}

// initialCadence is the starting scan interval before any volatility
// history exists, clamped to the configured bounds.
func (o *Orchestrator) initialCadence(cfg *config.Config) time.Duration {
	return clampCadence(time.Hour, cfg.Orchestrator.CadenceBounds)
}

// updateCadence re-derives a symbol's cadence after a tick: high realized
// volatility scans faster, low volatility slower, and a degraded or skewed
// feed slows down one step regardless.
func (o *Orchestrator) updateCadence(symbol string, cfg *config.Config) {
	now := o.clk.Now()
	pct := o.volPercentile(symbol)
	th := cfg.Orchestrator.VolatilityThresholds

	next := time.Hour
	switch {
	case pct >= th.High:
		next = cadenceSteps[0]
	case pct > th.Low:
		next = 30 * time.Minute
	default:
		next = 4 * time.Hour
	}

	o.mu.Lock()
	skewed := now.Before(o.skewedUntil[symbol])
	o.mu.Unlock()
	if skewed || o.ingestor.SymbolStatus(symbol) == feed.StatusDegraded {
		next = slowerStep(next)
	}
	next = clampCadence(next, cfg.Orchestrator.CadenceBounds)

	o.mu.Lock()
	prev := o.cadence[symbol]
	o.cadence[symbol] = next
	if next != prev {
		// reschedule from the last tick so a faster cadence takes
		// effect without waiting out the old interval
		o.nextTick[symbol] = o.lastTick[symbol].Add(next)
	}
	o.mu.Unlock()

	o.m.cadence.WithLabelValues(symbol).Set(next.Seconds())
	if next != prev {
		o.log.Info().
			Str("symbol", symbol).
			Dur("cadence", next).
			Float64("vol_percentile", pct).
			Msg("Cadence adjusted")
	}
}

// Cadence reports the current scan interval for a symbol.
func (o *Orchestrator) Cadence(symbol string) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cadence[symbol]
}

// slowerStep returns the next slower supported cadence.
func slowerStep(d time.Duration) time.Duration {
	for i, step := range cadenceSteps {
		if step >= d {
			if i+1 < len(cadenceSteps) {
				return cadenceSteps[i+1]
			}
			return step
		}
	}
	return cadenceSteps[len(cadenceSteps)-1]
}

// clampCadence bounds a cadence to the configured window, snapping to the
// nearest supported step inside it.
func clampCadence(d time.Duration, b config.CadenceBounds) time.Duration {
	min, max := b.Min, b.Max
	if min <= 0 {
		min = cadenceSteps[0]
	}
	if max <= 0 {
		max = cadenceSteps[len(cadenceSteps)-1]
	}
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}
