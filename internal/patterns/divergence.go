package patterns

import (
	"fmt"

	"github.com/cryptohelm/cryptohelm/internal/indicators"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

const divergenceMinGap = 3 // bars between compared pivots

// detectDivergence looks for price/oscillator disagreement at the last two
// same-side pivots: a higher price high on a lower RSI high is bearish, a
// lower price low on a higher RSI low is bullish. Both resolve to a
// trend_reversal pattern.
//
// snaps must be aligned with the tail of bars: snaps[i] was computed on the
// window ending at bars[len(bars)-len(snaps)+i].
func (d *Detector) detectDivergence(bars []models.Bar, snaps []models.IndicatorSnapshot, pivots []pivot) []models.Pattern {
	if len(snaps) < 2 {
		return nil
	}
	offset := len(bars) - len(snaps)

	rsiAt := func(barIdx int) (float64, bool) {
		i := barIdx - offset
		if i < 0 || i >= len(snaps) {
			return 0, false
		}
		if snaps[i].Flagged(indicators.NameRSI) {
			return 0, false
		}
		v, ok := snaps[i].Value(indicators.NameRSI)
		return v, ok
	}

	var out []models.Pattern
	if p, ok := d.divergeOn(bars, pivotHighs(pivots), rsiAt, true); ok {
		out = append(out, p)
	}
	if p, ok := d.divergeOn(bars, pivotLows(pivots), rsiAt, false); ok {
		out = append(out, p)
	}
	return out
}

func (d *Detector) divergeOn(bars []models.Bar, side []pivot, rsiAt func(int) (float64, bool), highs bool) (models.Pattern, bool) {
	if len(side) < 2 {
		return models.Pattern{}, false
	}
	a, b := side[len(side)-2], side[len(side)-1]
	if b.idx-a.idx < divergenceMinGap {
		return models.Pattern{}, false
	}

	rsiA, okA := rsiAt(a.idx)
	rsiB, okB := rsiAt(b.idx)
	if !okA || !okB {
		return models.Pattern{}, false
	}

	var diverged, bullish bool
	if highs {
		// price pushes higher while momentum fades
		diverged = b.price > a.price && rsiB < rsiA
		bullish = false
	} else {
		diverged = b.price < a.price && rsiB > rsiA
		bullish = true
	}
	if !diverged {
		return models.Pattern{}, false
	}

	priceMove := abs(b.price-a.price) / a.price
	rsiMove := abs(rsiB-rsiA) / 100
	fit := clamp01((priceMove/0.01 + rsiMove/0.05) / 2)

	anchor := bars[b.idx]
	p := d.newPattern(anchor, models.PatternTrendReversal, fit, 0.5, bullish, map[string]string{
		"rsi_delta": fmt.Sprintf("%.2f", rsiB-rsiA),
	})
	p.PriceLevels = priceLevels(a.price, b.price)
	return p, true
}
