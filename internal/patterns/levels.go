package patterns

import (
	"fmt"
	"sort"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

const (
	levelTolerance   = 0.004 // cluster band as a fraction of price
	levelMinTouches  = 2
	breakoutLookback = 20
	breakoutVolMin   = 1.5 // breakout volume vs trailing average
)

// level is one clustered support or resistance zone.
type level struct {
	price   float64
	touches int
	lastIdx int
}

// clusterLevels groups pivot prices into zones within levelTolerance of the
// running cluster mean.
func clusterLevels(pivots []pivot) []level {
	if len(pivots) == 0 {
		return nil
	}
	sorted := make([]pivot, len(pivots))
	copy(sorted, pivots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].price < sorted[j].price })

	var levels []level
	cur := level{price: sorted[0].price, touches: 1, lastIdx: sorted[0].idx}
	for _, p := range sorted[1:] {
		if withinTolerance(cur.price, p.price, levelTolerance) {
			// running mean keeps the zone centered
			cur.price = (cur.price*float64(cur.touches) + p.price) / float64(cur.touches+1)
			cur.touches++
			if p.idx > cur.lastIdx {
				cur.lastIdx = p.idx
			}
			continue
		}
		levels = append(levels, cur)
		cur = level{price: p.price, touches: 1, lastIdx: p.idx}
	}
	levels = append(levels, cur)
	return levels
}

// detectLevels emits support and resistance patterns from clustered pivots.
// Zones below the last close are support, above are resistance.
func (d *Detector) detectLevels(bars []models.Bar, pivots []pivot) []models.Pattern {
	lastClose := bars[len(bars)-1].Close.InexactFloat64()

	var out []models.Pattern
	for _, side := range []struct {
		pivots []pivot
		below  bool
		ptype  models.PatternType
	}{
		{pivotLows(pivots), true, models.PatternSupport},
		{pivotHighs(pivots), false, models.PatternResistance},
	} {
		for _, lv := range clusterLevels(side.pivots) {
			if lv.touches < levelMinTouches {
				continue
			}
			if side.below != (lv.price < lastClose) {
				continue
			}
			// more touches means a better established zone
			fit := clamp01(float64(lv.touches-1) / 4)
			anchor := bars[lv.lastIdx]
			p := d.newPattern(anchor, side.ptype, fit, 0.5, side.below, map[string]string{
				"touches": fmt.Sprintf("%d", lv.touches),
			})
			p.PriceLevels = priceLevels(lv.price)
			out = append(out, p)
		}
	}
	return out
}

// detectBreakout fires when the last close exits the trailing range envelope
// with volume confirmation.
func (d *Detector) detectBreakout(bars []models.Bar) []models.Pattern {
	if len(bars) < breakoutLookback+2 {
		return nil
	}
	last := bars[len(bars)-1]
	window := bars[len(bars)-1-breakoutLookback : len(bars)-1]

	var hi, lo float64
	for i, b := range window {
		h := b.High.InexactFloat64()
		l := b.Low.InexactFloat64()
		if i == 0 || h > hi {
			hi = h
		}
		if i == 0 || l < lo {
			lo = l
		}
	}

	close := last.Close.InexactFloat64()
	var bullish bool
	var edge float64
	switch {
	case close > hi:
		bullish, edge = true, hi
	case close < lo:
		bullish, edge = false, lo
	default:
		return nil
	}

	volConfirm := volumeRatio(bars, breakoutLookback)
	if volConfirm < clamp01(breakoutVolMin/2) {
		return nil
	}

	overshoot := abs(close-edge) / edge
	fit := clamp01(overshoot / 0.01) // a 1% clean break scores full fit
	p := d.newPattern(last, models.PatternBreakout, fit, volConfirm, bullish, map[string]string{
		"range_edge": fmt.Sprintf("%.4f", edge),
	})
	p.PriceLevels = priceLevels(lo, hi)
	return []models.Pattern{p}
}
