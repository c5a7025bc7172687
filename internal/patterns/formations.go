package patterns

import (
	"fmt"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

const (
	doubleTolerance   = 0.01  // matching extreme tolerance
	doubleMinRebound  = 0.015 // interleaving pivot must retrace this much
	shoulderTolerance = 0.015
	headMinRise       = 0.01 // head above shoulder mean
	triangleMinPivots = 4
	triangleMinSlope  = 0.001 // per-bar convergence as fraction of price
	flagPoleMin       = 0.04  // pole move over flagPoleBars
	flagPoleBars      = 10
	flagRangeMax      = 0.5 // consolidation range vs pole height
	flagBars          = 8
)

func (d *Detector) detectFormations(bars []models.Bar, pivots []pivot) []models.Pattern {
	var out []models.Pattern
	if p, ok := d.detectDouble(bars, pivots, false); ok {
		out = append(out, p)
	}
	if p, ok := d.detectDouble(bars, pivots, true); ok {
		out = append(out, p)
	}
	if p, ok := d.detectHeadAndShoulders(bars, pivots); ok {
		out = append(out, p)
	}
	if p, ok := d.detectTriangle(bars, pivots); ok {
		out = append(out, p)
	}
	if p, ok := d.detectFlag(bars); ok {
		out = append(out, p)
	}
	return out
}

// detectDouble matches the last two same-side pivots within tolerance with a
// sufficient rebound between them. tops selects double top vs double bottom.
func (d *Detector) detectDouble(bars []models.Bar, pivots []pivot, tops bool) (models.Pattern, bool) {
	side := pivotLows(pivots)
	opposite := pivotHighs(pivots)
	ptype := models.PatternDoubleBottom
	if tops {
		side, opposite = opposite, side
		ptype = models.PatternDoubleTop
	}
	if len(side) < 2 {
		return models.Pattern{}, false
	}

	a, b := side[len(side)-2], side[len(side)-1]
	if !withinTolerance(a.price, b.price, doubleTolerance) {
		return models.Pattern{}, false
	}

	// the neckline pivot sits between the two extremes on the other side
	var neck *pivot
	for i := range opposite {
		if opposite[i].idx > a.idx && opposite[i].idx < b.idx {
			neck = &opposite[i]
		}
	}
	if neck == nil {
		return models.Pattern{}, false
	}

	base := (a.price + b.price) / 2
	rebound := abs(neck.price-base) / base
	if rebound < doubleMinRebound {
		return models.Pattern{}, false
	}

	mismatch := abs(a.price-b.price) / base
	fit := clamp01(1 - mismatch/doubleTolerance)
	anchor := bars[b.idx]
	p := d.newPattern(anchor, ptype, fit, volumeRatio(bars, candleVolLookb), !tops, map[string]string{
		"neckline": fmt.Sprintf("%.4f", neck.price),
	})
	if tops {
		p.PriceLevels = priceLevels(neck.price, base)
	} else {
		p.PriceLevels = priceLevels(base, neck.price)
	}
	return p, true
}

// detectHeadAndShoulders matches the last three pivot highs with the middle
// one dominant and the shoulders level, plus two intervening lows for the
// neckline. Only the bearish (top) variant is emitted.
func (d *Detector) detectHeadAndShoulders(bars []models.Bar, pivots []pivot) (models.Pattern, bool) {
	highs := pivotHighs(pivots)
	lows := pivotLows(pivots)
	if len(highs) < 3 {
		return models.Pattern{}, false
	}

	ls, head, rs := highs[len(highs)-3], highs[len(highs)-2], highs[len(highs)-1]
	if !withinTolerance(ls.price, rs.price, shoulderTolerance) {
		return models.Pattern{}, false
	}
	shoulderMean := (ls.price + rs.price) / 2
	if head.price < shoulderMean*(1+headMinRise) {
		return models.Pattern{}, false
	}

	var neckSum float64
	var neckCount int
	for _, lo := range lows {
		if (lo.idx > ls.idx && lo.idx < head.idx) || (lo.idx > head.idx && lo.idx < rs.idx) {
			neckSum += lo.price
			neckCount++
		}
	}
	if neckCount < 2 {
		return models.Pattern{}, false
	}
	neckline := neckSum / float64(neckCount)

	symmetry := 1 - abs(ls.price-rs.price)/shoulderMean/shoulderTolerance
	prominence := clamp01((head.price/shoulderMean - 1) / 0.05)
	fit := clamp01((clamp01(symmetry) + prominence) / 2)

	anchor := bars[rs.idx]
	p := d.newPattern(anchor, models.PatternHeadAndShoulders, fit, volumeRatio(bars, candleVolLookb), false, map[string]string{
		"neckline": fmt.Sprintf("%.4f", neckline),
	})
	p.PriceLevels = priceLevels(neckline, shoulderMean, head.price)
	return p, true
}

// detectTriangle fits converging trendlines: descending pivot highs against
// ascending pivot lows (symmetric), or one flat side (ascending/descending).
func (d *Detector) detectTriangle(bars []models.Bar, pivots []pivot) (models.Pattern, bool) {
	highs := pivotHighs(pivots)
	lows := pivotLows(pivots)
	if len(highs) < 2 || len(lows) < 2 || len(highs)+len(lows) < triangleMinPivots {
		return models.Pattern{}, false
	}

	hSlope := slopePerBar(highs[len(highs)-2], highs[len(highs)-1])
	lSlope := slopePerBar(lows[len(lows)-2], lows[len(lows)-1])
	price := bars[len(bars)-1].Close.InexactFloat64()
	norm := triangleMinSlope * price

	descendingHighs := hSlope < -norm
	ascendingLows := lSlope > norm
	flatHighs := abs(hSlope) <= norm
	flatLows := abs(lSlope) <= norm

	var variant string
	var bullish bool
	switch {
	case descendingHighs && ascendingLows:
		variant, bullish = "symmetric", lows[len(lows)-1].price > lows[len(lows)-2].price
	case flatHighs && ascendingLows:
		variant, bullish = "ascending", true
	case descendingHighs && flatLows:
		variant, bullish = "descending", false
	default:
		return models.Pattern{}, false
	}

	converge := clamp01((abs(hSlope) + abs(lSlope)) / (4 * norm))
	anchor := bars[len(bars)-1]
	p := d.newPattern(anchor, models.PatternTriangle, converge, 0.5, bullish, map[string]string{
		"variant": variant,
	})
	p.PriceLevels = priceLevels(lows[len(lows)-1].price, highs[len(highs)-1].price)
	return p, true
}

// detectFlag matches a sharp pole followed by a tight consolidation drifting
// against the pole direction.
func (d *Detector) detectFlag(bars []models.Bar) (models.Pattern, bool) {
	if len(bars) < flagPoleBars+flagBars+1 {
		return models.Pattern{}, false
	}
	n := len(bars)
	flagStart := n - flagBars
	poleStart := flagStart - flagPoleBars

	poleOpen := bars[poleStart].Open.InexactFloat64()
	poleEnd := bars[flagStart-1].Close.InexactFloat64()
	poleMove := (poleEnd - poleOpen) / poleOpen
	if abs(poleMove) < flagPoleMin {
		return models.Pattern{}, false
	}
	bullish := poleMove > 0

	var hi, lo float64
	for i := flagStart; i < n; i++ {
		h := bars[i].High.InexactFloat64()
		l := bars[i].Low.InexactFloat64()
		if i == flagStart || h > hi {
			hi = h
		}
		if i == flagStart || l < lo {
			lo = l
		}
	}
	poleHeight := abs(poleEnd - poleOpen)
	if poleHeight <= 0 || (hi-lo)/poleHeight > flagRangeMax {
		return models.Pattern{}, false
	}

	// consolidation should not retrace the pole
	lastClose := bars[n-1].Close.InexactFloat64()
	retrace := (poleEnd - lastClose) / poleHeight
	if !bullish {
		retrace = -retrace
	}
	if retrace > 0.6 {
		return models.Pattern{}, false
	}

	tightness := 1 - (hi-lo)/poleHeight/flagRangeMax
	fit := clamp01((clamp01(tightness) + clamp01(abs(poleMove)/(2*flagPoleMin))) / 2)

	p := d.newPattern(bars[n-1], models.PatternFlag, fit, volumeRatio(bars, candleVolLookb), bullish, map[string]string{
		"pole_move": fmt.Sprintf("%.4f", poleMove),
	})
	p.PriceLevels = priceLevels(lo, hi)
	return p, true
}

func slopePerBar(a, b pivot) float64 {
	if b.idx == a.idx {
		return 0
	}
	return (b.price - a.price) / float64(b.idx-a.idx)
}
