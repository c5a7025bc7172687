package patterns

import (
	"fmt"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

const (
	dojiBodyMax    = 0.1 // body / range
	pinWickMin     = 2.0 // dominant wick / body
	pinOtherMax    = 1.0 // opposite wick / body
	engulfBodyMin  = 1.0 // engulfing body / engulfed body
	candleVolLookb = 20
)

// candle is one bar reduced to the float geometry the detectors work in.
type candle struct {
	open, high, low, close, volume float64
}

func toCandle(b models.Bar) candle {
	return candle{
		open:   b.Open.InexactFloat64(),
		high:   b.High.InexactFloat64(),
		low:    b.Low.InexactFloat64(),
		close:  b.Close.InexactFloat64(),
		volume: b.Volume.InexactFloat64(),
	}
}

func (c candle) body() float64      { return abs(c.close - c.open) }
func (c candle) fullRange() float64 { return c.high - c.low }
func (c candle) bullish() bool      { return c.close > c.open }

func (c candle) upperWick() float64 {
	top := c.open
	if c.close > top {
		top = c.close
	}
	return c.high - top
}

func (c candle) lowerWick() float64 {
	bot := c.open
	if c.close < bot {
		bot = c.close
	}
	return bot - c.low
}

// detectCandlesticks inspects the last bar (and the one before it for
// engulfing) and emits at most one candlestick pattern, the most salient.
func (d *Detector) detectCandlesticks(bars []models.Bar) []models.Pattern {
	if len(bars) < 2 {
		return nil
	}
	last := bars[len(bars)-1]
	prev := bars[len(bars)-2]
	cur := toCandle(last)
	pre := toCandle(prev)
	if cur.fullRange() <= 0 {
		return nil
	}

	volConfirm := volumeRatio(bars, candleVolLookb)

	var out []models.Pattern

	if p, ok := d.detectEngulfing(last, cur, pre, volConfirm); ok {
		out = append(out, p)
	}
	if p, ok := d.detectPinBar(last, cur, volConfirm); ok {
		out = append(out, p)
	}
	if p, ok := d.detectDoji(last, cur); ok {
		out = append(out, p)
	}
	return out
}

func (d *Detector) detectDoji(bar models.Bar, c candle) (models.Pattern, bool) {
	bodyRatio := c.body() / c.fullRange()
	if bodyRatio > dojiBodyMax {
		return models.Pattern{}, false
	}

	fit := 1 - bodyRatio/dojiBodyMax
	return d.newPattern(bar, models.PatternDoji, fit, 0.5, c.bullish(), map[string]string{
		"body_ratio": fmt.Sprintf("%.4f", bodyRatio),
	}), true
}

func (d *Detector) detectPinBar(bar models.Bar, c candle, volConfirm float64) (models.Pattern, bool) {
	body := c.body()
	if body <= 0 {
		return models.Pattern{}, false
	}

	lower := c.lowerWick() / body
	upper := c.upperWick() / body

	var bullish bool
	var wick float64
	switch {
	case lower >= pinWickMin && upper <= pinOtherMax:
		bullish, wick = true, lower
	case upper >= pinWickMin && lower <= pinOtherMax:
		bullish, wick = false, upper
	default:
		return models.Pattern{}, false
	}

	fit := clamp01((wick - pinWickMin) / pinWickMin)
	return d.newPattern(bar, models.PatternPinBar, fit, volConfirm, bullish, map[string]string{
		"wick_to_body": fmt.Sprintf("%.2f", wick),
	}), true
}

func (d *Detector) detectEngulfing(bar models.Bar, cur, pre candle, volConfirm float64) (models.Pattern, bool) {
	if cur.bullish() == pre.bullish() {
		return models.Pattern{}, false
	}
	preBody := pre.body()
	if preBody <= 0 {
		return models.Pattern{}, false
	}

	curTop, curBot := cur.open, cur.close
	if cur.bullish() {
		curTop, curBot = cur.close, cur.open
	}
	preTop, preBot := pre.open, pre.close
	if pre.bullish() {
		preTop, preBot = pre.close, pre.open
	}
	if curTop <= preTop || curBot >= preBot {
		return models.Pattern{}, false
	}

	ratio := cur.body() / preBody
	if ratio < engulfBodyMin {
		return models.Pattern{}, false
	}

	fit := clamp01((ratio - 1) / 1.5)
	return d.newPattern(bar, models.PatternEngulfing, fit, volConfirm, cur.bullish(), map[string]string{
		"body_ratio": fmt.Sprintf("%.2f", ratio),
	}), true
}

// volumeRatio is the last bar's volume relative to the trailing average,
// clamped to [0,1] as a confirmation score where 1 means >= 2x average.
func volumeRatio(bars []models.Bar, lookback int) float64 {
	if len(bars) < lookback+1 {
		return 0.5
	}
	var sum float64
	for _, b := range bars[len(bars)-1-lookback : len(bars)-1] {
		sum += b.Volume.InexactFloat64()
	}
	avg := sum / float64(lookback)
	if avg <= 0 {
		return 0.5
	}
	r := bars[len(bars)-1].Volume.InexactFloat64() / avg
	return clamp01(r / 2)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
