package scorer

import (
	"github.com/cryptohelm/cryptohelm/internal/indicators"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// DetectRegime classifies the market mode from EMA alignment and momentum
// on the 4h and 1d snapshots, with a confidence in [0,1]. Missing higher
// timeframes degrade toward sideways with low confidence.
func DetectRegime(snaps map[models.Timeframe]models.IndicatorSnapshot) (models.Regime, float64) {
	var score, weight float64
	for tf, w := range map[models.Timeframe]float64{
		models.Timeframe4h: 0.4,
		models.Timeframe1d: 0.6,
	} {
		snap, ok := snaps[tf]
		if !ok {
			continue
		}
		score += w * regimeScore(snap)
		weight += w
	}
	if weight == 0 {
		return models.RegimeSideways, 0
	}
	score /= weight // [-1, 1]

	conf := abs(score)
	switch {
	case score >= 0.25:
		return models.RegimeBull, conf
	case score <= -0.25:
		return models.RegimeBear, conf
	default:
		return models.RegimeSideways, 1 - conf
	}
}

// regimeScore reduces one snapshot to a directional bias in [-1, 1].
func regimeScore(snap models.IndicatorSnapshot) float64 {
	close, ok1 := snap.Value(indicators.NameClose)
	ema20, ok2 := snap.Value(indicators.NameEMA20)
	ema50, ok3 := snap.Value(indicators.NameEMA50)
	ema200, ok4 := snap.Value(indicators.NameEMA200)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0
	}

	var s float64

	// EMA stack alignment
	switch {
	case close > ema20 && ema20 > ema50 && ema50 > ema200:
		s += 0.5
	case close < ema20 && ema20 < ema50 && ema50 < ema200:
		s -= 0.5
	case close > ema50:
		s += 0.2
	case close < ema50:
		s -= 0.2
	}

	// momentum via MACD histogram sign and RSI tilt
	if hist, ok := snap.Value(indicators.NameMACDHist); ok {
		if hist > 0 {
			s += 0.25
		} else if hist < 0 {
			s -= 0.25
		}
	}
	if rsi, ok := snap.Value(indicators.NameRSI); ok && !snap.Flagged(indicators.NameRSI) {
		s += clampF((rsi-50)/50, -0.25, 0.25)
	}

	return clampF(s, -1, 1)
}

// regimeAllows gates signal direction on the detected regime: bull blocks
// shorts, bear blocks longs, sideways allows both.
func regimeAllows(regime models.Regime, dir models.Direction) bool {
	switch regime {
	case models.RegimeBull:
		return dir != models.DirectionShort
	case models.RegimeBear:
		return dir != models.DirectionLong
	default:
		return true
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
