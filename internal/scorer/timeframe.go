package scorer

import (
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// volatility shift strength: at the extremes, this fraction of weight moves
// between the short and long ends of the timeframe ladder.
const tfVolShift = 0.5

// TimeframeWeights adjusts the configured base weights for the current
// volatility percentile and regime, then renormalizes to 1.0. Higher
// volatility shifts weight toward shorter timeframes; a trending regime
// shifts toward longer ones, a ranging regime toward shorter.
func TimeframeWeights(base map[string]float64, volPercentile float64, regime models.Regime) map[models.Timeframe]float64 {
	ladder := []models.Timeframe{
		models.Timeframe15m, models.Timeframe1h, models.Timeframe4h, models.Timeframe1d,
	}

	weights := make(map[models.Timeframe]float64, len(ladder))
	for _, tf := range ladder {
		w, ok := base[string(tf)]
		if !ok || w < 0 {
			w = 0
		}
		weights[tf] = w
	}

	// shortness ranks the ladder in [-1, 1]: 15m = +1, 1d = -1
	shortness := map[models.Timeframe]float64{
		models.Timeframe15m: 1,
		models.Timeframe1h:  1.0 / 3,
		models.Timeframe4h:  -1.0 / 3,
		models.Timeframe1d:  -1,
	}

	// volatility percentile 0.5 is neutral
	volTilt := (clampF(volPercentile, 0, 1) - 0.5) * 2

	regimeTilt := 0.0
	switch regime {
	case models.RegimeBull, models.RegimeBear:
		regimeTilt = -0.5 // trending favors longer timeframes
	case models.RegimeSideways:
		regimeTilt = 0.5
	}

	tilt := clampF(volTilt+regimeTilt, -1, 1)
	for tf := range weights {
		factor := 1 + tfVolShift*tilt*shortness[tf]
		if factor < 0 {
			factor = 0
		}
		weights[tf] *= factor
	}

	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		// degenerate config, fall back to uniform
		for _, tf := range ladder {
			weights[tf] = 1.0 / float64(len(ladder))
		}
		return weights
	}
	for tf := range weights {
		weights[tf] /= sum
	}
	return weights
}
