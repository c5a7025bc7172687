package indicators

import "github.com/cryptohelm/cryptohelm/pkg/models"

// Stochastic computes the slow stochastic oscillator: %K is the raw
// close-position within the kPeriod range smoothed over smoothK bars, %D is
// the SMA of %K over dPeriod. Values are in [0,100]; a flat range yields
// the 50 midpoint.
func Stochastic(bars []models.Bar, kPeriod, smoothK, dPeriod int) (k, d float64) {
	need := kPeriod + smoothK + dPeriod - 2
	if len(bars) < need {
		return 50, 50
	}

	rawLen := smoothK + dPeriod - 1
	raw := make([]float64, 0, rawLen)
	for end := len(bars) - rawLen + 1; end <= len(bars); end++ {
		raw = append(raw, rawStochastic(bars[:end], kPeriod))
	}

	kSeries := make([]float64, 0, dPeriod)
	for end := smoothK; end <= len(raw); end++ {
		kSeries = append(kSeries, SMA(raw[:end], smoothK))
	}

	return Last(kSeries), SMA(kSeries, dPeriod)
}

func rawStochastic(bars []models.Bar, period int) float64 {
	window := bars[len(bars)-period:]
	hi, _ := window[0].High.Float64()
	lo, _ := window[0].Low.Float64()
	for _, b := range window[1:] {
		h, _ := b.High.Float64()
		l, _ := b.Low.Float64()
		if h > hi {
			hi = h
		}
		if l < lo {
			lo = l
		}
	}
	close_, _ := window[len(window)-1].Close.Float64()
	if hi == lo {
		return 50
	}
	return 100 * (close_ - lo) / (hi - lo)
}
