package indicators

import "github.com/cryptohelm/cryptohelm/pkg/models"

// CCI computes the Commodity Channel Index over the trailing period using
// the standard 0.015 scaling constant and mean absolute deviation.
func CCI(bars []models.Bar, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	window := bars[len(bars)-period:]

	tp := make([]float64, period)
	for i, b := range window {
		h, _ := b.High.Float64()
		l, _ := b.Low.Float64()
		c, _ := b.Close.Float64()
		tp[i] = (h + l + c) / 3
	}

	mean := 0.0
	for _, v := range tp {
		mean += v
	}
	mean /= float64(period)

	mad := 0.0
	for _, v := range tp {
		mad += abs(v - mean)
	}
	mad /= float64(period)

	if mad == 0 {
		return 0
	}
	return (tp[period-1] - mean) / (0.015 * mad)
}
