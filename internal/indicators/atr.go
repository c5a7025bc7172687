package indicators

import "github.com/cryptohelm/cryptohelm/pkg/models"

// TrueRange computes the true range of bar i within its series: the
// greatest of high-low, |high-prevClose| and |low-prevClose|.
func TrueRange(prev, cur models.Bar) float64 {
	high, _ := cur.High.Float64()
	low, _ := cur.Low.Float64()
	prevClose, _ := prev.Close.Float64()

	tr := high - low
	if d := abs(high - prevClose); d > tr {
		tr = d
	}
	if d := abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR computes the Average True Range with Wilder smoothing and returns the
// latest value.
func ATR(bars []models.Bar, period int) float64 {
	if period <= 0 || len(bars) <= period {
		return 0
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += TrueRange(bars[i-1], bars[i])
	}
	atr /= float64(period)

	for i := period + 1; i < len(bars); i++ {
		tr := TrueRange(bars[i-1], bars[i])
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
