package indicators

import "math"

// Bollinger computes the Bollinger bands over the trailing period: a simple
// moving average midline plus/minus stdDevs population standard deviations.
// The returned bands always satisfy lower <= mid <= upper.
func Bollinger(values []float64, period int, stdDevs float64) (upper, mid, lower float64) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0
	}
	window := values[len(values)-period:]

	mid = 0
	for _, v := range window {
		mid += v
	}
	mid /= float64(period)

	variance := 0.0
	for _, v := range window {
		d := v - mid
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)

	return mid + stdDevs*sd, mid, mid - stdDevs*sd
}
