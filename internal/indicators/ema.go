package indicators

// EMA computes the exponential moving average with the standard recursive
// form. The returned series starts after the warmup period: element i
// corresponds to input index period-1+i, and the seed is the SMA of the
// first period values.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out = append(out, seed)

	alpha := 2.0 / (float64(period) + 1.0)
	prev := seed
	for _, v := range values[period:] {
		prev = (v-prev)*alpha + prev
		out = append(out, prev)
	}
	return out
}

// SMA computes the simple moving average of the trailing period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}
