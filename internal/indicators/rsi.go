package indicators

// RSI computes the Relative Strength Index with Wilder smoothing over the
// trailing window. It returns the latest value and whether it is defined;
// a constant-price window has no losses or gains, so RSI is undefined and
// the neutral midpoint 50 is returned with defined=false.
func RSI(values []float64, period int) (rsi float64, defined bool) {
	if period <= 0 || len(values) <= period {
		return 50, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgGain == 0 && avgLoss == 0 {
		return 50, false
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}
