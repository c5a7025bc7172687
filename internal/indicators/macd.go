package indicators

// MACD computes the Moving Average Convergence Divergence line (fast EMA
// minus slow EMA) and its signal line (EMA of the MACD series). The latest
// values of each are returned.
func MACD(values []float64, fast, slow, signalPeriod int) (macd, signal float64) {
	if len(values) < slow+signalPeriod {
		return 0, 0
	}
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	// align the two series on their tails
	n := len(slowEMA)
	fastTail := fastEMA[len(fastEMA)-n:]
	macdSeries := make([]float64, n)
	for i := 0; i < n; i++ {
		macdSeries[i] = fastTail[i] - slowEMA[i]
	}

	signalSeries := EMA(macdSeries, signalPeriod)
	return Last(macdSeries), Last(signalSeries)
}
