package patterns

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/indicators"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

type ohlc struct{ o, h, l, c, v float64 }

func buildBars(rows []ohlc) []models.Bar {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, len(rows))
	for i, r := range rows {
		bars[i] = models.Bar{
			Symbol:    "BTCUSD",
			Timeframe: models.Timeframe1h,
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(r.o),
			High:      decimal.NewFromFloat(r.h),
			Low:       decimal.NewFromFloat(r.l),
			Close:     decimal.NewFromFloat(r.c),
			Volume:    decimal.NewFromFloat(r.v),
		}
	}
	return bars
}

// flatRows produces n quiet bars around the given price.
func flatRows(n int, price float64) []ohlc {
	rows := make([]ohlc, n)
	for i := range rows {
		wiggle := 0.0005 * price * math.Sin(float64(i))
		c := price + wiggle
		rows[i] = ohlc{o: c, h: c * 1.001, l: c * 0.999, c: c, v: 100}
	}
	return rows
}

func newTestDetector() *Detector {
	return NewDetector(nil, zerolog.Nop())
}

func findType(ps []models.Pattern, t models.PatternType) (models.Pattern, bool) {
	for _, p := range ps {
		if p.Type == t {
			return p, true
		}
	}
	return models.Pattern{}, false
}

func TestDetectRejectsShortOrBrokenWindows(t *testing.T) {
	d := newTestDetector()

	_, err := d.Detect(buildBars(flatRows(10, 50000)), nil)
	assert.Error(t, err)

	bars := buildBars(flatRows(80, 50000))
	bars[40].Symbol = "ETHUSD"
	_, err = d.Detect(bars, nil)
	assert.Error(t, err)
}

func TestFindPivots(t *testing.T) {
	rows := flatRows(20, 100)
	rows[10] = ohlc{o: 100, h: 110, l: 99, c: 105, v: 100} // isolated spike
	pivots := findPivots(buildBars(rows), 3)

	var highIdx []int
	for _, p := range pivotHighs(pivots) {
		highIdx = append(highIdx, p.idx)
	}
	assert.Contains(t, highIdx, 10)
}

func TestDetectDoji(t *testing.T) {
	rows := flatRows(70, 50000)
	rows[69] = ohlc{o: 50000, h: 50200, l: 49800, c: 50005, v: 100}

	ps, err := newTestDetector().Detect(buildBars(rows), nil)
	require.NoError(t, err)

	p, ok := findType(ps, models.PatternDoji)
	require.True(t, ok)
	assert.Greater(t, p.Confidence, 0.0)
	require.NoError(t, p.Validate())
}

func TestDetectBullishPinBar(t *testing.T) {
	rows := flatRows(70, 50000)
	// long lower wick, small body near the top
	rows[69] = ohlc{o: 50000, h: 50030, l: 49700, c: 50020, v: 300}

	ps, err := newTestDetector().Detect(buildBars(rows), nil)
	require.NoError(t, err)

	p, ok := findType(ps, models.PatternPinBar)
	require.True(t, ok)
	assert.True(t, p.Bullish)
}

func TestDetectBullishEngulfing(t *testing.T) {
	rows := flatRows(70, 50000)
	rows[68] = ohlc{o: 50050, h: 50060, l: 49940, c: 49950, v: 100} // red
	rows[69] = ohlc{o: 49900, h: 50210, l: 49890, c: 50200, v: 250} // green engulfing

	ps, err := newTestDetector().Detect(buildBars(rows), nil)
	require.NoError(t, err)

	p, ok := findType(ps, models.PatternEngulfing)
	require.True(t, ok)
	assert.True(t, p.Bullish)
}

func TestDetectBreakoutNeedsVolume(t *testing.T) {
	base := flatRows(70, 50000)
	base[69] = ohlc{o: 50010, h: 50700, l: 50000, c: 50650, v: 400}
	ps, err := newTestDetector().Detect(buildBars(base), nil)
	require.NoError(t, err)
	p, ok := findType(ps, models.PatternBreakout)
	require.True(t, ok, "high-volume range exit is a breakout")
	assert.True(t, p.Bullish)
	require.Len(t, p.PriceLevels, 2)

	// identical exit on thin volume is not confirmed
	quiet := flatRows(70, 50000)
	quiet[69] = ohlc{o: 50010, h: 50700, l: 50000, c: 50650, v: 30}
	ps, err = newTestDetector().Detect(buildBars(quiet), nil)
	require.NoError(t, err)
	_, ok = findType(ps, models.PatternBreakout)
	assert.False(t, ok)
}

func TestDetectDoubleBottom(t *testing.T) {
	rows := flatRows(80, 50000)
	// two matched lows at ~49000 with a rebound to ~50400 between
	carve := func(center int, low float64) {
		rows[center-1] = ohlc{o: 49700, h: 49750, l: low + 150, c: low + 200, v: 120}
		rows[center] = ohlc{o: low + 200, h: low + 250, l: low, c: low + 100, v: 150}
		rows[center+1] = ohlc{o: low + 100, h: 49800, l: low + 80, c: 49750, v: 130}
	}
	carve(55, 49000)
	rows[59] = ohlc{o: 50100, h: 50250, l: 50050, c: 50200, v: 110}
	rows[60] = ohlc{o: 50200, h: 50350, l: 50150, c: 50300, v: 110}
	rows[61] = ohlc{o: 50300, h: 50500, l: 50280, c: 50450, v: 120}
	rows[62] = ohlc{o: 50450, h: 50460, l: 50150, c: 50200, v: 110}
	rows[63] = ohlc{o: 50200, h: 50250, l: 50050, c: 50100, v: 110}
	carve(68, 49020)
	for i := 72; i < 80; i++ {
		rows[i] = ohlc{o: 49900, h: 50000, l: 49850, c: 49980, v: 100}
	}

	ps, err := newTestDetector().Detect(buildBars(rows), nil)
	require.NoError(t, err)

	p, ok := findType(ps, models.PatternDoubleBottom)
	require.True(t, ok)
	assert.True(t, p.Bullish)
	require.NoError(t, p.Validate())
}

func TestDetectBearishDivergence(t *testing.T) {
	rows := flatRows(80, 50000)
	spike := func(center int, high float64) {
		rows[center] = ohlc{o: high - 150, h: high, l: high - 200, c: high - 50, v: 120}
	}
	spike(60, 50800)
	spike(70, 51000) // higher price high

	bars := buildBars(rows)

	// aligned RSI history: momentum fading into the second high
	snaps := make([]models.IndicatorSnapshot, len(bars))
	for i := range snaps {
		rsi := 55.0
		if i == 60 {
			rsi = 72
		}
		if i == 70 {
			rsi = 61 // lower RSI high
		}
		snaps[i] = models.IndicatorSnapshot{Values: map[string]float64{indicators.NameRSI: rsi}}
	}

	ps, err := newTestDetector().Detect(bars, snaps)
	require.NoError(t, err)

	p, ok := findType(ps, models.PatternTrendReversal)
	require.True(t, ok)
	assert.False(t, p.Bullish)
}

func TestDetectFlag(t *testing.T) {
	rows := flatRows(70, 50000)
	// pole: 10 strong up bars, then a tight drift
	price := 50000.0
	for i := 52; i < 62; i++ {
		next := price * 1.006
		rows[i] = ohlc{o: price, h: next * 1.001, l: price * 0.999, c: next, v: 200}
		price = next
	}
	for i := 62; i < 70; i++ {
		c := price * (1 - 0.0008*float64(i-61))
		rows[i] = ohlc{o: c * 1.0005, h: c * 1.001, l: c * 0.999, c: c, v: 90}
	}

	ps, err := newTestDetector().Detect(buildBars(rows), nil)
	require.NoError(t, err)

	p, ok := findType(ps, models.PatternFlag)
	require.True(t, ok)
	assert.True(t, p.Bullish)
}

func TestPatternIDsAreStable(t *testing.T) {
	rows := flatRows(70, 50000)
	rows[69] = ohlc{o: 50000, h: 50200, l: 49800, c: 50005, v: 100}
	bars := buildBars(rows)

	d := newTestDetector()
	a, err := d.Detect(bars, nil)
	require.NoError(t, err)
	b, err := d.Detect(bars, nil)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID, "regenerated patterns keep their identity")
	}
}

type fixedHitRates map[models.PatternType]float64

func (f fixedHitRates) HitRate(pt models.PatternType) (float64, bool) {
	v, ok := f[pt]
	return v, ok
}

func TestHitRatePriorShiftsConfidence(t *testing.T) {
	rows := flatRows(70, 50000)
	rows[69] = ohlc{o: 50000, h: 50200, l: 49800, c: 50005, v: 100}
	bars := buildBars(rows)

	neutral, err := newTestDetector().Detect(bars, nil)
	require.NoError(t, err)
	strong, err := NewDetector(fixedHitRates{models.PatternDoji: 0.9}, zerolog.Nop()).Detect(bars, nil)
	require.NoError(t, err)

	np, ok := findType(neutral, models.PatternDoji)
	require.True(t, ok)
	sp, ok := findType(strong, models.PatternDoji)
	require.True(t, ok)
	assert.Greater(t, sp.Confidence, np.Confidence)
}

func TestDetectSortsByDetectedAt(t *testing.T) {
	rows := flatRows(80, 50000)
	rows[79] = ohlc{o: 50000, h: 50200, l: 49800, c: 50005, v: 100}
	ps, err := newTestDetector().Detect(buildBars(rows), nil)
	require.NoError(t, err)

	for i := 1; i < len(ps); i++ {
		assert.False(t, ps[i].DetectedAt.Before(ps[i-1].DetectedAt))
	}
}
