package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// synthBars builds n one-hour bars from a close-price generator. Volume is
// constant unless vol returns otherwise.
func synthBars(n int, price func(i int) float64, vol func(i int) float64) []models.Bar {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := 0; i < n; i++ {
		c := price(i)
		o := c
		if i > 0 {
			o = price(i - 1)
		}
		hi := math.Max(o, c) * 1.002
		lo := math.Min(o, c) * 0.998
		v := 100.0
		if vol != nil {
			v = vol(i)
		}
		bars[i] = models.Bar{
			Symbol:    "BTCUSD",
			Timeframe: models.Timeframe1h,
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(o),
			High:      decimal.NewFromFloat(hi),
			Low:       decimal.NewFromFloat(lo),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromFloat(v),
		}
	}
	return bars
}

func wavyPrice(i int) float64 {
	return 50000 + 800*math.Sin(float64(i)/9) + 40*float64(i%7)
}

func TestComputeBoundsAndOrder(t *testing.T) {
	engine := NewEngine(0)
	bars := synthBars(260, wavyPrice, nil)

	snap, err := engine.Compute(bars)
	require.NoError(t, err)

	rsi := snap.Values[NameRSI]
	assert.GreaterOrEqual(t, rsi, 0.0)
	assert.LessOrEqual(t, rsi, 100.0)

	for _, name := range []string{NameStochK, NameStochD, NameMFI} {
		v := snap.Values[name]
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 100.0, name)
	}

	assert.LessOrEqual(t, snap.Values[NameBBLower], snap.Values[NameBBMid])
	assert.LessOrEqual(t, snap.Values[NameBBMid], snap.Values[NameBBUpper])

	assert.Greater(t, snap.Values[NameATR], 0.0)
	assert.Equal(t, bars[len(bars)-1].OpenTime, snap.BarTime)
}

func TestComputeDeterministic(t *testing.T) {
	engine := NewEngine(0)
	bars := synthBars(260, wavyPrice, nil)

	a, err := engine.Compute(bars)
	require.NoError(t, err)
	b, err := engine.Compute(bars)
	require.NoError(t, err)

	require.Equal(t, len(a.Values), len(b.Values))
	for name, av := range a.Values {
		bv, ok := b.Values[name]
		require.True(t, ok, name)
		assert.Equal(t, av, bv, "identical windows must produce identical %s", name)
	}
}

func TestComputeConstantPriceFlagsRSI(t *testing.T) {
	engine := NewEngine(0)
	bars := synthBars(260, func(int) float64 { return 50000 }, nil)

	snap, err := engine.Compute(bars)
	require.NoError(t, err)

	assert.Equal(t, 50.0, snap.Values[NameRSI], "undefined RSI degrades to midpoint")
	assert.True(t, snap.Flagged(NameRSI))
}

func TestComputeZeroVolumeFlagsMFI(t *testing.T) {
	engine := NewEngine(0)
	bars := synthBars(260, wavyPrice, func(int) float64 { return 0 })

	snap, err := engine.Compute(bars)
	require.NoError(t, err)

	assert.Equal(t, 50.0, snap.Values[NameMFI])
	assert.True(t, snap.Flagged(NameMFI))
}

func TestComputeRejectsShortWindow(t *testing.T) {
	engine := NewEngine(0)
	_, err := engine.Compute(synthBars(50, wavyPrice, nil))
	assert.Error(t, err)
}

func TestComputeRejectsMixedWindow(t *testing.T) {
	engine := NewEngine(0)
	bars := synthBars(260, wavyPrice, nil)
	bars[10].Symbol = "ETHUSD"
	_, err := engine.Compute(bars)
	assert.Error(t, err)
}

func TestComputeRejectsOutOfOrderWindow(t *testing.T) {
	engine := NewEngine(0)
	bars := synthBars(260, wavyPrice, nil)
	bars[5], bars[6] = bars[6], bars[5]
	_, err := engine.Compute(bars)
	assert.Error(t, err)
}

func TestRSITrendExtremes(t *testing.T) {
	up := make([]float64, 60)
	down := make([]float64, 60)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 200 - float64(i)
	}

	rsi, defined := RSI(up, 14)
	require.True(t, defined)
	assert.Equal(t, 100.0, rsi)

	rsi, defined = RSI(down, 14)
	require.True(t, defined)
	assert.Equal(t, 0.0, rsi)
}

func TestVolumeProfileValueAreaOrder(t *testing.T) {
	bars := synthBars(100, wavyPrice, func(i int) float64 { return 50 + float64(i%11)*10 })
	poc, vah, val := VolumeProfile(bars, 24)
	assert.LessOrEqual(t, val, poc)
	assert.LessOrEqual(t, poc, vah)
}
