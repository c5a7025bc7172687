package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

func tick(price float64, qty float64, at time.Time) Tick {
	return Tick{
		Symbol: "BTCUSD",
		Price:  decimal.NewFromFloat(price),
		Qty:    decimal.NewFromFloat(qty),
		Time:   at,
	}
}

func TestAggregatorFinalizesOnBoundaryCross(t *testing.T) {
	agg := NewAggregator("BTCUSD", []models.Timeframe{models.Timeframe15m})
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.Empty(t, agg.Apply(tick(50000, 1, start)))
	require.Empty(t, agg.Apply(tick(50100, 2, start.Add(5*time.Minute))))
	require.Empty(t, agg.Apply(tick(49900, 1, start.Add(10*time.Minute))))

	// crossing into the next 15m window finalizes the first bar
	done := agg.Apply(tick(50050, 3, start.Add(15*time.Minute)))
	require.Len(t, done, 1)

	bar := done[0]
	assert.Equal(t, start, bar.OpenTime)
	assert.True(t, bar.Open.Equal(decimal.NewFromInt(50000)))
	assert.True(t, bar.High.Equal(decimal.NewFromInt(50100)))
	assert.True(t, bar.Low.Equal(decimal.NewFromInt(49900)))
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(49900)))
	assert.True(t, bar.Volume.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int64(3), bar.TradesCount)
	require.NoError(t, bar.Validate())
}

func TestAggregatorTracksAllTimeframes(t *testing.T) {
	tfs := []models.Timeframe{models.Timeframe15m, models.Timeframe1h}
	agg := NewAggregator("BTCUSD", tfs)
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	agg.Apply(tick(50000, 1, start))
	agg.Apply(tick(50200, 1, start.Add(30*time.Minute))) // finalizes 15m only

	done := agg.Apply(tick(50100, 1, start.Add(time.Hour)))
	byTF := map[models.Timeframe]models.Bar{}
	for _, b := range done {
		byTF[b.Timeframe] = b
	}

	require.Contains(t, byTF, models.Timeframe1h)
	hourly := byTF[models.Timeframe1h]
	assert.True(t, hourly.High.Equal(decimal.NewFromInt(50200)))
	assert.True(t, hourly.Close.Equal(decimal.NewFromInt(50200)))
	assert.True(t, hourly.Volume.Equal(decimal.NewFromInt(2)))
}

func TestAggregatorDiscardsStaleTick(t *testing.T) {
	agg := NewAggregator("BTCUSD", []models.Timeframe{models.Timeframe15m})
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	agg.Apply(tick(50000, 1, start.Add(16*time.Minute)))
	// a tick from the already-closed previous window must not corrupt state
	agg.Apply(tick(1, 1000, start))

	done := agg.Apply(tick(50010, 1, start.Add(31*time.Minute)))
	require.Len(t, done, 1)
	assert.True(t, done[0].Low.Equal(decimal.NewFromInt(50000)))
	assert.True(t, done[0].Volume.Equal(decimal.NewFromInt(1)))
}

func TestFlushElapsed(t *testing.T) {
	agg := NewAggregator("BTCUSD", []models.Timeframe{models.Timeframe15m})
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	agg.Apply(tick(50000, 1, start))

	assert.Empty(t, agg.FlushElapsed(start.Add(10*time.Minute)), "window still open")

	done := agg.FlushElapsed(start.Add(15 * time.Minute))
	require.Len(t, done, 1)
	assert.Equal(t, start, done[0].OpenTime)

	// flushed bars are not emitted twice
	assert.Empty(t, agg.FlushElapsed(start.Add(20*time.Minute)))
}
