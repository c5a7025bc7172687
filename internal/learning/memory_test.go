package learning

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/scorer"
	"github.com/cryptohelm/cryptohelm/internal/store"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

var lrnT0 = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func learningConfig() config.LearningConfig {
	return config.LearningConfig{
		Strategy:              config.BanditEpsilonGreedy,
		Epsilon:               0.1,
		RecalibrationInterval: 24 * time.Hour,
		MinTradesForWeight:    2,
	}
}

func newTestMemory(st *store.Memory) (*Memory, *clock.Fake) {
	clk := clock.NewFake(lrnT0)
	return NewMemory(learningConfig(), st, scorer.NewCalibrator(), clk, zerolog.Nop(), 1), clk
}

// closedPos risks 500 (0.5 qty, 1000 stop distance), so pnl +1000 is R=2 and
// pnl -500 is R=-1.
func closedPos(id string, pt models.PatternType, pnl string, closedAt time.Time) models.Position {
	return models.Position{
		ID:            id,
		Symbol:        "BTCUSDT",
		Direction:     models.DirectionLong,
		Quantity:      decimal.RequireFromString("0.5"),
		AvgEntry:      decimal.NewFromInt(50000),
		Stop:          decimal.NewFromInt(49000),
		Target:        decimal.NewFromInt(52000),
		State:         models.PositionClosed,
		PatternType:   pt,
		OpenedAt:      closedAt.Add(-2 * time.Hour),
		ClosedAt:      closedAt,
		RealizedPnL:   decimal.RequireFromString(pnl),
		RawConfidence: 0.7,
	}
}

func TestRecordClosedTradeUpdatesWindows(t *testing.T) {
	st := store.NewMemory()
	mem, _ := newTestMemory(st)
	ctx := context.Background()

	require.NoError(t, mem.OnPositionClosed(ctx, closedPos("p1", models.PatternDoubleBottom, "1000", lrnT0.Add(-time.Hour))))
	require.NoError(t, mem.OnPositionClosed(ctx, closedPos("p2", models.PatternDoubleBottom, "-500", lrnT0.Add(-30*time.Minute))))

	snap := mem.Snapshot()
	require.Len(t, snap, 1)
	w := snap[0].Windows[30]
	assert.Equal(t, 2, w.Trades)
	assert.Equal(t, 1, w.Wins)
	// mean of R=+2 and R=-1
	assert.InDelta(t, 0.5, w.ExpectancyR, 1e-9)
	assert.InDelta(t, 7200, w.AvgHoldSecs, 1e-9)

	rate, ok := mem.HitRate(models.PatternDoubleBottom)
	require.True(t, ok)
	assert.InDelta(t, 0.5, rate, 1e-9)

	// persisted per update
	stored, err := st.PatternPerformance(ctx, models.PatternDoubleBottom)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Bandit.Pulls)
}

func TestReplayedCloseCountsOnce(t *testing.T) {
	st := store.NewMemory()
	mem, _ := newTestMemory(st)
	ctx := context.Background()

	pos := closedPos("p1", models.PatternBreakout, "1000", lrnT0.Add(-time.Hour))
	require.NoError(t, mem.OnPositionClosed(ctx, pos))
	require.NoError(t, mem.OnPositionClosed(ctx, pos))

	snap := mem.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[0].Bandit.Pulls)
	assert.Equal(t, 1, snap[0].Windows[90].Trades)
}

func TestReplayAfterRestartCountsOnce(t *testing.T) {
	st := store.NewMemory()
	mem, _ := newTestMemory(st)
	ctx := context.Background()

	pos := closedPos("p1", models.PatternBreakout, "1000", lrnT0.Add(-time.Hour))
	require.NoError(t, mem.OnPositionClosed(ctx, pos))

	restarted, _ := newTestMemory(st)
	require.NoError(t, restarted.Restore(ctx))
	require.NoError(t, restarted.OnPositionClosed(ctx, pos))

	snap := restarted.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[0].Bandit.Pulls)
}

func TestRecalibrateSpreadsWeightsAcrossPatterns(t *testing.T) {
	st := store.NewMemory()
	mem, _ := newTestMemory(st)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := lrnT0.Add(-time.Duration(i+1) * time.Hour)
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("win", i), models.PatternDoubleBottom, "1000", ts)))
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("loss", i), models.PatternHeadAndShoulders, "-500", ts)))
	}
	require.NoError(t, mem.Recalibrate(ctx))

	// normalized rewards 0.75 vs 0 against a cross-pattern mean of 0.375
	assert.InDelta(t, 2.0, mem.Weight(models.PatternDoubleBottom), 1e-9)
	assert.InDelta(t, 0.5, mem.Weight(models.PatternHeadAndShoulders), 1e-9)
	// no history stays neutral
	assert.InDelta(t, 1.0, mem.Weight(models.PatternDoji), 1e-9)

	stored, err := st.PatternPerformance(ctx, models.PatternDoubleBottom)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, stored.Weight, 1e-9)
}

func TestRecalibrateHonorsCadence(t *testing.T) {
	st := store.NewMemory()
	mem, clk := newTestMemory(st)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := lrnT0.Add(-time.Duration(i+1) * time.Hour)
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("win", i), models.PatternDoubleBottom, "1000", ts)))
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("loss", i), models.PatternHeadAndShoulders, "-500", ts)))
	}
	require.NoError(t, mem.Recalibrate(ctx))
	require.InDelta(t, 2.0, mem.Weight(models.PatternDoubleBottom), 1e-9)

	// fortunes flip, but the cadence has not elapsed
	for i := 0; i < 20; i++ {
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("sour", i), models.PatternDoubleBottom, "-500", lrnT0.Add(-time.Minute))))
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("sweet", i), models.PatternHeadAndShoulders, "1000", lrnT0.Add(-time.Minute))))
	}
	require.NoError(t, mem.Recalibrate(ctx))
	assert.InDelta(t, 2.0, mem.Weight(models.PatternDoubleBottom), 1e-9)

	clk.Advance(24 * time.Hour)
	require.NoError(t, mem.Recalibrate(ctx))
	// double_bottom mean 0.15 vs head_and_shoulders 0.6 against a cross
	// mean of 0.375
	assert.InDelta(t, 0.5, mem.Weight(models.PatternDoubleBottom), 1e-9)
	assert.InDelta(t, 1.6, mem.Weight(models.PatternHeadAndShoulders), 1e-9)
}

func TestKellyStatsFromClosedTrades(t *testing.T) {
	st := store.NewMemory()
	mem, _ := newTestMemory(st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("win", i), "", "300", lrnT0.Add(-time.Hour))))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, mem.OnPositionClosed(ctx, closedPos(uid("loss", i), "", "-200", lrnT0.Add(-time.Hour))))
	}

	stats, ok := mem.KellyStats("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 5, stats.Trades)
	assert.InDelta(t, 0.6, stats.WinRate, 1e-9)
	assert.InDelta(t, 300, stats.AvgWin, 1e-9)
	assert.InDelta(t, 200, stats.AvgLoss, 1e-9)

	_, ok = mem.KellyStats("ETHUSDT")
	assert.False(t, ok)
}

func TestClosedTradesFeedCalibrator(t *testing.T) {
	st := store.NewMemory()
	cal := scorer.NewCalibrator()
	mem := NewMemory(learningConfig(), st, cal, clock.NewFake(lrnT0), zerolog.Nop(), 1)
	ctx := context.Background()

	require.NoError(t, mem.OnPositionClosed(ctx, closedPos("p1", "", "1000", lrnT0.Add(-time.Hour))))
	require.NoError(t, mem.OnPositionClosed(ctx, closedPos("p2", "", "-500", lrnT0.Add(-time.Hour))))
	assert.Equal(t, 2, cal.Size())
}

func uid(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}
