package orchestrator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

func volBar(at time.Time, close float64) models.Bar {
	return models.Bar{
		Symbol:    "BTCUSD",
		Timeframe: models.Timeframe1h,
		OpenTime:  at,
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(close * 1.001),
		Low:       decimal.NewFromFloat(close * 0.999),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(10),
	}
}

// seedVol feeds a tracker a sequence of closes and returns it.
func seedVol(closes ...float64) *volTracker {
	vt := newVolTracker(volWindow)
	at := orchT0.Add(-time.Duration(len(closes)) * time.Hour)
	for _, c := range closes {
		vt.Observe(volBar(at, c))
		at = at.Add(time.Hour)
	}
	return vt
}

func TestVolTrackerNeutralWhileWarmingUp(t *testing.T) {
	vt := seedVol(100, 101, 102)
	assert.Equal(t, 0.5, vt.Percentile())
}

func TestVolTrackerRanksLatestReturn(t *testing.T) {
	// steady 1% moves, then a 5% spike: the spike ranks at the top
	hot := seedVol(100, 101, 102, 103, 104, 105, 106, 111)
	assert.Equal(t, 1.0, hot.Percentile())

	// steady 2% moves, then a near-zero move: the lull ranks at the bottom
	cold := seedVol(100, 102, 104, 106, 108, 110, 112, 112.001)
	assert.Equal(t, 0.0, cold.Percentile())
}

func TestVolTrackerWindowEvicts(t *testing.T) {
	vt := newVolTracker(4)
	at := orchT0
	for i, c := range []float64{100, 101, 102, 103, 104, 105, 106} {
		vt.Observe(volBar(at.Add(time.Duration(i)*time.Hour), c))
	}
	assert.Len(t, vt.returns, 4)
}

func TestSlowerStep(t *testing.T) {
	assert.Equal(t, 30*time.Minute, slowerStep(15*time.Minute))
	assert.Equal(t, time.Hour, slowerStep(30*time.Minute))
	assert.Equal(t, 4*time.Hour, slowerStep(time.Hour))
	assert.Equal(t, 4*time.Hour, slowerStep(4*time.Hour))
}

func TestClampCadence(t *testing.T) {
	bounds := config.CadenceBounds{Min: 30 * time.Minute, Max: time.Hour}
	assert.Equal(t, 30*time.Minute, clampCadence(15*time.Minute, bounds))
	assert.Equal(t, time.Hour, clampCadence(4*time.Hour, bounds))
	assert.Equal(t, time.Hour, clampCadence(time.Hour, bounds))

	// zero bounds fall back to the supported step range
	assert.Equal(t, 15*time.Minute, clampCadence(time.Minute, config.CadenceBounds{}))
	assert.Equal(t, 4*time.Hour, clampCadence(24*time.Hour, config.CadenceBounds{}))
}

func TestUpdateCadenceTracksVolatility(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.cfgw.Current()

	// high realized volatility: fastest cadence
	h.o.mu.Lock()
	h.o.vol["BTCUSD"] = seedVol(100, 101, 102, 103, 104, 105, 106, 111)
	h.o.mu.Unlock()
	h.o.updateCadence("BTCUSD", cfg)
	assert.Equal(t, 15*time.Minute, h.o.Cadence("BTCUSD"))

	// low realized volatility: slowest cadence
	h.o.mu.Lock()
	h.o.vol["BTCUSD"] = seedVol(100, 102, 104, 106, 108, 110, 112, 112.001)
	h.o.mu.Unlock()
	h.o.updateCadence("BTCUSD", cfg)
	assert.Equal(t, 4*time.Hour, h.o.Cadence("BTCUSD"))
}

func TestUpdateCadenceSlowsOnClockSkew(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.cfgw.Current()

	h.o.mu.Lock()
	h.o.vol["BTCUSD"] = seedVol(100, 101, 102, 103, 104, 105, 106, 111)
	h.o.skewedUntil["BTCUSD"] = orchT0.Add(skewHoldoff)
	h.o.mu.Unlock()

	// the high-vol 15m cadence backs off one step while skewed
	h.o.updateCadence("BTCUSD", cfg)
	assert.Equal(t, 30*time.Minute, h.o.Cadence("BTCUSD"))
}

func TestUpdateCadenceHonorsBounds(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Orchestrator.CadenceBounds = config.CadenceBounds{Min: time.Hour, Max: time.Hour}
	})
	cfg := h.cfgw.Current()

	h.o.mu.Lock()
	h.o.vol["BTCUSD"] = seedVol(100, 101, 102, 103, 104, 105, 106, 111)
	h.o.mu.Unlock()
	h.o.updateCadence("BTCUSD", cfg)
	assert.Equal(t, time.Hour, h.o.Cadence("BTCUSD"))
}

func TestCadenceChangeReschedulesFromLastTick(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.cfgw.Current()

	// simulate a tick having just fired under the 1h cadence
	due := h.o.dueSymbols(orchT0)
	assert.Equal(t, []string{"BTCUSD"}, due)

	h.o.mu.Lock()
	h.o.vol["BTCUSD"] = seedVol(100, 101, 102, 103, 104, 105, 106, 111)
	h.o.mu.Unlock()
	h.o.updateCadence("BTCUSD", cfg)

	h.o.mu.Lock()
	next := h.o.nextTick["BTCUSD"]
	h.o.mu.Unlock()
	assert.Equal(t, orchT0.Add(15*time.Minute), next)
}
