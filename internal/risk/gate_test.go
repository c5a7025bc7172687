package risk

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

var gateT0 = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func gateConfig() config.RiskConfig {
	return config.RiskConfig{
		PerTradeRiskPct:    0.005,
		PortfolioRiskCap:   0.05,
		CorrelatedCap:      0.008,
		MaxPositionSizePct: 0.5,
		KellyScale:         0.5,
		DailyLossLimit:     0.03,
		MonthlyLossLimit:   0.10,
		DrawdownBasis:      config.DrawdownRealized,
		SafeModeCooldown:   time.Hour,
	}
}

func gateSignal(id, symbol string) models.Signal {
	return models.Signal{
		ID:                   id,
		Symbol:               symbol,
		Direction:            models.DirectionLong,
		ConfluenceScore:      74,
		CalibratedConfidence: 0.62,
		Entry:                decimal.NewFromInt(50000),
		Stop:                 decimal.NewFromInt(49000),
		Target:               decimal.NewFromInt(52000),
		Priority:             3,
		Regime:               models.RegimeBull,
		IssuedAt:             gateT0,
		ExpiresAt:            gateT0.Add(30 * time.Minute),
	}
}

func newTestGate(cfg config.RiskConfig, inst map[string]config.InstrumentConfig, kelly KellyProvider) (*Gate, *clock.Fake) {
	clk := clock.NewFake(gateT0)
	led := NewLedger(decimal.NewFromInt(100_000), gateT0)
	return NewGate(cfg, inst, led, kelly, clk, zerolog.Nop()), clk
}

func TestAdmitProducesDeterministicIntent(t *testing.T) {
	g, _ := newTestGate(gateConfig(), nil, nil)
	sig := gateSignal("sig-1", "BTCUSDT")

	intent, rej := g.Admit(sig)
	require.Nil(t, rej)

	assert.Equal(t, models.DeriveClientID("sig-1", 0), intent.ClientID)
	assert.Equal(t, "sig-1", intent.ParentSignalID)
	assert.Equal(t, models.OrderSideBuy, intent.Side)
	assert.Equal(t, models.OrderTypeLimit, intent.Type)
	assert.Equal(t, models.TIFGoodTilCancel, intent.TimeInForce)
	assert.Equal(t, "0.5", intent.Quantity.String())
	assert.Equal(t, "50000", intent.LimitPrice.String())
	assert.InDelta(t, 0.005, intent.RiskPct, 1e-9)

	// admission reserves risk so the next cycle sees it
	assert.Equal(t, "500", g.Ledger().OpenRisk().String())
}

func TestAdmitAlignsLimitPriceToTick(t *testing.T) {
	inst := map[string]config.InstrumentConfig{
		"BTCUSDT": {Enabled: true, Tick: "0.5", Step: "0.001"},
	}
	g, _ := newTestGate(gateConfig(), inst, nil)

	long := gateSignal("sig-long", "BTCUSDT")
	long.Entry = decimal.RequireFromString("50000.3")
	intent, rej := g.Admit(long)
	require.Nil(t, rej)
	assert.Equal(t, "50000", intent.LimitPrice.String())

	short := gateSignal("sig-short", "ETHUSDT")
	short.Direction = models.DirectionShort
	short.Entry = decimal.RequireFromString("50000.3")
	short.Stop = decimal.NewFromInt(51000)
	short.Target = decimal.NewFromInt(48000)
	g.Reconfigure(gateConfig(), map[string]config.InstrumentConfig{
		"ETHUSDT": {Enabled: true, Tick: "0.5", Step: "0.001"},
	})
	intent, rej = g.Admit(short)
	require.Nil(t, rej)
	assert.Equal(t, models.OrderSideSell, intent.Side)
	assert.Equal(t, "50000.5", intent.LimitPrice.String())
}

func TestAdmitRejectsExpiredSignal(t *testing.T) {
	g, clk := newTestGate(gateConfig(), nil, nil)
	clk.Advance(time.Hour)

	_, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectExpired, rej.Code)
	assert.False(t, rej.TriggerSafeMode)
}

func TestAdmitRejectsInvalidSignal(t *testing.T) {
	g, _ := newTestGate(gateConfig(), nil, nil)
	sig := gateSignal("sig-1", "BTCUSDT")
	sig.Stop = decimal.NewFromInt(51000) // stop above entry on a long

	_, rej := g.Admit(sig)
	require.NotNil(t, rej)
	assert.Equal(t, RejectInvalid, rej.Code)
}

func TestAdmitRejectsDuplicateExposure(t *testing.T) {
	g, _ := newTestGate(gateConfig(), nil, nil)
	_, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.Nil(t, rej)

	_, rej = g.Admit(gateSignal("sig-2", "BTCUSDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectDuplicate, rej.Code)
}

func TestAdmitEnforcesPortfolioRiskCap(t *testing.T) {
	cfg := gateConfig()
	cfg.PortfolioRiskCap = 0.012
	g, _ := newTestGate(cfg, nil, nil)

	for i := 0; i < 2; i++ {
		_, rej := g.Admit(gateSignal(fmt.Sprintf("sig-%d", i), fmt.Sprintf("SYM%dUSDT", i)))
		require.Nil(t, rej)
	}

	// third admission would push open risk to 1.5%, over the 1.2% cap
	_, rej := g.Admit(gateSignal("sig-2", "SYM2USDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectPortfolioCap, rej.Code)
}

func TestAdmitEnforcesCorrelatedCap(t *testing.T) {
	inst := map[string]config.InstrumentConfig{
		"BTCUSDT": {Enabled: true, CorrelationGroup: "majors"},
		"ETHUSDT": {Enabled: true, CorrelationGroup: "majors"},
	}
	g, _ := newTestGate(gateConfig(), inst, nil)

	_, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.Nil(t, rej)

	// combined group risk 1.0% exceeds the 0.8% correlated cap
	_, rej = g.Admit(gateSignal("sig-2", "ETHUSDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectCorrelatedCap, rej.Code)
}

func TestAdmitEnforcesLeverageCap(t *testing.T) {
	cfg := gateConfig()
	cfg.LeverageCap = 0.4 // each admission adds 0.25x notional
	g, _ := newTestGate(cfg, nil, nil)

	_, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.Nil(t, rej)

	_, rej = g.Admit(gateSignal("sig-2", "ETHUSDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectLeverageCap, rej.Code)
}

func TestAdmitDailyLossLimitTriggersSafeMode(t *testing.T) {
	g, _ := newTestGate(gateConfig(), nil, nil)
	led := g.Ledger()
	led.OpenPosition("cid-0", "pos-0", "SOLUSDT", "", d("500"), d("10000"))
	led.ClosePosition("pos-0", d("-3100"), gateT0)

	_, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectDailyLoss, rej.Code)
	assert.True(t, rej.TriggerSafeMode)
	assert.False(t, rej.Extended)

	breached, extended := g.LossLimitBreached(gateT0)
	assert.True(t, breached)
	assert.False(t, extended)
}

func TestAdmitMonthlyLossLimitIsExtended(t *testing.T) {
	g, clk := newTestGate(gateConfig(), nil, nil)
	led := g.Ledger()
	led.OpenPosition("cid-0", "pos-0", "SOLUSDT", "", d("500"), d("10000"))
	led.ClosePosition("pos-0", d("-11000"), gateT0)

	// next trading day: the daily accumulator resets, the monthly one
	// still blocks entries
	clk.Advance(24 * time.Hour)
	sig := gateSignal("sig-1", "BTCUSDT")
	sig.ExpiresAt = gateT0.Add(48 * time.Hour)

	_, rej := g.Admit(sig)
	require.NotNil(t, rej)
	assert.Equal(t, RejectMonthlyLoss, rej.Code)
	assert.True(t, rej.TriggerSafeMode)
	assert.True(t, rej.Extended)

	breached, extended := g.LossLimitBreached(clk.Now())
	assert.True(t, breached)
	assert.True(t, extended)
}

func TestAdmitRejectsDustQuantity(t *testing.T) {
	g, _ := newTestGate(gateConfig(), nil, nil)
	g.Ledger().SetEquity(decimal.NewFromInt(100))

	_, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.NotNil(t, rej)
	assert.Equal(t, RejectDust, rej.Code)
}

func TestAdmitUsesKellyProvider(t *testing.T) {
	g, _ := newTestGate(gateConfig(), nil, fixedKelly{
		stats: KellyStats{Trades: 100, WinRate: 0.6, AvgWin: 300, AvgLoss: 200},
	})

	intent, rej := g.Admit(gateSignal("sig-1", "BTCUSDT"))
	require.Nil(t, rej)
	assert.Equal(t, "0.25", intent.Quantity.String())
}

func TestAdmitBatchAdmitsHighestPriorityFirst(t *testing.T) {
	cfg := gateConfig()
	cfg.PortfolioRiskCap = 0.005 // room for exactly one admission
	g, _ := newTestGate(cfg, nil, nil)

	low := gateSignal("sig-low", "ETHUSDT")
	low.Priority = 3
	high := gateSignal("sig-high", "BTCUSDT")
	high.Priority = 1

	// submission order must not matter
	intents, rejections := g.AdmitBatch([]models.Signal{low, high})
	require.Len(t, intents, 1)
	assert.Equal(t, "sig-high", intents[0].ParentSignalID)

	require.Contains(t, rejections, "sig-low")
	assert.Equal(t, RejectPortfolioCap, rejections["sig-low"].Code)
}

func TestAdmitBatchBreaksPriorityTiesOnConfluence(t *testing.T) {
	cfg := gateConfig()
	cfg.PortfolioRiskCap = 0.005
	g, _ := newTestGate(cfg, nil, nil)

	weaker := gateSignal("sig-weak", "ETHUSDT")
	weaker.ConfluenceScore = 70
	stronger := gateSignal("sig-strong", "BTCUSDT")
	stronger.ConfluenceScore = 80

	intents, rejections := g.AdmitBatch([]models.Signal{weaker, stronger})
	require.Len(t, intents, 1)
	assert.Equal(t, "sig-strong", intents[0].ParentSignalID)
	assert.Contains(t, rejections, "sig-weak")
}

// randomGateSignal builds a valid signal with randomized symbol, direction,
// entry, stop distance and priority.
func randomGateSignal(rng *rand.Rand, id string, symbols []string) models.Signal {
	sig := gateSignal(id, symbols[rng.Intn(len(symbols))])
	entry := decimal.NewFromFloat(1000 + rng.Float64()*49000).Round(2)
	dist := entry.Mul(decimal.NewFromFloat(0.01 + rng.Float64()*0.04)).Round(2)
	sig.Entry = entry
	if rng.Intn(2) == 0 {
		sig.Stop = entry.Sub(dist)
		sig.Target = entry.Add(dist.Mul(decimal.NewFromInt(2)))
	} else {
		sig.Direction = models.DirectionShort
		sig.Stop = entry.Add(dist)
		sig.Target = entry.Sub(dist.Mul(decimal.NewFromInt(2)))
	}
	sig.Priority = 1 + rng.Intn(5)
	sig.ConfluenceScore = 60 + rng.Float64()*29
	return sig
}

func TestAdmitRandomStreamsNeverBreachCaps(t *testing.T) {
	cfg := gateConfig()
	cfg.PortfolioRiskCap = 0.02
	cfg.CorrelatedCap = 0.012
	cfg.LeverageCap = 2.0

	groups := []string{"majors", "alts", "defi", "meme"}
	inst := make(map[string]config.InstrumentConfig)
	symbols := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		sym := fmt.Sprintf("SYM%02dUSDT", i)
		symbols = append(symbols, sym)
		inst[sym] = config.InstrumentConfig{Enabled: true, CorrelationGroup: groups[i%len(groups)]}
	}

	equity := decimal.NewFromInt(100_000)
	for seed := int64(1); seed <= 5; seed++ {
		g, _ := newTestGate(cfg, inst, nil)
		rng := rand.New(rand.NewSource(seed))

		// whatever the arrival order, no admission sequence may push the
		// portfolio past any cap
		for i := 0; i < 200; i++ {
			g.Admit(randomGateSignal(rng, fmt.Sprintf("sig-%d-%d", seed, i), symbols))

			led := g.Ledger()
			openFrac, _ := led.OpenRisk().Div(equity).Float64()
			assert.LessOrEqual(t, openFrac, cfg.PortfolioRiskCap+1e-9,
				"portfolio cap breached at seed %d step %d", seed, i)
			for _, grp := range groups {
				groupFrac, _ := led.GroupRisk(grp).Div(equity).Float64()
				assert.LessOrEqual(t, groupFrac, cfg.CorrelatedCap+1e-9,
					"correlated cap breached for %s at seed %d step %d", grp, seed, i)
			}
			levFrac, _ := led.OpenNotional().Div(equity).Float64()
			assert.LessOrEqual(t, levFrac, cfg.LeverageCap+1e-9,
				"leverage cap breached at seed %d step %d", seed, i)
		}
	}
}

type fixedKelly struct{ stats KellyStats }

func (f fixedKelly) KellyStats(string) (KellyStats, bool) { return f.stats, true }
