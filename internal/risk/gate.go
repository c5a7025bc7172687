// Package risk owns position sizing and the portfolio invariants: the gate
// converts admitted signals into order intents and rejects anything that
// would breach the risk caps, monotonically.
package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// RejectCode classifies gate rejections.
type RejectCode string

const (
	RejectExpired       RejectCode = "signal_expired"
	RejectInvalid       RejectCode = "signal_invalid"
	RejectDust          RejectCode = "quantity_too_small"
	RejectPortfolioCap  RejectCode = "portfolio_risk_cap"
	RejectCorrelatedCap RejectCode = "correlated_cap"
	RejectLeverageCap   RejectCode = "leverage_cap"
	RejectDailyLoss     RejectCode = "daily_loss_limit"
	RejectMonthlyLoss   RejectCode = "monthly_loss_limit"
	RejectDuplicate     RejectCode = "existing_exposure"
	RejectSizing        RejectCode = "sizing_failed"
)

// Rejection explains why a signal was not admitted. TriggerSafeMode marks
// loss-limit breaches the orchestrator must act on; Extended marks the
// monthly variant.
type Rejection struct {
	Code            RejectCode
	Reason          string
	TriggerSafeMode bool
	Extended        bool
}

type gateMetrics struct {
	admitted  prometheus.Counter
	rejected  *prometheus.CounterVec
	openRisk  prometheus.Gauge
	dailyLoss prometheus.Gauge
}

var (
	gateMetricsInstance *gateMetrics
	gateMetricsOnce     sync.Once
)

func getGateMetrics() *gateMetrics {
	gateMetricsOnce.Do(func() {
		gateMetricsInstance = &gateMetrics{
			admitted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "risk_signals_admitted_total",
				Help: "Signals converted into order intents",
			}),
			rejected: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "risk_signals_rejected_total",
				Help: "Signals rejected by the gate",
			}, []string{"code"}),
			openRisk: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "risk_open_risk_fraction",
				Help: "Sum of open risk as a fraction of equity",
			}),
			dailyLoss: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "risk_daily_loss_fraction",
				Help: "Daily loss as a fraction of equity",
			}),
		}
	})
	return gateMetricsInstance
}

// Gate enforces the portfolio invariants. All checks are monotonic: adding
// exposure can only make a passing portfolio fail, never the reverse.
type Gate struct {
	cfg   config.RiskConfig
	inst  map[string]config.InstrumentConfig
	led   *Ledger
	kelly KellyProvider
	clk   clock.Clock
	log   zerolog.Logger
	m     *gateMetrics
}

// NewGate creates a gate over the shared ledger. kelly may be nil.
func NewGate(cfg config.RiskConfig, instruments map[string]config.InstrumentConfig, led *Ledger, kelly KellyProvider, clk clock.Clock, log zerolog.Logger) *Gate {
	if kelly == nil {
		kelly = NoKellyStats{}
	}
	return &Gate{
		cfg:   cfg,
		inst:  instruments,
		led:   led,
		kelly: kelly,
		clk:   clk,
		log:   log.With().Str("component", "risk_gate").Logger(),
		m:     getGateMetrics(),
	}
}

// Ledger exposes the shared risk accounting.
func (g *Gate) Ledger() *Ledger { return g.led }

// Reconfigure swaps the limits after a config reload.
func (g *Gate) Reconfigure(cfg config.RiskConfig, instruments map[string]config.InstrumentConfig) {
	g.cfg = cfg
	g.inst = instruments
}

// Admit sizes a signal and checks every portfolio invariant. On success the
// intent's risk is reserved in the ledger; the caller must convert the
// reservation into a position on fill or release it on failure.
func (g *Gate) Admit(sig models.Signal) (models.OrderIntent, *Rejection) {
	now := g.clk.Now()
	g.led.Rollover(now)

	if sig.Expired(now) {
		return g.reject(sig, RejectExpired, "signal past expiry")
	}
	if err := sig.Validate(); err != nil {
		return g.reject(sig, RejectInvalid, err.Error())
	}
	if g.led.HasExposure(sig.Symbol) {
		return g.reject(sig, RejectDuplicate, "symbol already has exposure")
	}

	// loss limits first: they gate all new entries, not just this one
	equity := g.led.Equity()
	if daily := g.fraction(g.led.DailyLoss(g.cfg.DrawdownBasis), equity); daily >= g.cfg.DailyLossLimit {
		r := g.rejection(RejectDailyLoss, "daily loss limit reached")
		r.TriggerSafeMode = true
		g.count(r.Code)
		return models.OrderIntent{}, r
	}
	if monthly := g.fraction(g.led.MonthlyLoss(), equity); monthly >= g.cfg.MonthlyLossLimit {
		r := g.rejection(RejectMonthlyLoss, "monthly loss limit reached")
		r.TriggerSafeMode = true
		r.Extended = true
		g.count(r.Code)
		return models.OrderIntent{}, r
	}

	stats, haveStats := g.kelly.KellyStats(sig.Symbol)
	sz, err := SizePosition(sig, equity, stats, haveStats, g.cfg, g.step(sig.Symbol))
	if err != nil {
		return g.reject(sig, RejectSizing, err.Error())
	}
	if !sz.Quantity.IsPositive() {
		return g.reject(sig, RejectDust, "aligned quantity is zero")
	}

	newOpen := g.fraction(g.led.OpenRisk().Add(sz.Risk), equity)
	if newOpen > g.cfg.PortfolioRiskCap {
		return g.reject(sig, RejectPortfolioCap, "portfolio risk cap breached")
	}

	group := g.group(sig.Symbol)
	if group != "" {
		combined := g.fraction(g.led.GroupRisk(group).Add(sz.Risk), equity)
		if combined > g.cfg.CorrelatedCap {
			return g.reject(sig, RejectCorrelatedCap, "correlated risk cap breached")
		}
	}

	leverage := g.fraction(g.led.OpenNotional().Add(sz.Notional), equity)
	if g.cfg.LeverageCap > 0 && leverage > g.cfg.LeverageCap {
		return g.reject(sig, RejectLeverageCap, "leverage cap breached")
	}

	intent := models.OrderIntent{
		ClientID:       models.DeriveClientID(sig.ID, 0),
		ParentSignalID: sig.ID,
		Symbol:         sig.Symbol,
		Side:           models.EntrySide(sig.Direction),
		Type:           models.OrderTypeLimit,
		Quantity:       sz.Quantity,
		LimitPrice:     g.alignEntry(sig),
		TimeInForce:    models.TIFGoodTilCancel,
		RiskPct:        sz.RiskPct,
		Leverage:       leverage,
		CreatedAt:      now,
	}
	if err := intent.Validate(); err != nil {
		return g.reject(sig, RejectInvalid, err.Error())
	}

	g.led.Reserve(intent.ClientID, sig.Symbol, group, sz.Risk, sz.Notional)
	g.m.admitted.Inc()
	g.m.openRisk.Set(g.fraction(g.led.OpenRisk(), equity))
	g.log.Info().
		Str("symbol", sig.Symbol).
		Str("client_id", intent.ClientID).
		Str("qty", sz.Quantity.String()).
		Float64("risk_pct", sz.RiskPct).
		Msg("Signal admitted")
	return intent, nil
}

// AdmitBatch admits competing signals highest priority first, so a cap
// breach rejects the lower-priority candidates.
func (g *Gate) AdmitBatch(sigs []models.Signal) (intents []models.OrderIntent, rejections map[string]*Rejection) {
	ordered := make([]models.Signal, len(sigs))
	copy(ordered, sigs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ConfluenceScore > ordered[j].ConfluenceScore
	})

	rejections = make(map[string]*Rejection)
	for _, sig := range ordered {
		intent, rej := g.Admit(sig)
		if rej != nil {
			rejections[sig.ID] = rej
			continue
		}
		intents = append(intents, intent)
	}
	return intents, rejections
}

// LossLimitBreached reports whether the loss limits alone now block
// entries; the orchestrator polls it for SAFE_MODE triggering.
func (g *Gate) LossLimitBreached(now time.Time) (breached, extended bool) {
	g.led.Rollover(now)
	equity := g.led.Equity()
	g.m.dailyLoss.Set(g.fraction(g.led.DailyLoss(g.cfg.DrawdownBasis), equity))
	if g.fraction(g.led.MonthlyLoss(), equity) >= g.cfg.MonthlyLossLimit {
		return true, true
	}
	if g.fraction(g.led.DailyLoss(g.cfg.DrawdownBasis), equity) >= g.cfg.DailyLossLimit {
		return true, false
	}
	return false, false
}

func (g *Gate) fraction(v, equity decimal.Decimal) float64 {
	if !equity.IsPositive() {
		return 0
	}
	f, _ := v.Div(equity).Float64()
	return f
}

func (g *Gate) step(symbol string) decimal.Decimal {
	if ic, ok := g.inst[symbol]; ok && ic.Step != "" {
		if d, err := decimal.NewFromString(ic.Step); err == nil {
			return d
		}
	}
	return decimal.New(1, -3)
}

func (g *Gate) tick(symbol string) decimal.Decimal {
	if ic, ok := g.inst[symbol]; ok && ic.Tick != "" {
		if d, err := decimal.NewFromString(ic.Tick); err == nil {
			return d
		}
	}
	return decimal.New(1, -2)
}

func (g *Gate) group(symbol string) string {
	if ic, ok := g.inst[symbol]; ok {
		return ic.CorrelationGroup
	}
	return ""
}

// alignEntry snaps the limit price to the venue tick, rounding in the
// passive direction: down for buys, up for sells.
func (g *Gate) alignEntry(sig models.Signal) decimal.Decimal {
	return AlignPriceConservative(sig.Entry, g.tick(sig.Symbol), sig.Direction == models.DirectionShort)
}

func (g *Gate) reject(sig models.Signal, code RejectCode, reason string) (models.OrderIntent, *Rejection) {
	g.count(code)
	g.log.Info().
		Str("symbol", sig.Symbol).
		Str("signal_id", sig.ID).
		Str("code", string(code)).
		Str("reason", reason).
		Msg("Signal rejected")
	return models.OrderIntent{}, g.rejection(code, reason)
}

func (g *Gate) rejection(code RejectCode, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}

func (g *Gate) count(code RejectCode) {
	g.m.rejected.WithLabelValues(string(code)).Inc()
}
