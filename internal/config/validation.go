package config

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// weightSumTolerance is how far component weights may drift from 1.0.
const weightSumTolerance = 1e-6

// Validate checks the whole configuration and returns the first violation.
// A config that fails validation is never swapped in.
func (c *Config) Validate() error {
	if err := c.validateRisk(); err != nil {
		return err
	}
	if err := c.validateScorer(); err != nil {
		return err
	}
	if err := c.validateRouter(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateLearning(); err != nil {
		return err
	}
	if err := c.validateInstruments(); err != nil {
		return err
	}
	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		return fmt.Errorf("config: trading.mode must be paper or live, got %q", c.Trading.Mode)
	}
	if c.Trading.Equity <= 0 {
		return fmt.Errorf("config: trading.equity must be positive, got %.2f", c.Trading.Equity)
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	fractions := []struct {
		name string
		val  float64
	}{
		{"risk.per_trade_risk_pct", r.PerTradeRiskPct},
		{"risk.portfolio_risk_cap", r.PortfolioRiskCap},
		{"risk.correlated_cap", r.CorrelatedCap},
		{"risk.max_position_size_pct", r.MaxPositionSizePct},
		{"risk.daily_loss_limit", r.DailyLossLimit},
		{"risk.monthly_loss_limit", r.MonthlyLossLimit},
	}
	for _, f := range fractions {
		if f.val <= 0 || f.val >= 1 {
			return fmt.Errorf("config: %s must be in (0,1), got %.4f", f.name, f.val)
		}
	}
	if r.PerTradeRiskPct > r.PortfolioRiskCap {
		return fmt.Errorf("config: risk.per_trade_risk_pct %.4f exceeds portfolio_risk_cap %.4f",
			r.PerTradeRiskPct, r.PortfolioRiskCap)
	}
	if r.CorrelatedCap > r.PortfolioRiskCap {
		return fmt.Errorf("config: risk.correlated_cap %.4f exceeds portfolio_risk_cap %.4f",
			r.CorrelatedCap, r.PortfolioRiskCap)
	}
	if r.DailyLossLimit > r.MonthlyLossLimit {
		return fmt.Errorf("config: risk.daily_loss_limit %.4f exceeds monthly_loss_limit %.4f",
			r.DailyLossLimit, r.MonthlyLossLimit)
	}
	if r.CorrelationThreshold < 0 || r.CorrelationThreshold > 1 {
		return fmt.Errorf("config: risk.correlation_threshold must be in [0,1], got %.4f", r.CorrelationThreshold)
	}
	if r.LeverageCap < 1 {
		return fmt.Errorf("config: risk.leverage_cap must be >= 1, got %.2f", r.LeverageCap)
	}
	if r.KellyScale <= 0 || r.KellyScale > 1 {
		return fmt.Errorf("config: risk.kelly_scale must be in (0,1], got %.4f", r.KellyScale)
	}
	if r.DrawdownBasis != DrawdownRealized && r.DrawdownBasis != DrawdownMarkToMarket {
		return fmt.Errorf("config: risk.drawdown_basis must be realized or mark_to_market, got %q", r.DrawdownBasis)
	}
	if r.SafeModeCooldown <= 0 {
		return fmt.Errorf("config: risk.safe_mode_cooldown must be positive")
	}
	if r.MaxAdjustments < 0 {
		return fmt.Errorf("config: risk.max_adjustments must be non-negative, got %d", r.MaxAdjustments)
	}
	return nil
}

func (c *Config) validateScorer() error {
	s := c.Scorer
	if sum := s.Weights.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("config: scorer.weights must sum to 1.0 within %g, got %.8f", weightSumTolerance, sum)
	}
	if s.EntryThreshold < 0 || s.EntryThreshold > 100 {
		return fmt.Errorf("config: scorer.entry_threshold must be in [0,100], got %.2f", s.EntryThreshold)
	}
	if s.MinCalibratedConfidence < 0 || s.MinCalibratedConfidence > 1 {
		return fmt.Errorf("config: scorer.min_calibrated_confidence must be in [0,1], got %.4f", s.MinCalibratedConfidence)
	}
	if s.MinRiskReward < 1 {
		return fmt.Errorf("config: scorer.min_risk_reward must be >= 1, got %.2f", s.MinRiskReward)
	}
	if s.StopATRMultiple <= 0 {
		return fmt.Errorf("config: scorer.stop_atr_multiple must be positive, got %.2f", s.StopATRMultiple)
	}
	if len(s.TimeframeBaseWeights) > 0 {
		sum := 0.0
		for tf, w := range s.TimeframeBaseWeights {
			if !models.Timeframe(tf).Valid() {
				return fmt.Errorf("config: scorer.timeframe_base_weights: unknown timeframe %q", tf)
			}
			if w < 0 {
				return fmt.Errorf("config: scorer.timeframe_base_weights[%s] must be non-negative", tf)
			}
			sum += w
		}
		if math.Abs(sum-1.0) > weightSumTolerance {
			return fmt.Errorf("config: scorer.timeframe_base_weights must sum to 1.0 within %g, got %.8f", weightSumTolerance, sum)
		}
	}
	return nil
}

func (c *Config) validateRouter() error {
	r := c.Router
	switch r.Policy {
	case PolicyAccuracyFirst, PolicyCostAware, PolicyLatencyAware, PolicyConsensus:
	default:
		return fmt.Errorf("config: router.policy %q is not recognized", r.Policy)
	}
	if r.MinSuccessRate < 0 || r.MinSuccessRate > 1 {
		return fmt.Errorf("config: router.min_success_rate must be in [0,1], got %.4f", r.MinSuccessRate)
	}
	if r.Policy == PolicyConsensus && r.ConsensusSize < 2 {
		return fmt.Errorf("config: router.consensus_size must be >= 2 for consensus policy, got %d", r.ConsensusSize)
	}
	if err := validateCircuit("router.circuit", r.Circuit); err != nil {
		return err
	}
	return nil
}

func validateCircuit(name string, cc CircuitConfig) error {
	if cc.Failures < 1 {
		return fmt.Errorf("config: %s.failures must be >= 1, got %d", name, cc.Failures)
	}
	if cc.Window <= 0 || cc.Cooldown <= 0 {
		return fmt.Errorf("config: %s window and cooldown must be positive", name)
	}
	if cc.Cap < cc.Cooldown {
		return fmt.Errorf("config: %s.cap must be >= cooldown", name)
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	o := c.Orchestrator
	if o.CadenceBounds.Min <= 0 || o.CadenceBounds.Max < o.CadenceBounds.Min {
		return fmt.Errorf("config: orchestrator.cadence_bounds invalid (min=%s max=%s)",
			o.CadenceBounds.Min, o.CadenceBounds.Max)
	}
	if o.VolatilityThresholds.Low < 0 || o.VolatilityThresholds.High > 1 ||
		o.VolatilityThresholds.Low >= o.VolatilityThresholds.High {
		return fmt.Errorf("config: orchestrator.volatility_thresholds must satisfy 0 <= low < high <= 1")
	}
	if o.Concurrency < 1 {
		return fmt.Errorf("config: orchestrator.concurrency must be >= 1, got %d", o.Concurrency)
	}
	if o.TickDeadline <= 0 {
		return fmt.Errorf("config: orchestrator.tick_deadline must be positive")
	}
	return nil
}

func (c *Config) validateLearning() error {
	l := c.Learning
	switch l.Strategy {
	case BanditEpsilonGreedy, BanditUCB1:
	default:
		return fmt.Errorf("config: learning.strategy %q is not recognized", l.Strategy)
	}
	if l.Strategy == BanditEpsilonGreedy && (l.Epsilon <= 0 || l.Epsilon >= 1) {
		return fmt.Errorf("config: learning.epsilon must be in (0,1), got %.4f", l.Epsilon)
	}
	if l.RecalibrationInterval <= 0 {
		return fmt.Errorf("config: learning.recalibration_interval must be positive")
	}
	if l.MinTradesForWeight < 0 {
		return fmt.Errorf("config: learning.min_trades_for_weight must be non-negative, got %d", l.MinTradesForWeight)
	}
	return nil
}

func (c *Config) validateInstruments() error {
	for sym, inst := range c.Instruments {
		for _, tf := range inst.Timeframes {
			if !models.Timeframe(tf).Valid() {
				return fmt.Errorf("config: instruments.%s: unknown timeframe %q", sym, tf)
			}
		}
		if inst.Tick != "" {
			d, err := decimal.NewFromString(inst.Tick)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("config: instruments.%s: tick %q is not a positive decimal", sym, inst.Tick)
			}
		}
		if inst.Step != "" {
			d, err := decimal.NewFromString(inst.Step)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("config: instruments.%s: step %q is not a positive decimal", sym, inst.Step)
			}
		}
	}
	return nil
}

// TickSize returns the configured venue price increment for a symbol,
// defaulting to 0.01.
func (c *Config) TickSize(symbol string) decimal.Decimal {
	if inst, ok := c.Instruments[symbol]; ok && inst.Tick != "" {
		if d, err := decimal.NewFromString(inst.Tick); err == nil {
			return d
		}
	}
	return decimal.New(1, -2)
}

// StepSize returns the configured venue quantity increment for a symbol,
// defaulting to 0.001.
func (c *Config) StepSize(symbol string) decimal.Decimal {
	if inst, ok := c.Instruments[symbol]; ok && inst.Step != "" {
		if d, err := decimal.NewFromString(inst.Step); err == nil {
			return d
		}
	}
	return decimal.New(1, -3)
}

// EnabledSymbols lists instruments with trading enabled.
func (c *Config) EnabledSymbols() []string {
	var out []string
	for sym, inst := range c.Instruments {
		if inst.Enabled {
			out = append(out, sym)
		}
	}
	return out
}

// InstrumentTimeframes returns the configured timeframes for a symbol,
// defaulting to all supported timeframes.
func (c *Config) InstrumentTimeframes(symbol string) []models.Timeframe {
	inst, ok := c.Instruments[symbol]
	if !ok || len(inst.Timeframes) == 0 {
		return models.AllTimeframes
	}
	out := make([]models.Timeframe, 0, len(inst.Timeframes))
	for _, tf := range inst.Timeframes {
		out = append(out, models.Timeframe(tf))
	}
	return out
}
