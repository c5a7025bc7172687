package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Sizing is the outcome of position sizing for one signal.
type Sizing struct {
	Quantity decimal.Decimal
	Notional decimal.Decimal
	Risk     decimal.Decimal // quantity * stop distance
	RiskPct  float64         // Risk / equity
}

// SizePosition computes the order quantity for a signal: the smaller of the
// scaled-Kelly position value and the fixed-fractional value implied by the
// per-trade risk budget, bounded by the max position size and lot-aligned
// downward so realized risk never exceeds the budget.
func SizePosition(sig models.Signal, equity decimal.Decimal, stats KellyStats, haveStats bool, cfg config.RiskConfig, step decimal.Decimal) (Sizing, error) {
	if !equity.IsPositive() {
		return Sizing{}, fmt.Errorf("sizing %s: non-positive equity %s", sig.Symbol, equity)
	}
	stopDist := sig.Entry.Sub(sig.Stop).Abs()
	if !stopDist.IsPositive() || !sig.Entry.IsPositive() {
		return Sizing{}, fmt.Errorf("sizing %s: degenerate entry/stop", sig.Symbol)
	}

	// fixed-fractional arm: risk budget / stop distance fraction
	stopDistPct := stopDist.Div(sig.Entry)
	budget := equity.Mul(decimal.NewFromFloat(cfg.PerTradeRiskPct))
	value := budget.Div(stopDistPct)

	// Kelly arm, only with usable history
	if haveStats {
		if f := KellyFraction(stats); f > 0 {
			kellyValue := equity.Mul(decimal.NewFromFloat(f * cfg.KellyScale))
			if kellyValue.LessThan(value) {
				value = kellyValue
			}
		}
	}

	if cfg.MaxPositionSizePct > 0 {
		maxValue := equity.Mul(decimal.NewFromFloat(cfg.MaxPositionSizePct))
		if value.GreaterThan(maxValue) {
			value = maxValue
		}
	}

	qty := value.Div(sig.Entry)
	qty = AlignQuantity(qty, step)
	if !qty.IsPositive() {
		// the gate rejects zero quantities as dust; not an input error
		return Sizing{}, nil
	}

	risk := qty.Mul(stopDist)
	riskPct, _ := risk.Div(equity).Float64()
	return Sizing{
		Quantity: qty,
		Notional: qty.Mul(sig.Entry),
		Risk:     risk,
		RiskPct:  riskPct,
	}, nil
}

// AlignQuantity floors a quantity to the venue step size. Flooring is the
// risk-conservative direction: it can only shrink the position.
func AlignQuantity(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// AlignPriceConservative snaps a price to the venue tick in the direction
// that never worsens the trader's risk: entry prices round away from fills
// that would increase exposure, stop prices round toward the entry.
func AlignPriceConservative(price, tick decimal.Decimal, roundUp bool) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if roundUp {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}
