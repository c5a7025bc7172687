package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a position. Transitions are
// enforced by the position manager: open -> monitoring -> adjusting ->
// monitoring ... -> closing -> closed.
type PositionState string

const (
	PositionOpen       PositionState = "open"
	PositionMonitoring PositionState = "monitoring"
	PositionAdjusting  PositionState = "adjusting"
	PositionClosing    PositionState = "closing"
	PositionClosed     PositionState = "closed"
)

// CanTransition reports whether the state machine permits from -> to.
func (from PositionState) CanTransition(to PositionState) bool {
	switch from {
	case PositionOpen:
		return to == PositionMonitoring || to == PositionClosing
	case PositionMonitoring:
		return to == PositionAdjusting || to == PositionClosing
	case PositionAdjusting:
		return to == PositionMonitoring || to == PositionClosing
	case PositionClosing:
		return to == PositionClosed
	}
	return false
}

// Position is one open or closed trade, owned durably by the StateStore and
// in memory by the position manager.
type Position struct {
	ID             string          `json:"position_id"`
	Symbol         string          `json:"symbol"`
	Group          string          `json:"correlation_group,omitempty"`
	Direction      Direction       `json:"direction"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgEntry       decimal.Decimal `json:"avg_entry"`
	Stop           decimal.Decimal `json:"stop"`
	Target         decimal.Decimal `json:"target"`
	State          PositionState   `json:"state"`
	PatternType    PatternType     `json:"pattern_type,omitempty"` // attribution for learning
	SignalID       string          `json:"signal_id,omitempty"`
	EntryClientID  string          `json:"entry_client_id,omitempty"`
	ExitClientID   string          `json:"exit_client_id,omitempty"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       time.Time       `json:"closed_at,omitempty"`
	LastCheckAt    time.Time       `json:"last_check_at,omitempty"`
	Adjustments    int             `json:"adjustments"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Fees           decimal.Decimal `json:"fees"`
	Funding        decimal.Decimal `json:"funding"`
	InitialRiskPct float64         `json:"initial_risk_pct,omitempty"`
	// RawConfidence is the signal's pre-calibration confidence, carried so
	// the outcome can feed the confidence calibrator when the trade closes.
	RawConfidence float64 `json:"raw_confidence,omitempty"`
}

// Transition moves the position to a new state, rejecting illegal moves.
func (p *Position) Transition(to PositionState, now time.Time) error {
	if !p.State.CanTransition(to) {
		return fmt.Errorf("position %s: illegal transition %s -> %s", p.ID, p.State, to)
	}
	p.State = to
	p.LastCheckAt = now
	if to == PositionClosed {
		p.ClosedAt = now
	}
	return nil
}

// SettleClose records exit fills against the position and computes realized
// P&L: sum(exit_qty * (exit_price - avg_entry) * side_sign) - fees - funding.
func (p *Position) SettleClose(exit *ExecutionRecord, funding decimal.Decimal, now time.Time) {
	sign := p.Direction.Sign()
	pnl := decimal.Zero
	for _, f := range exit.Fills {
		pnl = pnl.Add(f.Quantity.Mul(f.Price.Sub(p.AvgEntry)).Mul(sign))
	}
	p.Fees = p.Fees.Add(exit.TotalFees())
	p.Funding = p.Funding.Add(funding)
	p.RealizedPnL = pnl.Sub(p.Fees).Sub(p.Funding)
}

// UnrealizedPnL marks the position to the given price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.State == PositionClosed {
		return decimal.Zero
	}
	return p.Quantity.Mul(mark.Sub(p.AvgEntry)).Mul(p.Direction.Sign())
}

// StopDistance returns |avg_entry - stop|.
func (p *Position) StopDistance() decimal.Decimal {
	return p.AvgEntry.Sub(p.Stop).Abs()
}

// OpenRisk is the capital at risk if the stop is hit: qty * stop distance.
func (p *Position) OpenRisk() decimal.Decimal {
	if p.State == PositionClosed {
		return decimal.Zero
	}
	return p.Quantity.Mul(p.StopDistance())
}
