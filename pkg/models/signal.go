package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side a signal proposes. The set is closed.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

// Valid reports membership in the closed direction set.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionNone:
		return true
	}
	return false
}

// Sign maps the direction onto {+1, -1, 0}.
func (d Direction) Sign() decimal.Decimal {
	switch d {
	case DirectionLong:
		return decimal.NewFromInt(1)
	case DirectionShort:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// Signal is an actionable directional opinion emitted by the confluence
// scorer. Evidence carries the ids of the bars, patterns and verdicts that
// contributed, for audit.
type Signal struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	Direction            Direction       `json:"direction"`
	ConfluenceScore      float64         `json:"confluence_score"`       // [0,100]
	CalibratedConfidence float64         `json:"calibrated_confidence"`  // [0,1]
	RawConfidence        float64         `json:"raw_confidence"`         // [0,1], pre-calibration
	Entry                decimal.Decimal `json:"entry_price"`
	Stop                 decimal.Decimal `json:"stop_price"`
	Target               decimal.Decimal `json:"target_price"`
	RiskReward           float64         `json:"risk_reward"`
	Priority             int             `json:"priority"` // 1 (highest) .. 5
	Evidence             []string        `json:"contributing_evidence,omitempty"`
	Regime               Regime          `json:"regime"`
	IssuedAt             time.Time       `json:"issued_at"`
	ExpiresAt            time.Time       `json:"expires_at"`
}

// Regime classifies the market mode used to bias scoring.
type Regime string

const (
	RegimeBull     Regime = "bull"
	RegimeBear     Regime = "bear"
	RegimeSideways Regime = "sideways"
)

// Validate enforces the Signal invariants: price ordering per direction,
// risk/reward consistency, and the high-confluence confidence floor.
func (s Signal) Validate() error {
	if !s.Direction.Valid() || s.Direction == DirectionNone {
		return fmt.Errorf("signal %s: invalid direction %q", s.ID, s.Direction)
	}
	if s.ConfluenceScore < 0 || s.ConfluenceScore > 100 {
		return fmt.Errorf("signal %s: confluence %.2f out of [0,100]", s.ID, s.ConfluenceScore)
	}
	if s.CalibratedConfidence < 0 || s.CalibratedConfidence > 1 {
		return fmt.Errorf("signal %s: calibrated confidence %.4f out of [0,1]", s.ID, s.CalibratedConfidence)
	}
	if s.ConfluenceScore >= 90 && s.CalibratedConfidence < 0.8 {
		return fmt.Errorf("signal %s: confluence %.1f requires calibrated confidence >= 0.8, got %.2f",
			s.ID, s.ConfluenceScore, s.CalibratedConfidence)
	}
	switch s.Direction {
	case DirectionLong:
		if !s.Stop.LessThan(s.Entry) || !s.Entry.LessThan(s.Target) {
			return fmt.Errorf("signal %s: long requires stop < entry < target (%s, %s, %s)",
				s.ID, s.Stop, s.Entry, s.Target)
		}
	case DirectionShort:
		if !s.Target.LessThan(s.Entry) || !s.Entry.LessThan(s.Stop) {
			return fmt.Errorf("signal %s: short requires target < entry < stop (%s, %s, %s)",
				s.ID, s.Target, s.Entry, s.Stop)
		}
	}
	if rr := s.ComputeRiskReward(); rr < 1 {
		return fmt.Errorf("signal %s: risk/reward %.3f below 1", s.ID, rr)
	}
	if s.Priority < 1 || s.Priority > 5 {
		return fmt.Errorf("signal %s: priority %d out of [1,5]", s.ID, s.Priority)
	}
	return nil
}

// ComputeRiskReward returns |target-entry| / |entry-stop|.
func (s Signal) ComputeRiskReward() float64 {
	risk := s.Entry.Sub(s.Stop).Abs()
	if risk.IsZero() {
		return 0
	}
	reward := s.Target.Sub(s.Entry).Abs()
	rr, _ := reward.Div(risk).Float64()
	return rr
}

// Expired reports whether the signal has passed its expiry at time now.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
