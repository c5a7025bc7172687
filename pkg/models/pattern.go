package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PatternType enumerates the chart patterns the detector can emit.
// The set is closed; unknown values are rejected at boundaries.
type PatternType string

const (
	PatternSupport          PatternType = "support"
	PatternResistance       PatternType = "resistance"
	PatternBreakout         PatternType = "breakout"
	PatternTrendReversal    PatternType = "trend_reversal"
	PatternPinBar           PatternType = "pin_bar"
	PatternEngulfing        PatternType = "engulfing"
	PatternDoji             PatternType = "doji"
	PatternDoubleBottom     PatternType = "double_bottom"
	PatternDoubleTop        PatternType = "double_top"
	PatternHeadAndShoulders PatternType = "head_and_shoulders"
	PatternTriangle         PatternType = "triangle"
	PatternFlag             PatternType = "flag"
)

// AllPatternTypes lists every recognized pattern type.
var AllPatternTypes = []PatternType{
	PatternSupport, PatternResistance, PatternBreakout, PatternTrendReversal,
	PatternPinBar, PatternEngulfing, PatternDoji,
	PatternDoubleBottom, PatternDoubleTop, PatternHeadAndShoulders,
	PatternTriangle, PatternFlag,
}

// Valid reports membership in the closed pattern set.
func (p PatternType) Valid() bool {
	for _, t := range AllPatternTypes {
		if p == t {
			return true
		}
	}
	return false
}

// Pattern is one detected chart pattern. PriceLevels are sorted ascending
// and all positive. Metadata values are restricted to primitives.
type Pattern struct {
	ID          string            `json:"id"`
	Type        PatternType       `json:"pattern_type"`
	Symbol      string            `json:"symbol"`
	Timeframe   Timeframe         `json:"timeframe"`
	Confidence  float64           `json:"confidence"` // [0,1]
	Strength    float64           `json:"strength"`   // [0,10] ordinal salience
	PriceLevels []decimal.Decimal `json:"price_levels"`
	DetectedAt  time.Time         `json:"detected_at"`
	Bullish     bool              `json:"bullish"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the Pattern invariants.
func (p Pattern) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("pattern: unknown type %q", p.Type)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("pattern %s: confidence %.4f out of [0,1]", p.Type, p.Confidence)
	}
	if p.Strength < 0 || p.Strength > 10 {
		return fmt.Errorf("pattern %s: strength %.2f out of [0,10]", p.Type, p.Strength)
	}
	for i, lv := range p.PriceLevels {
		if !lv.IsPositive() {
			return fmt.Errorf("pattern %s: non-positive price level %s", p.Type, lv)
		}
		if i > 0 && lv.LessThan(p.PriceLevels[i-1]) {
			return fmt.Errorf("pattern %s: price levels not ascending", p.Type)
		}
	}
	return nil
}
