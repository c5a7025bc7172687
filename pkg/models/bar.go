// Package models holds the domain types shared across the trading core:
// bars, indicator snapshots, patterns, analyst verdicts, signals, order
// intents, execution records and positions. Monetary quantities use
// shopspring/decimal; bounded ratios use float64.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a bar interval. The set is closed.
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// AllTimeframes lists supported timeframes shortest first.
var AllTimeframes = []Timeframe{Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}

// Duration returns the wall-clock length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the timeframe is a member of the closed set.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Bar is an immutable OHLCV summary for one (symbol, timeframe, open_time).
// Two bars with the same key are byte-for-byte equal.
type Bar struct {
	Symbol      string          `json:"symbol"`
	Timeframe   Timeframe       `json:"timeframe"`
	OpenTime    time.Time       `json:"open_time"` // UTC, aligned to timeframe
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	TradesCount int64           `json:"trades_count,omitempty"`
}

// CloseTime returns the exclusive end of the bar interval.
func (b Bar) CloseTime() time.Time {
	return b.OpenTime.Add(b.Timeframe.Duration())
}

// Validate checks OHLC ordering and open_time alignment.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar: unknown timeframe %q", b.Timeframe)
	}
	if !AlignedTo(b.OpenTime, b.Timeframe) {
		return fmt.Errorf("bar %s/%s: open_time %s not aligned to timeframe", b.Symbol, b.Timeframe, b.OpenTime.Format(time.RFC3339))
	}
	lo := decimal.Min(b.Open, b.Close)
	hi := decimal.Max(b.Open, b.Close)
	if b.Low.GreaterThan(lo) || b.High.LessThan(hi) || b.Low.GreaterThan(b.High) {
		return fmt.Errorf("bar %s/%s@%s: OHLC order violated (o=%s h=%s l=%s c=%s)",
			b.Symbol, b.Timeframe, b.OpenTime.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar %s/%s: negative volume %s", b.Symbol, b.Timeframe, b.Volume)
	}
	return nil
}

// AlignedTo reports whether t falls exactly on a timeframe boundary in UTC.
func AlignedTo(t time.Time, tf Timeframe) bool {
	d := tf.Duration()
	if d == 0 {
		return false
	}
	return t.UTC().Truncate(d).Equal(t.UTC())
}

// Align truncates t down to its timeframe boundary in UTC.
func Align(t time.Time, tf Timeframe) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// IndicatorSnapshot carries the indicator values derived from one bar window.
// Undefined values (constant-price RSI, zero-volume MFI) are listed in Flags
// and carry a defined fallback in Values.
type IndicatorSnapshot struct {
	Symbol    string             `json:"symbol"`
	Timeframe Timeframe          `json:"timeframe"`
	BarTime   time.Time          `json:"bar_time"`
	Values    map[string]float64 `json:"values"`
	Flags     []string           `json:"flags,omitempty"`
}

// Value returns a named indicator value and whether it is present.
func (s *IndicatorSnapshot) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Flagged reports whether the named value was emitted with an undefined flag.
func (s *IndicatorSnapshot) Flagged(name string) bool {
	for _, f := range s.Flags {
		if f == name {
			return true
		}
	}
	return false
}
