// Package indicators computes deterministic technical indicators over
// sliding windows of bars. The engine is pure: no I/O, no clock, identical
// input windows produce identical snapshots.
package indicators

import (
	"fmt"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Indicator value names as emitted in IndicatorSnapshot.Values.
const (
	NameEMA20      = "ema_20"
	NameEMA50      = "ema_50"
	NameEMA200     = "ema_200"
	NameRSI        = "rsi_14"
	NameMACD       = "macd"
	NameMACDSignal = "macd_signal"
	NameMACDHist   = "macd_hist"
	NameBBUpper    = "bb_upper"
	NameBBMid      = "bb_mid"
	NameBBLower    = "bb_lower"
	NameBBWidth    = "bb_width"
	NameATR        = "atr_14"
	NameStochK     = "stoch_k"
	NameStochD     = "stoch_d"
	NameCCI        = "cci_20"
	NameMFI        = "mfi_14"
	NameVolumePOC  = "vol_poc"
	NameVolumeVAH  = "vol_vah"
	NameVolumeVAL  = "vol_val"
	NameClose      = "close"
)

// Flags recorded when an indicator is mathematically undefined for the
// window and a neutral fallback was emitted instead.
const (
	FlagRSIUndefined = NameRSI
	FlagMFIUndefined = NameMFI
)

// Engine derives IndicatorSnapshots from bar windows.
type Engine struct {
	volumeProfileBins int
}

// NewEngine creates an indicator engine. bins controls volume profile
// resolution; zero selects the default of 24.
func NewEngine(bins int) *Engine {
	if bins <= 0 {
		bins = 24
	}
	return &Engine{volumeProfileBins: bins}
}

// MinBars is the smallest window that lets every indicator emit: EMA200
// needs its full period of warmup.
const MinBars = 200

// Compute derives a snapshot from an ascending window of bars for one
// (symbol, timeframe). It returns an error when the window is too short or
// inconsistent; undefined indicator values degrade to flagged fallbacks
// rather than errors.
func (e *Engine) Compute(bars []models.Bar) (*models.IndicatorSnapshot, error) {
	if len(bars) < MinBars {
		return nil, fmt.Errorf("indicators: window of %d bars is below minimum %d", len(bars), MinBars)
	}
	symbol, tf := bars[0].Symbol, bars[0].Timeframe
	for i, b := range bars {
		if b.Symbol != symbol || b.Timeframe != tf {
			return nil, fmt.Errorf("indicators: mixed window at index %d (%s/%s vs %s/%s)",
				i, b.Symbol, b.Timeframe, symbol, tf)
		}
		if i > 0 && !bars[i-1].OpenTime.Before(b.OpenTime) {
			return nil, fmt.Errorf("indicators: window not strictly ascending at index %d", i)
		}
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}

	snap := &models.IndicatorSnapshot{
		Symbol:    symbol,
		Timeframe: tf,
		BarTime:   bars[len(bars)-1].OpenTime,
		Values:    make(map[string]float64, 24),
	}
	snap.Values[NameClose] = closes[len(closes)-1]

	snap.Values[NameEMA20] = Last(EMA(closes, 20))
	snap.Values[NameEMA50] = Last(EMA(closes, 50))
	snap.Values[NameEMA200] = Last(EMA(closes, 200))

	rsi, rsiDefined := RSI(closes, 14)
	snap.Values[NameRSI] = rsi
	if !rsiDefined {
		snap.Flags = append(snap.Flags, FlagRSIUndefined)
	}

	macd, signal := MACD(closes, 12, 26, 9)
	snap.Values[NameMACD] = macd
	snap.Values[NameMACDSignal] = signal
	snap.Values[NameMACDHist] = macd - signal

	upper, mid, lower := Bollinger(closes, 20, 2.0)
	snap.Values[NameBBUpper] = upper
	snap.Values[NameBBMid] = mid
	snap.Values[NameBBLower] = lower
	if mid != 0 {
		snap.Values[NameBBWidth] = (upper - lower) / mid
	}

	snap.Values[NameATR] = ATR(bars, 14)

	k, d := Stochastic(bars, 14, 3, 3)
	snap.Values[NameStochK] = k
	snap.Values[NameStochD] = d

	snap.Values[NameCCI] = CCI(bars, 20)

	mfi, mfiDefined := MFI(bars, 14)
	snap.Values[NameMFI] = mfi
	if !mfiDefined {
		snap.Flags = append(snap.Flags, FlagMFIUndefined)
	}

	poc, vah, val := VolumeProfile(bars, e.volumeProfileBins)
	snap.Values[NameVolumePOC] = poc
	snap.Values[NameVolumeVAH] = vah
	snap.Values[NameVolumeVAL] = val

	return snap, nil
}

// Last returns the final element of a series, or 0 for an empty one.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
