// Package patterns recognizes chart patterns over bar windows: clustered
// support/resistance, range breakouts, oscillator divergence, candlestick
// signals and multi-pivot formations. Detection is pure and regenerable;
// confidence blends geometric fit, volume confirmation and the historical
// hit rate the learning memory reports per pattern type.
package patterns

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Detection on shorter windows misses formations; 60 bars covers every
// detector's lookback with margin.
const minDetectBars = 60

const pivotLookaround = 3

// detected_at has per-bar resolution, so the namespace keeps regenerated
// patterns stable across restarts.
var patternIDNamespace = uuid.MustParse("3d2b9c14-5e87-4f02-a6c3-91d47b8e0f25")

// HitRateProvider reports the historical win rate for a pattern type.
// The learning memory implements it; absent history returns ok=false.
type HitRateProvider interface {
	HitRate(models.PatternType) (float64, bool)
}

// staticHitRates is the no-history fallback.
type staticHitRates struct{}

func (staticHitRates) HitRate(models.PatternType) (float64, bool) { return 0, false }

// confidence mixing weights
const (
	confFitWeight  = 0.5
	confVolWeight  = 0.3
	confHitWeight  = 0.2
	neutralHitRate = 0.5
)

// Detector runs every pattern detector over a bar window.
type Detector struct {
	hitRates HitRateProvider
	log      zerolog.Logger
}

// NewDetector creates a detector. hitRates may be nil, in which case a
// neutral prior is used for every pattern type.
func NewDetector(hitRates HitRateProvider, log zerolog.Logger) *Detector {
	if hitRates == nil {
		hitRates = staticHitRates{}
	}
	return &Detector{
		hitRates: hitRates,
		log:      log.With().Str("component", "pattern_detector").Logger(),
	}
}

// Detect runs all detectors over the window. bars must be a single-symbol,
// single-timeframe ascending window; snaps is the aligned indicator history
// (may be shorter than bars, aligned to the tail). Results are sorted by
// detected_at then pattern type so downstream tie resolution is stable.
func (d *Detector) Detect(bars []models.Bar, snaps []models.IndicatorSnapshot) ([]models.Pattern, error) {
	if len(bars) < minDetectBars {
		return nil, fmt.Errorf("patterns: need at least %d bars, have %d", minDetectBars, len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Symbol != bars[0].Symbol || bars[i].Timeframe != bars[0].Timeframe {
			return nil, fmt.Errorf("patterns: mixed window at index %d", i)
		}
		if !bars[i].OpenTime.After(bars[i-1].OpenTime) {
			return nil, fmt.Errorf("patterns: window not ascending at index %d", i)
		}
	}

	pivots := findPivots(bars, pivotLookaround)

	var out []models.Pattern
	out = append(out, d.detectLevels(bars, pivots)...)
	out = append(out, d.detectBreakout(bars)...)
	out = append(out, d.detectDivergence(bars, snaps, pivots)...)
	out = append(out, d.detectCandlesticks(bars)...)
	out = append(out, d.detectFormations(bars, pivots)...)

	valid := out[:0]
	for _, p := range out {
		if err := p.Validate(); err != nil {
			d.log.Warn().Err(err).Str("type", string(p.Type)).Msg("Dropping invalid pattern")
			continue
		}
		valid = append(valid, p)
	}

	sort.Slice(valid, func(i, j int) bool {
		if !valid[i].DetectedAt.Equal(valid[j].DetectedAt) {
			return valid[i].DetectedAt.Before(valid[j].DetectedAt)
		}
		return valid[i].Type < valid[j].Type
	})
	return valid, nil
}

// newPattern assembles a Pattern with blended confidence and salience.
// fit and volConfirm are in [0,1]; the hit-rate prior comes from memory.
func (d *Detector) newPattern(anchor models.Bar, ptype models.PatternType, fit, volConfirm float64, bullish bool, metadata map[string]string) models.Pattern {
	hitRate, ok := d.hitRates.HitRate(ptype)
	if !ok {
		hitRate = neutralHitRate
	}

	fit = clamp01(fit)
	volConfirm = clamp01(volConfirm)
	confidence := clamp01(confFitWeight*fit + confVolWeight*volConfirm + confHitWeight*hitRate)
	strength := (0.7*fit + 0.3*volConfirm) * 10

	seed := fmt.Sprintf("%s|%s|%s|%d", anchor.Symbol, anchor.Timeframe, ptype, anchor.OpenTime.UnixMilli())
	return models.Pattern{
		ID:         uuid.NewSHA1(patternIDNamespace, []byte(seed)).String(),
		Type:       ptype,
		Symbol:     anchor.Symbol,
		Timeframe:  anchor.Timeframe,
		Confidence: confidence,
		Strength:   strength,
		DetectedAt: anchor.OpenTime,
		Bullish:    bullish,
		Metadata:   metadata,
	}
}

// priceLevels converts floats to the sorted decimal levels a Pattern carries.
func priceLevels(values ...float64) []decimal.Decimal {
	sort.Float64s(values)
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}
