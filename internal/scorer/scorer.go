// Package scorer combines indicators, patterns and analyst verdicts into a
// confluence score and, past the entry threshold, a directional Signal with
// ATR-derived stop and target.
package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/indicators"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// PatternWeightProvider reports the learned weight for a pattern type,
// bounded to [0.5, 2.0]. The learning memory implements it.
type PatternWeightProvider interface {
	Weight(models.PatternType) float64
}

type unitWeights struct{}

func (unitWeights) Weight(models.PatternType) float64 { return 1 }

// Input is everything the scorer needs for one symbol evaluation.
type Input struct {
	Symbol    string
	LastClose decimal.Decimal
	// Snapshots holds the freshest snapshot per timeframe.
	Snapshots map[models.Timeframe]models.IndicatorSnapshot
	Patterns  []models.Pattern
	Verdicts  []models.AnalystVerdict
	// VolatilityPercentile is the symbol's realized-volatility rank in [0,1].
	VolatilityPercentile float64
}

// Breakdown exposes the component scores for audit and health endpoints.
// Components are in [-10, +10].
type Breakdown struct {
	Trend      float64 `json:"trend"`
	Momentum   float64 `json:"momentum"`
	Volatility float64 `json:"volatility"`
	Volume     float64 `json:"volume"`
	Pattern    float64 `json:"pattern"`
	Analyst    float64 `json:"analyst"`
	Composite  float64 `json:"composite"` // [-10, +10]
	Regime     models.Regime
	RegimeConf float64 `json:"regime_confidence"`
}

// Scorer computes confluence and emits signals.
type Scorer struct {
	cfg        config.ScorerConfig
	weights    PatternWeightProvider
	calibrator *Calibrator
	clk        clock.Clock
	log        zerolog.Logger
}

// NewScorer creates a scorer. weights may be nil (unit weights); the
// calibrator is shared with the learning memory, which feeds it outcomes.
func NewScorer(cfg config.ScorerConfig, weights PatternWeightProvider, calibrator *Calibrator, clk clock.Clock, log zerolog.Logger) *Scorer {
	if weights == nil {
		weights = unitWeights{}
	}
	if calibrator == nil {
		calibrator = NewCalibrator()
	}
	return &Scorer{
		cfg:        cfg,
		weights:    weights,
		calibrator: calibrator,
		clk:        clk,
		log:        log.With().Str("component", "scorer").Logger(),
	}
}

// Calibrator returns the shared confidence calibrator.
func (s *Scorer) Calibrator() *Calibrator { return s.calibrator }

// Score evaluates one symbol. It returns the signal and true when the
// confluence clears the entry threshold, the calibrated confidence clears
// its floor and the regime admits the direction; otherwise the Breakdown
// still describes what was seen.
func (s *Scorer) Score(in Input) (models.Signal, Breakdown, bool) {
	regime, regimeConf := DetectRegime(in.Snapshots)
	tfWeights := TimeframeWeights(s.cfg.TimeframeBaseWeights, in.VolatilityPercentile, regime)

	bd := Breakdown{Regime: regime, RegimeConf: regimeConf}
	for tf, w := range tfWeights {
		snap, ok := in.Snapshots[tf]
		if !ok || w == 0 {
			continue
		}
		bd.Trend += w * trendScore(snap)
		bd.Momentum += w * momentumScore(snap)
		bd.Volatility += w * volatilityScore(snap)
		bd.Volume += w * volumeScore(snap)
	}
	bd.Pattern = s.patternScore(in.Patterns)
	bd.Analyst = analystScore(in.Verdicts)

	w := s.cfg.Weights
	bd.Composite = clampF(
		w.Trend*bd.Trend+
			w.Momentum*bd.Momentum+
			w.Volatility*bd.Volatility+
			w.Volume*bd.Volume+
			w.Pattern*bd.Pattern+
			w.Analyst*bd.Analyst,
		-10, 10)

	confluence := abs(bd.Composite) * 10
	raw := clampF(confluence/100, 0, 1)
	calibrated := s.calibrator.Calibrate(raw)

	var dir models.Direction
	switch {
	case bd.Composite > 0:
		dir = models.DirectionLong
	case bd.Composite < 0:
		dir = models.DirectionShort
	default:
		return models.Signal{}, bd, false
	}

	if confluence < s.cfg.EntryThreshold {
		return models.Signal{}, bd, false
	}
	if calibrated < s.cfg.MinCalibratedConfidence {
		s.log.Debug().Str("symbol", in.Symbol).Float64("calibrated", calibrated).
			Msg("Confluence cleared but confidence floor did not")
		return models.Signal{}, bd, false
	}
	if !regimeAllows(regime, dir) {
		s.log.Debug().Str("symbol", in.Symbol).Str("regime", string(regime)).
			Str("direction", string(dir)).Msg("Regime gates out direction")
		return models.Signal{}, bd, false
	}

	sig, err := s.emit(in, dir, confluence, raw, calibrated, regime)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", in.Symbol).Msg("Signal emission failed validation")
		return models.Signal{}, bd, false
	}
	return sig, bd, true
}

// emit builds the signal: entry at last close, stop at entry -/+ k*ATR and
// target placed so risk/reward meets the floor, stretched by confluence.
func (s *Scorer) emit(in Input, dir models.Direction, confluence, raw, calibrated float64, regime models.Regime) (models.Signal, error) {
	atr := s.entryATR(in)
	if atr <= 0 {
		return models.Signal{}, fmt.Errorf("no usable ATR for %s", in.Symbol)
	}
	if in.LastClose.IsZero() {
		return models.Signal{}, fmt.Errorf("no last close for %s", in.Symbol)
	}

	k := s.cfg.StopATRMultiple
	if k <= 0 {
		k = 2
	}
	risk := decimal.NewFromFloat(k * atr)

	rr := 1 + confluence/40
	if rr < s.cfg.MinRiskReward {
		rr = s.cfg.MinRiskReward
	}
	reward := risk.Mul(decimal.NewFromFloat(rr))

	entry := in.LastClose
	var stop, target decimal.Decimal
	if dir == models.DirectionLong {
		stop = entry.Sub(risk)
		target = entry.Add(reward)
	} else {
		stop = entry.Add(risk)
		target = entry.Sub(reward)
	}
	if !stop.IsPositive() || !target.IsPositive() {
		return models.Signal{}, fmt.Errorf("degenerate price levels for %s", in.Symbol)
	}

	now := s.clk.Now()
	sig := models.Signal{
		ID:                   uuid.New().String(),
		Symbol:               in.Symbol,
		Direction:            dir,
		ConfluenceScore:      confluence,
		CalibratedConfidence: calibrated,
		RawConfidence:        raw,
		Entry:                entry,
		Stop:                 stop,
		Target:               target,
		Priority:             priorityFor(confluence),
		Evidence:             evidenceIDs(in),
		Regime:               regime,
		IssuedAt:             now,
		ExpiresAt:            now.Add(s.cfg.SignalTTL),
	}
	sig.RiskReward = sig.ComputeRiskReward()

	if err := sig.Validate(); err != nil {
		return models.Signal{}, err
	}
	return sig, nil
}

// entryATR picks the ATR from the shortest timeframe that has one; stop
// distance tracks the execution horizon, not the trend horizon.
func (s *Scorer) entryATR(in Input) float64 {
	for _, tf := range []models.Timeframe{
		models.Timeframe1h, models.Timeframe15m, models.Timeframe4h, models.Timeframe1d,
	} {
		if snap, ok := in.Snapshots[tf]; ok {
			if atr, ok := snap.Value(indicators.NameATR); ok && atr > 0 {
				return atr
			}
		}
	}
	return 0
}

func priorityFor(confluence float64) int {
	switch {
	case confluence >= 90:
		return 1
	case confluence >= 82:
		return 2
	case confluence >= 74:
		return 3
	case confluence >= 67:
		return 4
	default:
		return 5
	}
}

func evidenceIDs(in Input) []string {
	var ids []string
	for _, p := range in.Patterns {
		ids = append(ids, "pattern:"+p.ID)
	}
	for _, v := range in.Verdicts {
		ids = append(ids, "verdict:"+v.AnalystID)
	}
	for tf, snap := range in.Snapshots {
		ids = append(ids, fmt.Sprintf("bars:%s:%s:%d", in.Symbol, tf, snap.BarTime.UnixMilli()))
	}
	sort.Strings(ids)
	return ids
}

// trendScore reads EMA stack alignment, MACD sign and price momentum.
func trendScore(snap models.IndicatorSnapshot) float64 {
	close, ok1 := snap.Value(indicators.NameClose)
	ema20, ok2 := snap.Value(indicators.NameEMA20)
	ema50, ok3 := snap.Value(indicators.NameEMA50)
	ema200, ok4 := snap.Value(indicators.NameEMA200)
	if !ok1 || !ok2 || !ok3 || !ok4 || ema20 <= 0 {
		return 0
	}

	var s float64
	switch {
	case close > ema20 && ema20 > ema50 && ema50 > ema200:
		s += 5
	case close < ema20 && ema20 < ema50 && ema50 < ema200:
		s -= 5
	case close > ema50 && ema50 > ema200:
		s += 2.5
	case close < ema50 && ema50 < ema200:
		s -= 2.5
	}

	if macd, ok := snap.Value(indicators.NameMACD); ok {
		if macd > 0 {
			s += 2
		} else if macd < 0 {
			s -= 2
		}
	}

	// stretched price vs short EMA adds momentum, capped
	s += clampF((close-ema20)/ema20*100, -3, 3)
	return clampF(s, -10, 10)
}

// momentumScore averages the oscillators, each centered on its midpoint.
func momentumScore(snap models.IndicatorSnapshot) float64 {
	var parts []float64

	if rsi, ok := snap.Value(indicators.NameRSI); ok && !snap.Flagged(indicators.NameRSI) {
		parts = append(parts, (rsi-50)/5)
	}
	if k, ok := snap.Value(indicators.NameStochK); ok {
		parts = append(parts, (k-50)/5)
	}
	if cci, ok := snap.Value(indicators.NameCCI); ok {
		parts = append(parts, clampF(cci/20, -10, 10))
	}
	if mfi, ok := snap.Value(indicators.NameMFI); ok && !snap.Flagged(indicators.NameMFI) {
		parts = append(parts, (mfi-50)/5)
	}
	if len(parts) == 0 {
		return 0
	}

	var sum float64
	for _, p := range parts {
		sum += clampF(p, -10, 10)
	}
	return clampF(sum/float64(len(parts)), -10, 10)
}

// volatilityScore reads the close's position inside the Bollinger band:
// %B above the midpoint supports longs, below supports shorts.
func volatilityScore(snap models.IndicatorSnapshot) float64 {
	close, ok1 := snap.Value(indicators.NameClose)
	upper, ok2 := snap.Value(indicators.NameBBUpper)
	lower, ok3 := snap.Value(indicators.NameBBLower)
	if !ok1 || !ok2 || !ok3 || upper <= lower {
		return 0
	}
	pb := (close - lower) / (upper - lower)
	return clampF((pb-0.5)*20, -10, 10)
}

// volumeScore reads the close against the volume profile value area.
func volumeScore(snap models.IndicatorSnapshot) float64 {
	close, ok1 := snap.Value(indicators.NameClose)
	poc, ok2 := snap.Value(indicators.NameVolumePOC)
	vah, ok3 := snap.Value(indicators.NameVolumeVAH)
	val, ok4 := snap.Value(indicators.NameVolumeVAL)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0
	}
	span := vah - val
	if span <= 0 {
		return 0
	}
	return clampF((close-poc)/span*10, -10, 10)
}

// patternScore sums signed pattern evidence: confidence x strength x the
// learned weight, normalized into [-10, 10].
func (s *Scorer) patternScore(patterns []models.Pattern) float64 {
	var sum float64
	for _, p := range patterns {
		contribution := p.Confidence * p.Strength * s.weights.Weight(p.Type)
		if !p.Bullish {
			contribution = -contribution
		}
		sum += contribution
	}
	// a single clean pattern (conf 1, strength 10, weight 1) saturates
	return clampF(sum, -10, 10)
}

// analystScore is mean sentiment x mean confidence, shrunk by dispersion
// across the verdict set. No verdicts contributes zero, per the router's
// no_verdict semantics.
func analystScore(verdicts []models.AnalystVerdict) float64 {
	if len(verdicts) == 0 {
		return 0
	}

	var signSum, confSum float64
	vals := make([]float64, len(verdicts))
	for i, v := range verdicts {
		vals[i] = v.Sentiment.Sign() * v.Confidence
		signSum += v.Sentiment.Sign()
		confSum += v.Confidence
	}
	meanSign := signSum / float64(len(verdicts))
	meanConf := confSum / float64(len(verdicts))

	var variance float64
	mean := (meanSign * meanConf)
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	dispersion := math.Sqrt(variance / float64(len(vals)))

	score := meanSign * meanConf * 10
	penalty := clampF(1-dispersion, 0.25, 1)
	return clampF(score*penalty, -10, 10)
}
