// Package learning converts closed-trade outcomes into pattern weights,
// hit-rate priors, calibrator samples and Kelly statistics. Every closed
// trade contributes exactly once, keyed by position_id, so replaying history
// after a restart never double-counts.
package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/patterns"
	"github.com/cryptohelm/cryptohelm/internal/risk"
	"github.com/cryptohelm/cryptohelm/internal/scorer"
	"github.com/cryptohelm/cryptohelm/internal/store"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

type memoryMetrics struct {
	trades   *prometheus.CounterVec
	weights  *prometheus.GaugeVec
	recalibs prometheus.Counter
}

var (
	memoryMetricsInstance *memoryMetrics
	memoryMetricsOnce     sync.Once
)

func getMemoryMetrics() *memoryMetrics {
	memoryMetricsOnce.Do(func() {
		memoryMetricsInstance = &memoryMetrics{
			trades: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "learning_trades_total",
				Help: "Closed trades folded into the learning memory",
			}, []string{"pattern"}),
			weights: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "learning_pattern_weight",
				Help: "Current pattern weight",
			}, []string{"pattern"}),
			recalibs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "learning_recalibrations_total",
				Help: "Pattern weight recalibration passes",
			}),
		}
	})
	return memoryMetricsInstance
}

// tradeOutcome is one closed trade retained for rolling-window recomputation.
type tradeOutcome struct {
	closedAt  time.Time
	rMultiple float64
	win       bool
	holdSecs  float64
}

// symbolStats accumulates per-symbol trade statistics for Kelly sizing.
type symbolStats struct {
	trades  int
	wins    int
	winSum  float64
	lossSum float64
}

// Memory is the learning store. It consumes closed positions (wired to the
// position manager's OnClosed hook), maintains rolling 30/60/90-day windows
// and a bandit estimator per pattern type, and serves read-only snapshots to
// the scorer, the pattern detector and the risk gate.
type Memory struct {
	mu         sync.Mutex
	cfg        config.LearningConfig
	st         store.StateStore
	bandit     *Bandit
	calibrator *scorer.Calibrator
	clk        clock.Clock
	log        zerolog.Logger
	m          *memoryMetrics

	perf        map[models.PatternType]*models.PatternPerformance
	trades      map[models.PatternType][]tradeOutcome
	symbols     map[string]*symbolStats
	applied     map[string]struct{}
	lastRecalib time.Time
}

var (
	_ scorer.PatternWeightProvider = (*Memory)(nil)
	_ patterns.HitRateProvider     = (*Memory)(nil)
	_ risk.KellyProvider           = (*Memory)(nil)
)

// NewMemory creates a learning memory. The calibrator is shared with the
// scorer; seed fixes bandit exploration for tests.
func NewMemory(cfg config.LearningConfig, st store.StateStore, calibrator *scorer.Calibrator, clk clock.Clock, log zerolog.Logger, seed int64) *Memory {
	if calibrator == nil {
		calibrator = scorer.NewCalibrator()
	}
	return &Memory{
		cfg:        cfg,
		st:         st,
		bandit:     NewBandit(cfg, seed),
		calibrator: calibrator,
		clk:        clk,
		log:        log.With().Str("component", "learning").Logger(),
		m:          getMemoryMetrics(),
		perf:       make(map[models.PatternType]*models.PatternPerformance),
		trades:     make(map[models.PatternType][]tradeOutcome),
		symbols:    make(map[string]*symbolStats),
		applied:    make(map[string]struct{}),
	}
}

// Restore loads persisted pattern performance after a restart. The rolling
// windows resume from their persisted snapshots and refresh as new trades
// close; the applied-position sets come back with them, which is what makes
// replayed closes idempotent.
func (mem *Memory) Restore(ctx context.Context) error {
	all, err := mem.st.AllPatternPerformance(ctx)
	if err != nil {
		return fmt.Errorf("learning: restore: %w", err)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for i := range all {
		p := all[i]
		if p.AppliedPositions == nil {
			p.AppliedPositions = make(map[string]struct{})
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		mem.perf[p.Type] = &p
		mem.m.weights.WithLabelValues(string(p.Type)).Set(p.Weight)
		for id := range p.AppliedPositions {
			mem.applied[id] = struct{}{}
		}
	}
	mem.log.Info().Int("patterns", len(all)).Msg("Learning memory restored")
	return nil
}

// OnPositionClosed folds one closed trade into the memory. Safe to call with
// the same position any number of times.
func (mem *Memory) OnPositionClosed(ctx context.Context, p models.Position) error {
	if p.State != models.PositionClosed {
		return nil
	}
	r := rMultiple(p)
	win := p.RealizedPnL.IsPositive()
	now := mem.clk.Now()

	mem.mu.Lock()
	defer mem.mu.Unlock()

	if _, seen := mem.applied[p.ID]; seen {
		return nil
	}
	mem.applied[p.ID] = struct{}{}

	mem.recordSymbol(p, win)
	if p.RawConfidence > 0 {
		mem.calibrator.AddSample(p.RawConfidence, win)
	}
	if p.PatternType == "" {
		return nil
	}

	perf := mem.perfFor(p.PatternType)
	perf.AppliedPositions[p.ID] = struct{}{}
	mem.bandit.Record(&perf.Bandit, r)

	hold := p.ClosedAt.Sub(p.OpenedAt).Seconds()
	mem.trades[p.PatternType] = append(mem.trades[p.PatternType], tradeOutcome{
		closedAt:  p.ClosedAt,
		rMultiple: r,
		win:       win,
		holdSecs:  hold,
	})
	mem.recomputeWindows(p.PatternType, now)
	perf.UpdatedAt = now

	if err := mem.st.SavePatternPerformance(ctx, *perf); err != nil {
		return fmt.Errorf("learning: persist %s: %w", p.PatternType, err)
	}
	mem.m.trades.WithLabelValues(string(p.PatternType)).Inc()
	mem.log.Debug().
		Str("position_id", p.ID).
		Str("pattern", string(p.PatternType)).
		Float64("r_multiple", r).
		Bool("win", win).
		Msg("Trade outcome recorded")
	return nil
}

// Recalibrate updates pattern weights from the bandit estimates when the
// recalibration cadence has elapsed. Weights are each arm's expected-reward
// score divided by the cross-pattern mean, clamped to [0.5, 2.0]; arms with
// too little history stay neutral at 1.0.
func (mem *Memory) Recalibrate(ctx context.Context) error {
	now := mem.clk.Now()
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if !mem.lastRecalib.IsZero() && now.Sub(mem.lastRecalib) < mem.cfg.RecalibrationInterval {
		return nil
	}
	mem.lastRecalib = now

	var totalPulls int64
	for _, perf := range mem.perf {
		totalPulls += perf.Bandit.Pulls
	}

	eligible := make(map[models.PatternType]float64)
	sum := 0.0
	for pt, perf := range mem.perf {
		if perf.Bandit.Pulls < int64(mem.cfg.MinTradesForWeight) {
			continue
		}
		s := mem.bandit.Score(perf.Bandit, totalPulls)
		eligible[pt] = s
		sum += s
	}

	mean := 0.0
	if len(eligible) > 0 {
		mean = sum / float64(len(eligible))
	}

	for pt, perf := range mem.perf {
		w := 1.0
		if s, ok := eligible[pt]; ok && mean > 0 {
			w = models.ClampWeight(s / mean)
		}
		if w == perf.Weight {
			continue
		}
		perf.Weight = w
		perf.UpdatedAt = now
		if err := mem.st.SavePatternPerformance(ctx, *perf); err != nil {
			return fmt.Errorf("learning: persist %s: %w", pt, err)
		}
		mem.m.weights.WithLabelValues(string(pt)).Set(w)
		mem.log.Info().Str("pattern", string(pt)).Float64("weight", w).Msg("Pattern weight recalibrated")
	}
	mem.m.recalibs.Inc()
	return nil
}

// Weight implements the scorer's pattern weight provider.
func (mem *Memory) Weight(pt models.PatternType) float64 {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if perf, ok := mem.perf[pt]; ok && perf.Weight > 0 {
		return perf.Weight
	}
	return 1
}

// HitRate implements the detector's hit-rate provider from the widest
// rolling window. Patterns with no closed trades report ok=false.
func (mem *Memory) HitRate(pt models.PatternType) (float64, bool) {
	widest := models.WindowDays[len(models.WindowDays)-1]
	mem.mu.Lock()
	defer mem.mu.Unlock()
	perf, ok := mem.perf[pt]
	if !ok {
		return 0, false
	}
	w, ok := perf.Windows[widest]
	if !ok || w.Trades == 0 {
		return 0, false
	}
	return w.WinRate(), true
}

// KellyStats implements the risk gate's per-symbol statistics provider.
func (mem *Memory) KellyStats(symbol string) (risk.KellyStats, bool) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	s, ok := mem.symbols[symbol]
	if !ok || s.trades == 0 {
		return risk.KellyStats{}, false
	}
	stats := risk.KellyStats{
		Trades:  s.trades,
		WinRate: float64(s.wins) / float64(s.trades),
	}
	if s.wins > 0 {
		stats.AvgWin = s.winSum / float64(s.wins)
	}
	if losses := s.trades - s.wins; losses > 0 {
		stats.AvgLoss = s.lossSum / float64(losses)
	}
	return stats, true
}

// Snapshot returns a copy of the current performance state, for the API.
func (mem *Memory) Snapshot() []models.PatternPerformance {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	out := make([]models.PatternPerformance, 0, len(mem.perf))
	for _, perf := range mem.perf {
		out = append(out, *perf)
	}
	return out
}

func (mem *Memory) perfFor(pt models.PatternType) *models.PatternPerformance {
	perf, ok := mem.perf[pt]
	if !ok {
		perf = &models.PatternPerformance{
			Type:             pt,
			Windows:          make(map[int]models.WindowStats),
			Weight:           1,
			AppliedPositions: make(map[string]struct{}),
		}
		mem.perf[pt] = perf
	}
	if perf.Windows == nil {
		perf.Windows = make(map[int]models.WindowStats)
	}
	if perf.AppliedPositions == nil {
		perf.AppliedPositions = make(map[string]struct{})
	}
	return perf
}

func (mem *Memory) recordSymbol(p models.Position, win bool) {
	s, ok := mem.symbols[p.Symbol]
	if !ok {
		s = &symbolStats{}
		mem.symbols[p.Symbol] = s
	}
	s.trades++
	pnl, _ := p.RealizedPnL.Float64()
	if win {
		s.wins++
		s.winSum += pnl
	} else {
		s.lossSum += -pnl
	}
}

// recomputeWindows rebuilds every rolling window for the pattern and prunes
// trades that fell out of the widest one.
func (mem *Memory) recomputeWindows(pt models.PatternType, now time.Time) {
	perf := mem.perf[pt]
	widest := models.WindowDays[len(models.WindowDays)-1]
	cutoff := now.AddDate(0, 0, -widest)

	kept := mem.trades[pt][:0]
	for _, tr := range mem.trades[pt] {
		if tr.closedAt.After(cutoff) {
			kept = append(kept, tr)
		}
	}
	mem.trades[pt] = kept

	for _, days := range models.WindowDays {
		from := now.AddDate(0, 0, -days)
		var w models.WindowStats
		w.Days = days
		var rSum, holdSum float64
		for _, tr := range kept {
			if !tr.closedAt.After(from) {
				continue
			}
			w.Trades++
			if tr.win {
				w.Wins++
			}
			rSum += tr.rMultiple
			holdSum += tr.holdSecs
		}
		if w.Trades > 0 {
			w.ExpectancyR = rSum / float64(w.Trades)
			w.AvgHoldSecs = holdSum / float64(w.Trades)
		}
		perf.Windows[days] = w
	}
}

// rMultiple expresses realized P&L in units of the capital risked at the
// current stop distance. Zero stop distance yields zero.
func rMultiple(p models.Position) float64 {
	riskAmt := p.Quantity.Mul(p.StopDistance())
	if !riskAmt.IsPositive() {
		return 0
	}
	r, _ := p.RealizedPnL.Div(riskAmt).Float64()
	return r
}
