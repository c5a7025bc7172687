// Package orchestrator owns the trading control loop: it schedules
// per-symbol scan pipelines on an adaptive cadence, serializes ticks per
// symbol, enforces SAFE_MODE, applies hot configuration reloads and exposes
// the health surface. All state transitions happen on the single control
// task; pipelines run concurrently across symbols under a semaphore.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cryptohelm/cryptohelm/internal/analyst"
	"github.com/cryptohelm/cryptohelm/internal/audit"
	"github.com/cryptohelm/cryptohelm/internal/bus"
	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/execution"
	"github.com/cryptohelm/cryptohelm/internal/feed"
	"github.com/cryptohelm/cryptohelm/internal/indicators"
	"github.com/cryptohelm/cryptohelm/internal/learning"
	"github.com/cryptohelm/cryptohelm/internal/patterns"
	"github.com/cryptohelm/cryptohelm/internal/position"
	"github.com/cryptohelm/cryptohelm/internal/risk"
	"github.com/cryptohelm/cryptohelm/internal/scorer"
	"github.com/cryptohelm/cryptohelm/internal/store"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Mode is the orchestrator's operational state.
type Mode string

const (
	ModeStarting Mode = "starting"
	ModeRunning  Mode = "running"
	ModeSafeMode Mode = "safe_mode"
	ModeStopping Mode = "stopping"
)

// schedulerResolution is how often the control loop wakes to check for due
// ticks, cadence changes and SAFE_MODE expiry.
const schedulerResolution = time.Second

type orchMetrics struct {
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	signals      prometheus.Counter
	entries      prometheus.Counter
	suppressed   *prometheus.CounterVec
	mode         prometheus.Gauge
	cadence      *prometheus.GaugeVec
}

var (
	orchMetricsInstance *orchMetrics
	orchMetricsOnce     sync.Once
)

func getOrchMetrics() *orchMetrics {
	orchMetricsOnce.Do(func() {
		orchMetricsInstance = &orchMetrics{
			ticks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "orchestrator_ticks_total",
				Help: "Symbol pipeline ticks by outcome",
			}, []string{"outcome"}),
			tickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "orchestrator_tick_duration_seconds",
				Help:    "Duration of one symbol pipeline tick",
				Buckets: prometheus.DefBuckets,
			}),
			signals: promauto.NewCounter(prometheus.CounterOpts{
				Name: "orchestrator_signals_total",
				Help: "Signals emitted by the scorer",
			}),
			entries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "orchestrator_entries_total",
				Help: "Entry orders submitted",
			}),
			suppressed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "orchestrator_entries_suppressed_total",
				Help: "Entries suppressed by reason",
			}, []string{"reason"}),
			mode: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "orchestrator_mode",
				Help: "Operational mode (0=starting 1=running 2=safe_mode 3=stopping)",
			}),
			cadence: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "orchestrator_cadence_seconds",
				Help: "Current scan cadence per symbol",
			}, []string{"symbol"}),
		}
	})
	return orchMetricsInstance
}

// Deps are the collaborators the orchestrator coordinates. All are required
// except Bus, which defaults to a no-op publisher.
type Deps struct {
	Config    *config.Watcher
	Ingestor  *feed.Ingestor
	Engine    *indicators.Engine
	Detector  *patterns.Detector
	Router    *analyst.Router
	Scorer    *scorer.Scorer
	Gate      *risk.Gate
	Exec      *execution.Client
	Positions *position.Manager
	Memory    *learning.Memory
	Store     store.StateStore
	Audit     *audit.Chain
	Bus       bus.Bus
	Clock     clock.Clock
	Log       zerolog.Logger
}

// pendingEntry is an admitted intent whose entry order has no fills yet.
// The control loop re-queries it until fills arrive or the order dies.
type pendingEntry struct {
	signal  models.Signal
	intent  models.OrderIntent
	group   string
	pattern models.PatternType
}

// Orchestrator is the control surface and scheduler of the trading core.
type Orchestrator struct {
	cfgw      *config.Watcher
	ingestor  *feed.Ingestor
	engine    *indicators.Engine
	detector  *patterns.Detector
	router    *analyst.Router
	gate      *risk.Gate
	exec      *execution.Client
	positions *position.Manager
	memory    *learning.Memory
	st        store.StateStore
	chain     *audit.Chain
	bus       bus.Bus
	clk       clock.Clock
	log       zerolog.Logger
	m         *orchMetrics

	sem *semaphore.Weighted

	// scorerMu guards the scorer, which is rebuilt on accepted config
	// reloads; the calibrator inside survives swaps.
	scorerMu sync.RWMutex
	scorer   *scorer.Scorer

	mu             sync.Mutex
	mode           Mode
	safeModeUntil  time.Time
	safeModeReason string
	cadence        map[string]time.Duration
	nextTick       map[string]time.Time
	lastTick       map[string]time.Time
	symLocks       map[string]*sync.Mutex
	skewedUntil    map[string]time.Time
	pending        map[string]pendingEntry
	vol            map[string]*volTracker
	compErrors     map[string]componentError

	lastRecalibrate time.Time
	lastReloadPoll  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an orchestrator from its collaborators. The configuration
// snapshot is read through the watcher on every tick, so reloads apply from
// the next tick without interrupting in-flight pipelines.
func New(d Deps) (*Orchestrator, error) {
	if d.Config == nil || d.Ingestor == nil || d.Engine == nil || d.Detector == nil ||
		d.Router == nil || d.Scorer == nil || d.Gate == nil || d.Exec == nil ||
		d.Positions == nil || d.Store == nil || d.Audit == nil || d.Clock == nil {
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	if d.Bus == nil {
		d.Bus = bus.Noop{}
	}
	cfg := d.Config.Current()
	concurrency := cfg.Orchestrator.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	o := &Orchestrator{
		cfgw:        d.Config,
		ingestor:    d.Ingestor,
		engine:      d.Engine,
		detector:    d.Detector,
		router:      d.Router,
		scorer:      d.Scorer,
		gate:        d.Gate,
		exec:        d.Exec,
		positions:   d.Positions,
		memory:      d.Memory,
		st:          d.Store,
		chain:       d.Audit,
		bus:         d.Bus,
		clk:         d.Clock,
		log:         d.Log.With().Str("component", "orchestrator").Logger(),
		m:           getOrchMetrics(),
		sem:         semaphore.NewWeighted(int64(concurrency)),
		mode:        ModeStarting,
		cadence:     make(map[string]time.Duration),
		nextTick:    make(map[string]time.Time),
		lastTick:    make(map[string]time.Time),
		symLocks:    make(map[string]*sync.Mutex),
		skewedUntil: make(map[string]time.Time),
		pending:     make(map[string]pendingEntry),
		vol:         make(map[string]*volTracker),
		compErrors:  make(map[string]componentError),
	}
	o.m.mode.Set(0)

	d.Config.OnChange(func(ev config.ChangeEvent) { o.onConfigChange(ev) })
	if d.Memory != nil {
		d.Positions.OnClosed(func(p models.Position) { o.onPositionClosed(p) })
	}
	return o, nil
}

// Start restores persisted state, launches the feed and the control loop,
// and transitions to running. It returns once the loops are up.
func (o *Orchestrator) Start(ctx context.Context) error {
	cfg := o.cfgw.Current()
	o.log.Info().Msg("Starting orchestrator")

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if err := o.exec.Rehydrate(runCtx); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: rehydrate executions: %w", err)
	}
	if err := o.positions.Restore(runCtx); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: restore positions: %w", err)
	}
	if o.memory != nil {
		if err := o.memory.Restore(runCtx); err != nil {
			cancel()
			return fmt.Errorf("orchestrator: restore learning memory: %w", err)
		}
	}

	symbols, timeframes := enabledInstruments(cfg)
	now := o.clk.Now()
	o.mu.Lock()
	for _, sym := range symbols {
		o.cadence[sym] = o.initialCadence(cfg)
		o.nextTick[sym] = now
		o.symLocks[sym] = &sync.Mutex{}
		o.vol[sym] = newVolTracker(volWindow)
	}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.ingestor.Run(runCtx, symbols, timeframes); err != nil && runCtx.Err() == nil {
			o.recordComponentError("feed", err)
			o.log.Error().Err(err).Msg("Feed ingestor stopped")
		}
	}()

	o.wg.Add(1)
	go o.intakeLoop(runCtx)

	o.wg.Add(1)
	go o.skewLoop(runCtx)

	o.wg.Add(1)
	go o.controlLoop(runCtx)

	o.cfgw.Watch()

	o.setMode(ModeRunning)
	o.auditEvent(runCtx, "orchestrator_started", map[string]any{
		"symbols": symbols,
		"mode":    string(ModeRunning),
	})
	o.log.Info().Strs("symbols", symbols).Msg("Orchestrator running")
	return nil
}

// Stop shuts the orchestrator down, waiting up to gracefulDeadline for
// in-flight pipelines to finish.
func (o *Orchestrator) Stop(gracefulDeadline time.Duration) error {
	o.setMode(ModeStopping)
	o.log.Info().Dur("deadline", gracefulDeadline).Msg("Stopping orchestrator")
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info().Msg("Orchestrator stopped")
		return nil
	case <-time.After(gracefulDeadline):
		return fmt.Errorf("orchestrator: stop deadline %s exceeded", gracefulDeadline)
	}
}

// Mode returns the current operational mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// ReloadConfig forces a configuration reload. Rejected configs keep the
// previous snapshot; the outcome is audited either way via onConfigChange.
func (o *Orchestrator) ReloadConfig() error {
	return o.cfgw.Reload()
}

// controlLoop is the single task that owns state transitions. It fires due
// symbol ticks, reconciles pending entries, polls the config source, expires
// SAFE_MODE and recalibrates the learning memory.
func (o *Orchestrator) controlLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := o.clk.NewTicker(schedulerResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.step(ctx)
		}
	}
}

// step runs one control-loop iteration. Exported to the tests through the
// package boundary only.
func (o *Orchestrator) step(ctx context.Context) {
	now := o.clk.Now()
	cfg := o.cfgw.Current()

	o.maybeExitSafeMode(ctx, now)
	o.pollConfig(now, cfg)
	o.reconcilePending(ctx)
	o.recalibrate(ctx, now, cfg)
	o.gate.Ledger().Rollover(now)

	for _, sym := range o.dueSymbols(now) {
		sym := sym
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.sem.Release(1)
			o.tickSymbol(ctx, sym, cfg)
		}()
	}
}

// dueSymbols returns the symbols whose next tick has arrived and advances
// their schedule under the current cadence.
func (o *Orchestrator) dueSymbols(now time.Time) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var due []string
	for sym, at := range o.nextTick {
		if now.Before(at) {
			continue
		}
		due = append(due, sym)
		o.lastTick[sym] = now
		o.nextTick[sym] = now.Add(o.cadence[sym])
	}
	return due
}

// tickSymbol serializes one symbol's pipeline and updates its cadence from
// the realized volatility and feed health observed during the scan.
func (o *Orchestrator) tickSymbol(ctx context.Context, symbol string, cfg *config.Config) {
	o.mu.Lock()
	lock, ok := o.symLocks[symbol]
	o.mu.Unlock()
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	start := o.clk.Now()
	outcome := o.scanSymbol(ctx, symbol, cfg)
	o.m.tickDuration.Observe(o.clk.Now().Sub(start).Seconds())
	o.m.ticks.WithLabelValues(outcome).Inc()

	o.updateCadence(symbol, cfg)
}

// onConfigChange reacts to reload outcomes: accepted configs reshape the
// risk gate and scorer from the next tick, rejected ones only leave a trace.
func (o *Orchestrator) onConfigChange(ev config.ChangeEvent) {
	ctx := context.Background()
	if !ev.Accepted {
		o.auditEvent(ctx, "config_rejected", map[string]any{"reason": ev.Reason})
		if err := o.bus.PublishConfig(false, ev.Reason); err != nil {
			o.log.Debug().Err(err).Msg("Config event publish failed")
		}
		return
	}
	cfg := o.cfgw.Current()
	o.gate.Reconfigure(cfg.Risk, cfg.Instruments)

	o.scorerMu.Lock()
	calibrator := o.scorer.Calibrator()
	o.scorer = scorer.NewScorer(cfg.Scorer, o.memory, calibrator, o.clk, o.log)
	o.scorerMu.Unlock()

	o.auditEvent(ctx, "config_accepted", nil)
	if err := o.bus.PublishConfig(true, ""); err != nil {
		o.log.Debug().Err(err).Msg("Config event publish failed")
	}
	o.log.Info().Msg("Configuration reload applied")
}

// pollConfig re-reads the config source on the reload interval, covering
// sources the filesystem watcher cannot see.
func (o *Orchestrator) pollConfig(now time.Time, cfg *config.Config) {
	interval := cfg.Orchestrator.ConfigReloadInterval
	if interval <= 0 {
		return
	}
	o.mu.Lock()
	due := o.lastReloadPoll.IsZero() || now.Sub(o.lastReloadPoll) >= interval
	if due {
		o.lastReloadPoll = now
	}
	o.mu.Unlock()
	if !due {
		return
	}
	// Reload emits change events on both acceptance and rejection
	_ = o.cfgw.Reload()
}

// recalibrate runs the learning memory's weight recalibration on cadence.
func (o *Orchestrator) recalibrate(ctx context.Context, now time.Time, cfg *config.Config) {
	if o.memory == nil {
		return
	}
	interval := cfg.Learning.RecalibrationInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	o.mu.Lock()
	due := o.lastRecalibrate.IsZero() || now.Sub(o.lastRecalibrate) >= interval
	if due {
		o.lastRecalibrate = now
	}
	o.mu.Unlock()
	if !due {
		return
	}
	if err := o.memory.Recalibrate(ctx); err != nil {
		o.recordComponentError("learning", err)
		o.log.Warn().Err(err).Msg("Pattern weight recalibration failed")
	}
}

// intakeLoop drains finalized bars from the ingestor: bars are persisted,
// volatility trackers updated and open positions marked against the close.
func (o *Orchestrator) intakeLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-o.ingestor.Out():
			if !ok {
				return
			}
			o.onBar(ctx, bar)
		}
	}
}

// onBar handles one finalized bar.
func (o *Orchestrator) onBar(ctx context.Context, bar models.Bar) {
	if err := o.st.SaveBars(ctx, []models.Bar{bar}); err != nil {
		o.recordComponentError("state_store", err)
		o.log.Error().Err(err).Str("symbol", bar.Symbol).Msg("Bar persist failed")
	}

	if bar.Timeframe == volTimeframe {
		o.mu.Lock()
		if vt, ok := o.vol[bar.Symbol]; ok {
			vt.Observe(bar)
		}
		o.mu.Unlock()
	}

	if err := o.positions.OnTick(ctx, bar.Symbol, bar.Close); err != nil {
		o.recordComponentError("position", err)
		o.log.Error().Err(err).Str("symbol", bar.Symbol).Msg("Position mark failed")
	}
}

// skewLoop records clock-skew events; a skewed symbol slows down and stops
// entering until the holdoff passes.
func (o *Orchestrator) skewLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.ingestor.SkewEvents():
			if !ok {
				return
			}
			o.mu.Lock()
			o.skewedUntil[ev.Symbol] = ev.ObservedAt.Add(skewHoldoff)
			o.mu.Unlock()
			o.auditEvent(ctx, "clock_skew", map[string]any{
				"symbol":        ev.Symbol,
				"divergence_ms": ev.Divergence.Milliseconds(),
			})
			o.log.Warn().
				Str("symbol", ev.Symbol).
				Dur("divergence", ev.Divergence).
				Msg("Clock skew detected, suppressing entries")
		}
	}
}

// reconcilePending re-queries entry orders that had no fills at submit time
// and opens positions once fills arrive. Dead orders free their risk
// reservation.
func (o *Orchestrator) reconcilePending(ctx context.Context) {
	o.mu.Lock()
	entries := make(map[string]pendingEntry, len(o.pending))
	for id, pe := range o.pending {
		entries[id] = pe
	}
	o.mu.Unlock()

	for clientID, pe := range entries {
		rec, err := o.exec.Query(ctx, clientID)
		if err != nil {
			o.log.Debug().Err(err).Str("client_id", clientID).Msg("Pending entry query failed")
			continue
		}
		switch {
		case rec.FilledQty.IsPositive():
			if _, err := o.positions.Open(ctx, pe.signal, pe.intent, rec, pe.group, pe.pattern); err != nil {
				o.log.Error().Err(err).Str("client_id", clientID).Msg("Open from pending entry failed")
				continue
			}
			o.dropPending(clientID)
		case rec.Status.Terminal():
			o.gate.Ledger().ReleaseReservation(clientID)
			o.dropPending(clientID)
			o.auditEvent(ctx, "entry_dead", map[string]any{
				"client_id": clientID,
				"status":    string(rec.Status),
			})
		}
	}
}

func (o *Orchestrator) trackPending(pe pendingEntry) {
	o.mu.Lock()
	o.pending[pe.intent.ClientID] = pe
	o.mu.Unlock()
}

func (o *Orchestrator) dropPending(clientID string) {
	o.mu.Lock()
	delete(o.pending, clientID)
	o.mu.Unlock()
}

// onPositionClosed feeds closed trades into the learning memory and
// publishes the settlement.
func (o *Orchestrator) onPositionClosed(p models.Position) {
	ctx := context.Background()
	if o.memory != nil {
		if err := o.memory.OnPositionClosed(ctx, p); err != nil {
			o.recordComponentError("learning", err)
			o.log.Error().Err(err).Str("position_id", p.ID).Msg("Learning update failed")
		}
	}
	if err := o.bus.PublishPositionClosed(p, "settled"); err != nil {
		o.log.Debug().Err(err).Msg("Position close publish failed")
	}
	o.auditEvent(ctx, "position_closed", map[string]any{
		"position_id":  p.ID,
		"symbol":       p.Symbol,
		"realized_pnl": p.RealizedPnL.String(),
	})
}

func (o *Orchestrator) setMode(m Mode) {
	o.mu.Lock()
	o.mode = m
	o.mu.Unlock()
	switch m {
	case ModeStarting:
		o.m.mode.Set(0)
	case ModeRunning:
		o.m.mode.Set(1)
	case ModeSafeMode:
		o.m.mode.Set(2)
	case ModeStopping:
		o.m.mode.Set(3)
	}
}

// currentScorer returns the live scorer snapshot.
func (o *Orchestrator) currentScorer() *scorer.Scorer {
	o.scorerMu.RLock()
	defer o.scorerMu.RUnlock()
	return o.scorer
}

// auditEvent appends to the tamper-evident chain. A chain write failure is
// an escalation condition: the orchestrator cannot prove its own actions,
// so it stops taking new ones.
func (o *Orchestrator) auditEvent(ctx context.Context, kind string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, err := o.chain.Append(ctx, kind, payload); err != nil {
		o.recordComponentError("audit", err)
		o.log.Error().Err(err).Str("kind", kind).Msg("Audit append failed")
		if kind != "safe_mode_entered" {
			o.enterSafeMode(ctx, "audit chain unavailable", false)
		}
	}
}

// enabledInstruments flattens the instrument config into the symbol and
// timeframe sets the feed subscribes to.
func enabledInstruments(cfg *config.Config) ([]string, []models.Timeframe) {
	var symbols []string
	tfSet := make(map[models.Timeframe]bool)
	for sym, inst := range cfg.Instruments {
		if !inst.Enabled {
			continue
		}
		symbols = append(symbols, sym)
		for _, tf := range inst.Timeframes {
			tfSet[models.Timeframe(tf)] = true
		}
	}
	var tfs []models.Timeframe
	for _, tf := range models.AllTimeframes {
		if tfSet[tf] {
			tfs = append(tfs, tf)
		}
	}
	if len(tfs) == 0 {
		tfs = models.AllTimeframes
	}
	return symbols, tfs
}
