package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// ingestorMetrics holds Prometheus metrics for the ingestor.
type ingestorMetrics struct {
	barsAccepted    *prometheus.CounterVec
	barsOutOfOrder  *prometheus.CounterVec
	barsInvalid     *prometheus.CounterVec
	parseFailures   *prometheus.CounterVec
	gapsBackfilled  *prometheus.CounterVec
	skewEvents      prometheus.Counter
	degradedSymbols prometheus.Gauge
}

var (
	ingestorMetricsInstance *ingestorMetrics
	ingestorMetricsOnce     sync.Once
)

func getIngestorMetrics() *ingestorMetrics {
	ingestorMetricsOnce.Do(func() {
		ingestorMetricsInstance = &ingestorMetrics{
			barsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "feed_bars_accepted_total",
				Help: "Bars accepted and forwarded downstream",
			}, []string{"symbol", "timeframe"}),
			barsOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "feed_bars_out_of_order_total",
				Help: "Bars discarded for arriving out of open_time order",
			}, []string{"symbol", "timeframe"}),
			barsInvalid: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "feed_bars_invalid_total",
				Help: "Bars discarded for violating OHLC invariants",
			}, []string{"symbol", "timeframe"}),
			parseFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "feed_parse_failures_total",
				Help: "Transport parse failures by classification",
			}, []string{"kind"}),
			gapsBackfilled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "feed_gaps_backfilled_total",
				Help: "Gap backfill requests issued",
			}, []string{"symbol", "timeframe"}),
			skewEvents: promauto.NewCounter(prometheus.CounterOpts{
				Name: "feed_clock_skew_events_total",
				Help: "Reconnects with clock divergence above the guard",
			}),
			degradedSymbols: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "feed_degraded_symbols",
				Help: "Symbols currently marked degraded",
			}),
		}
	})
	return ingestorMetricsInstance
}

// IngestorConfig tunes the ingestor.
type IngestorConfig struct {
	// MaxGapBars is how many missing bars a stream may skip before the
	// symbol is marked degraded until backfill repairs it.
	MaxGapBars int
	// BackoffInitial/Max bound the reconnect backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultIngestorConfig returns production defaults.
func DefaultIngestorConfig() IngestorConfig {
	return IngestorConfig{
		MaxGapBars:     3,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// Ingestor validates and orders the upstream bar stream, requests backfill
// to close gaps, and tracks per-symbol feed health. Accepted bars are
// delivered on Out in strictly increasing open_time per (symbol, timeframe).
type Ingestor struct {
	feed MarketFeed
	cfg  IngestorConfig
	clk  clock.Clock
	log  zerolog.Logger
	m    *ingestorMetrics

	out  chan models.Bar
	skew chan SkewEvent

	mu       sync.RWMutex
	lastSeen map[string]time.Time // (symbol|tf) -> last accepted open_time
	status   map[string]Status    // symbol -> feed status
}

// NewIngestor creates an ingestor over the given market feed.
func NewIngestor(mf MarketFeed, cfg IngestorConfig, clk clock.Clock, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		feed:     mf,
		cfg:      cfg,
		clk:      clk,
		log:      log.With().Str("component", "feed_ingestor").Logger(),
		m:        getIngestorMetrics(),
		out:      make(chan models.Bar, 256),
		skew:     make(chan SkewEvent, 16),
		lastSeen: make(map[string]time.Time),
		status:   make(map[string]Status),
	}
}

// Out is the validated, ordered bar stream.
func (in *Ingestor) Out() <-chan models.Bar { return in.out }

// SkewEvents reports clock-skew observations for cadence adjustment.
func (in *Ingestor) SkewEvents() <-chan SkewEvent { return in.skew }

// SymbolStatus reports the current feed health for a symbol.
func (in *Ingestor) SymbolStatus(symbol string) Status {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if s, ok := in.status[symbol]; ok {
		return s
	}
	return StatusHealthy
}

// Run subscribes to the feed and pumps bars until ctx is cancelled,
// reconnecting with bounded jittered backoff on stream failure.
func (in *Ingestor) Run(ctx context.Context, symbols []string, timeframes []models.Timeframe) error {
	defer close(in.out)

	backoff := in.cfg.BackoffInitial
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !first {
			in.checkSkew(ctx, symbols)
		}
		first = false

		stream, err := in.feed.Subscribe(ctx, symbols, timeframes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sleep := jitter(backoff)
			in.log.Warn().Err(err).Dur("backoff", sleep).Msg("Feed subscribe failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-in.clk.After(sleep):
			}
			backoff = nextBackoff(backoff, in.cfg.BackoffMax)
			continue
		}
		backoff = in.cfg.BackoffInitial

		if err := in.pump(ctx, stream); err != nil {
			return err
		}
		in.log.Warn().Msg("Feed stream closed, reconnecting")
	}
}

// pump consumes one subscription until it closes or ctx is cancelled.
func (in *Ingestor) pump(ctx context.Context, stream <-chan models.Bar) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, ok := <-stream:
			if !ok {
				return nil
			}
			in.Accept(ctx, bar)
		}
	}
}

// Accept validates and orders one bar, emitting it downstream when it
// advances the (symbol, timeframe) series. Gaps trigger backfill; bars that
// regress are discarded with a metric increment.
func (in *Ingestor) Accept(ctx context.Context, bar models.Bar) {
	labels := []string{bar.Symbol, string(bar.Timeframe)}

	if err := bar.Validate(); err != nil {
		in.m.barsInvalid.WithLabelValues(labels...).Inc()
		in.log.Warn().Err(err).Msg("Discarding invalid bar")
		return
	}

	key := bar.Symbol + "|" + string(bar.Timeframe)

	in.mu.Lock()
	last, seen := in.lastSeen[key]
	if seen && !bar.OpenTime.After(last) {
		in.mu.Unlock()
		in.m.barsOutOfOrder.WithLabelValues(labels...).Inc()
		in.log.Debug().
			Str("symbol", bar.Symbol).
			Str("timeframe", string(bar.Timeframe)).
			Time("open_time", bar.OpenTime).
			Time("last", last).
			Msg("Discarding out-of-order bar")
		return
	}
	in.lastSeen[key] = bar.OpenTime
	in.mu.Unlock()

	if seen {
		expected := last.Add(bar.Timeframe.Duration())
		if bar.OpenTime.After(expected) {
			missing := int(bar.OpenTime.Sub(expected) / bar.Timeframe.Duration())
			in.handleGap(ctx, bar.Symbol, bar.Timeframe, expected, bar.OpenTime, missing)
		}
	}

	in.m.barsAccepted.WithLabelValues(labels...).Inc()
	select {
	case in.out <- bar:
	case <-ctx.Done():
	}
}

// handleGap backfills missing bars and marks the symbol degraded when the
// gap exceeds the configured tolerance. Backfilled bars are emitted before
// the bar that exposed the gap only when the store returns them in order;
// otherwise downstream consumers see them via history reads.
func (in *Ingestor) handleGap(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time, missing int) {
	in.m.gapsBackfilled.WithLabelValues(symbol, string(tf)).Inc()
	in.log.Warn().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("missing_bars", missing).
		Msg("Feed gap detected, requesting backfill")

	if missing > in.cfg.MaxGapBars {
		in.setStatus(symbol, StatusDegraded)
	}

	bars, err := in.feed.Backfill(ctx, symbol, tf, from, to)
	if err != nil {
		in.log.Error().Err(err).Str("symbol", symbol).Msg("Backfill failed, symbol stays degraded")
		in.setStatus(symbol, StatusDegraded)
		return
	}

	for _, b := range bars {
		if err := b.Validate(); err != nil {
			continue
		}
		select {
		case in.out <- b:
		case <-ctx.Done():
			return
		}
	}

	if missing <= in.cfg.MaxGapBars || len(bars) >= missing {
		in.setStatus(symbol, StatusHealthy)
	}
}

// checkSkew compares local and server clocks after a reconnect and
// annotates a skew event when divergence exceeds the guard.
func (in *Ingestor) checkSkew(ctx context.Context, symbols []string) {
	serverTime, err := in.feed.ServerTime(ctx)
	if err != nil {
		return
	}
	div := in.clk.Now().Sub(serverTime)
	if div < 0 {
		div = -div
	}
	if div <= maxClockSkew {
		return
	}

	in.m.skewEvents.Inc()
	in.log.Warn().Dur("divergence", div).Msg("Clock skew above guard on reconnect")
	for _, sym := range symbols {
		ev := SkewEvent{Symbol: sym, Divergence: div, ObservedAt: in.clk.Now()}
		select {
		case in.skew <- ev:
		default:
		}
	}
}

// MarkRepaired restores a symbol to healthy after operator or backfill
// repair.
func (in *Ingestor) MarkRepaired(symbol string) {
	in.setStatus(symbol, StatusHealthy)
}

func (in *Ingestor) setStatus(symbol string, s Status) {
	in.mu.Lock()
	prev := in.status[symbol]
	in.status[symbol] = s
	degraded := 0
	for _, st := range in.status {
		if st == StatusDegraded {
			degraded++
		}
	}
	in.mu.Unlock()

	in.m.degradedSymbols.Set(float64(degraded))
	if prev != s {
		in.log.Info().Str("symbol", symbol).Str("status", string(s)).Msg("Feed status changed")
	}
}

// RecordParseFailure classifies a transport parse failure for the
// operational >= 99% parse success target.
func (in *Ingestor) RecordParseFailure(kind ParseFailureKind) {
	in.m.parseFailures.WithLabelValues(string(kind)).Inc()
}

func jitter(d time.Duration) time.Duration {
	// full jitter in [d/2, d)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
