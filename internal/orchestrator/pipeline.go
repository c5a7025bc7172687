package orchestrator

import (
	"context"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/analyst"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/feed"
	"github.com/cryptohelm/cryptohelm/internal/scorer"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// warmupBars is how many bars the pipeline loads per timeframe. EMA(200)
// needs 200 bars of warmup before the engine emits it; the margin covers
// the other indicators' own warmups stacking on top.
const warmupBars = 260

// Tick outcomes for the orchestrator_ticks_total metric.
const (
	outcomeNoData     = "no_data"
	outcomeNoSignal   = "no_signal"
	outcomeSuppressed = "suppressed"
	outcomeRejected   = "rejected"
	outcomeEntered    = "entered"
	outcomePending    = "entry_pending"
	outcomeError      = "error"
)

// scanSymbol runs one full pipeline pass for a symbol: features, analysts,
// confluence, risk admission and entry submission. It returns the tick
// outcome label. The caller holds the symbol lock.
func (o *Orchestrator) scanSymbol(ctx context.Context, symbol string, cfg *config.Config) string {
	deadline := cfg.Orchestrator.TickDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancelTick := context.WithTimeout(ctx, deadline)
	defer cancelTick()

	inst, ok := cfg.Instruments[symbol]
	if !ok || !inst.Enabled {
		return outcomeSuppressed
	}

	now := o.clk.Now()
	snaps := make(map[models.Timeframe]models.IndicatorSnapshot)
	var allPatterns []models.Pattern
	var lastClose models.Bar
	var haveClose bool

	for _, tfs := range inst.Timeframes {
		tf := models.Timeframe(tfs)
		if !tf.Valid() {
			continue
		}
		from := now.Add(-time.Duration(warmupBars) * tf.Duration())
		bars, err := o.st.Bars(ctx, symbol, tf, from, now)
		if err != nil {
			o.recordComponentError("state_store", err)
			o.log.Error().Err(err).Str("symbol", symbol).Msg("Bar window load failed")
			return outcomeError
		}
		if len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		if !haveClose || last.CloseTime().After(lastClose.CloseTime()) {
			lastClose = last
			haveClose = true
		}

		snap, err := o.engine.Compute(bars)
		if err != nil {
			o.log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("Indicator window too short")
			continue
		}
		snaps[tf] = *snap

		pats, err := o.detector.Detect(bars, []models.IndicatorSnapshot{*snap})
		if err != nil {
			o.recordComponentError("patterns", err)
			o.log.Warn().Err(err).Str("symbol", symbol).Msg("Pattern detection failed")
		} else {
			allPatterns = append(allPatterns, pats...)
		}
	}

	if !haveClose || len(snaps) == 0 {
		return outcomeNoData
	}

	volPct := o.volPercentile(symbol)
	regime, _ := scorer.DetectRegime(snaps)
	verdicts := o.consultAnalysts(ctx, symbol, cfg, snaps, allPatterns, regime, lastClose)

	in := scorer.Input{
		Symbol:               symbol,
		LastClose:            lastClose.Close,
		Snapshots:            snaps,
		Patterns:             allPatterns,
		Verdicts:             verdicts,
		VolatilityPercentile: volPct,
	}
	sig, breakdown, ok := o.currentScorer().Score(in)
	if !ok {
		return outcomeNoSignal
	}
	o.m.signals.Inc()
	o.log.Info().
		Str("symbol", symbol).
		Str("direction", string(sig.Direction)).
		Float64("confluence", sig.ConfluenceScore).
		Float64("calibrated_confidence", sig.CalibratedConfidence).
		Str("regime", string(breakdown.Regime)).
		Msg("Signal emitted")

	if reason, suppressed := o.entriesSuppressed(symbol, now); suppressed {
		o.m.suppressed.WithLabelValues(reason).Inc()
		o.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("Entry suppressed")
		return outcomeSuppressed
	}

	intent, rej := o.gate.Admit(sig)
	if rej != nil {
		o.auditEvent(ctx, "admission_rejected", map[string]any{
			"signal_id": sig.ID,
			"symbol":    symbol,
			"code":      string(rej.Code),
			"reason":    rej.Reason,
		})
		if err := o.bus.PublishRejection(sig, string(rej.Code), rej.Reason); err != nil {
			o.log.Debug().Err(err).Msg("Rejection publish failed")
		}
		if rej.TriggerSafeMode {
			o.enterSafeMode(ctx, rej.Reason, rej.Extended)
		}
		return outcomeRejected
	}

	return o.enter(ctx, sig, intent, inst, allPatterns)
}

// enter submits the admitted intent and opens the position for whatever
// quantity filled. Unfilled entries stay pending; failed ones free their
// risk reservation immediately.
func (o *Orchestrator) enter(ctx context.Context, sig models.Signal, intent models.OrderIntent, inst config.InstrumentConfig, pats []models.Pattern) string {
	o.auditEvent(ctx, "signal_admitted", map[string]any{
		"signal_id":  sig.ID,
		"client_id":  intent.ClientID,
		"symbol":     sig.Symbol,
		"direction":  string(sig.Direction),
		"quantity":   intent.Quantity.String(),
		"confluence": sig.ConfluenceScore,
	})
	if err := o.bus.PublishDecision(sig, intent); err != nil {
		o.log.Debug().Err(err).Msg("Decision publish failed")
	}

	pattern := dominantPattern(pats)
	rec, err := o.exec.Submit(ctx, intent)
	if err != nil {
		o.gate.Ledger().ReleaseReservation(intent.ClientID)
		o.recordComponentError("execution", err)
		o.auditEvent(ctx, "entry_failed", map[string]any{
			"client_id": intent.ClientID,
			"reason":    err.Error(),
		})
		return outcomeError
	}
	o.m.entries.Inc()

	if !rec.FilledQty.IsPositive() {
		o.trackPending(pendingEntry{
			signal:  sig,
			intent:  intent,
			group:   inst.CorrelationGroup,
			pattern: pattern,
		})
		return outcomePending
	}
	if _, err := o.positions.Open(ctx, sig, intent, rec, inst.CorrelationGroup, pattern); err != nil {
		o.recordComponentError("position", err)
		o.log.Error().Err(err).Str("client_id", intent.ClientID).Msg("Position open failed")
		return outcomeError
	}
	return outcomeEntered
}

// consultAnalysts builds the compact feature pack and routes it. An empty
// verdict set is a normal outcome the scorer absorbs.
func (o *Orchestrator) consultAnalysts(ctx context.Context, symbol string, cfg *config.Config, snaps map[models.Timeframe]models.IndicatorSnapshot, pats []models.Pattern, regime models.Regime, last models.Bar) []models.AnalystVerdict {
	primary, ok := primarySnapshot(snaps)
	if !ok {
		return nil
	}
	summaries := make([]analyst.PatternSummary, 0, len(pats))
	for _, p := range pats {
		summaries = append(summaries, analyst.PatternSummary{
			Type:       p.Type,
			Confidence: p.Confidence,
			Strength:   p.Strength,
			Bullish:    p.Bullish,
		})
	}
	req := analyst.AnalysisRequest{
		Features: analyst.FeaturePack{
			Symbol:     symbol,
			Timeframe:  primary.Timeframe,
			Regime:     regime,
			LastClose:  last.Close.String(),
			Indicators: primary.Values,
			Patterns:   summaries,
		},
		Policy: cfg.Router.Policy,
	}
	verdicts, err := o.router.Route(ctx, req)
	if err != nil {
		o.recordComponentError("analyst", err)
		o.log.Warn().Err(err).Str("symbol", symbol).Msg("Analyst routing failed")
		return nil
	}
	return verdicts
}

// entriesSuppressed reports whether new exposure for the symbol is blocked
// right now, and why.
func (o *Orchestrator) entriesSuppressed(symbol string, now time.Time) (string, bool) {
	o.mu.Lock()
	mode := o.mode
	skewed := now.Before(o.skewedUntil[symbol])
	o.mu.Unlock()

	if mode != ModeRunning {
		return string(mode), true
	}
	if o.ingestor.SymbolStatus(symbol) == feed.StatusDegraded {
		return "feed_degraded", true
	}
	if skewed {
		return "clock_skew", true
	}
	return "", false
}

// primarySnapshot picks the shortest timeframe present, which carries the
// freshest context for the analysts.
func primarySnapshot(snaps map[models.Timeframe]models.IndicatorSnapshot) (models.IndicatorSnapshot, bool) {
	for _, tf := range models.AllTimeframes {
		if snap, ok := snaps[tf]; ok {
			return snap, true
		}
	}
	return models.IndicatorSnapshot{}, false
}

// dominantPattern attributes the trade to the most salient pattern, ties
// resolved by earlier detection.
func dominantPattern(pats []models.Pattern) models.PatternType {
	var best models.Pattern
	var have bool
	for _, p := range pats {
		score := p.Confidence * p.Strength
		bestScore := best.Confidence * best.Strength
		switch {
		case !have, score > bestScore:
			best, have = p, true
		case score == bestScore && p.DetectedAt.Before(best.DetectedAt):
			best = p
		}
	}
	if !have {
		return ""
	}
	return best.Type
}
