// Package position drives the trade lifecycle from first fill to settled
// close: open -> monitoring -> adjusting -> monitoring -> closing -> closed.
// Exit intents are idempotent; realized P&L is exact decimal including fees
// and funding.
package position

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/risk"
	"github.com/cryptohelm/cryptohelm/internal/store"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// CloseReason explains why a position was closed.
type CloseReason string

const (
	CloseStopHit   CloseReason = "stop_hit"
	CloseTargetHit CloseReason = "target_hit"
	CloseSafeMode  CloseReason = "safe_mode"
	CloseManual    CloseReason = "manual"
)

// OrderGateway is the slice of the execution client the manager needs.
type OrderGateway interface {
	Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionRecord, error)
	Query(ctx context.Context, clientID string) (models.ExecutionRecord, error)
}

type managerMetrics struct {
	open        prometheus.Gauge
	adjustments prometheus.Counter
	closed      *prometheus.CounterVec
}

var (
	managerMetricsInstance *managerMetrics
	managerMetricsOnce     sync.Once
)

func getManagerMetrics() *managerMetrics {
	managerMetricsOnce.Do(func() {
		managerMetricsInstance = &managerMetrics{
			open: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "position_open_count",
				Help: "Open positions under management",
			}),
			adjustments: promauto.NewCounter(prometheus.CounterOpts{
				Name: "position_adjustments_total",
				Help: "Stop/target adjustments applied",
			}),
			closed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "position_closed_total",
				Help: "Positions closed by reason",
			}, []string{"reason"}),
		}
	})
	return managerMetricsInstance
}

// Manager owns open positions, re-evaluates stops and targets on ticks, and
// settles closes. All state changes are persisted before they take effect
// in the risk ledger.
type Manager struct {
	mu             sync.Mutex
	exec           OrderGateway
	st             store.StateStore
	led            *risk.Ledger
	maxAdjustments int
	clk            clock.Clock
	log            zerolog.Logger
	m              *managerMetrics

	positions map[string]*models.Position
	onClosed  []func(models.Position)
}

// NewManager creates a manager over the shared ledger and state store.
func NewManager(exec OrderGateway, st store.StateStore, led *risk.Ledger, maxAdjustments int, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		exec:           exec,
		st:             st,
		led:            led,
		maxAdjustments: maxAdjustments,
		clk:            clk,
		log:            log.With().Str("component", "position").Logger(),
		m:              getManagerMetrics(),
		positions:      make(map[string]*models.Position),
	}
}

// OnClosed registers a callback fired after a position settles. The
// learning memory subscribes here.
func (mgr *Manager) OnClosed(fn func(models.Position)) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.onClosed = append(mgr.onClosed, fn)
}

// Restore loads open positions from the store after a restart.
func (mgr *Manager) Restore(ctx context.Context) error {
	open, err := mgr.st.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("position: restore: %w", err)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for i := range open {
		p := open[i]
		mgr.positions[p.ID] = &p
		mgr.led.OpenPosition(p.EntryClientID, p.ID, p.Symbol, p.Group, p.OpenRisk(), p.Quantity.Mul(p.AvgEntry))
	}
	mgr.m.open.Set(float64(len(mgr.positions)))
	mgr.log.Info().Int("count", len(open)).Msg("Open positions restored")
	return nil
}

// Open creates a position from the entry execution. The ledger reservation
// made at admission converts into live exposure for the filled quantity
// only, so a partial fill reduces the held risk.
func (mgr *Manager) Open(ctx context.Context, sig models.Signal, intent models.OrderIntent, entry models.ExecutionRecord, group string, pattern models.PatternType) (models.Position, error) {
	if !entry.FilledQty.IsPositive() {
		mgr.led.ReleaseReservation(intent.ClientID)
		return models.Position{}, fmt.Errorf("position: intent %s has no fills", intent.ClientID)
	}

	now := mgr.clk.Now()
	pos := models.Position{
		ID:             uuid.NewString(),
		Symbol:         sig.Symbol,
		Group:          group,
		Direction:      sig.Direction,
		Quantity:       entry.FilledQty,
		AvgEntry:       entry.AvgFillPrice,
		Stop:           sig.Stop,
		Target:         sig.Target,
		State:          models.PositionOpen,
		PatternType:    pattern,
		SignalID:       sig.ID,
		EntryClientID:  intent.ClientID,
		OpenedAt:       now,
		Fees:           entry.TotalFees(),
		InitialRiskPct: intent.RiskPct,
		RawConfidence:  sig.RawConfidence,
	}
	if err := mgr.st.SavePosition(ctx, pos); err != nil {
		return models.Position{}, fmt.Errorf("position: persist %s: %w", pos.ID, err)
	}

	mgr.mu.Lock()
	mgr.positions[pos.ID] = &pos
	mgr.led.OpenPosition(intent.ClientID, pos.ID, pos.Symbol, group, pos.OpenRisk(), pos.Quantity.Mul(pos.AvgEntry))
	mgr.m.open.Set(float64(len(mgr.positions)))
	mgr.mu.Unlock()

	// open transitions straight into monitoring; the state is persisted
	// again so a crash never strands an "open" row
	if err := mgr.transition(ctx, &pos, models.PositionMonitoring); err != nil {
		return pos, err
	}
	mgr.log.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("qty", pos.Quantity.String()).
		Str("avg_entry", pos.AvgEntry.String()).
		Msg("Position opened")
	return pos, nil
}

// OnTick re-evaluates every monitored position of the symbol against the
// mark price: unrealized P&L flows to the ledger, and a stop or target
// breach starts the close.
func (mgr *Manager) OnTick(ctx context.Context, symbol string, mark decimal.Decimal) error {
	mgr.mu.Lock()
	var due []*models.Position
	for _, p := range mgr.positions {
		if p.Symbol == symbol {
			due = append(due, p)
		}
	}
	mgr.mu.Unlock()

	for _, p := range due {
		mgr.led.MarkUnrealized(p.ID, p.UnrealizedPnL(mark))
		if p.State != models.PositionMonitoring {
			continue
		}
		if reason, hit := breach(p, mark); hit {
			if err := mgr.Close(ctx, p.ID, reason); err != nil {
				return err
			}
		} else {
			p.LastCheckAt = mgr.clk.Now()
		}
	}
	return nil
}

func breach(p *models.Position, mark decimal.Decimal) (CloseReason, bool) {
	if p.Direction == models.DirectionLong {
		if mark.LessThanOrEqual(p.Stop) {
			return CloseStopHit, true
		}
		if mark.GreaterThanOrEqual(p.Target) {
			return CloseTargetHit, true
		}
		return "", false
	}
	if mark.GreaterThanOrEqual(p.Stop) {
		return CloseStopHit, true
	}
	if mark.LessThanOrEqual(p.Target) {
		return CloseTargetHit, true
	}
	return "", false
}

// Adjust applies a proposed stop/target update. The adjustment count is
// capped; a capped position keeps its current levels.
func (mgr *Manager) Adjust(ctx context.Context, positionID string, newStop, newTarget decimal.Decimal) error {
	mgr.mu.Lock()
	p, ok := mgr.positions[positionID]
	mgr.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s: %w", positionID, store.ErrNotFound)
	}
	if p.Adjustments >= mgr.maxAdjustments {
		return fmt.Errorf("position %s: adjustment cap %d reached", positionID, mgr.maxAdjustments)
	}

	if err := mgr.transition(ctx, p, models.PositionAdjusting); err != nil {
		return err
	}
	if newStop.IsPositive() {
		p.Stop = newStop
	}
	if newTarget.IsPositive() {
		p.Target = newTarget
	}
	p.Adjustments++
	mgr.led.AdjustPosition(p.ID, p.OpenRisk())
	if err := mgr.transition(ctx, p, models.PositionMonitoring); err != nil {
		return err
	}
	mgr.m.adjustments.Inc()
	mgr.log.Info().
		Str("position_id", p.ID).
		Str("stop", p.Stop.String()).
		Str("target", p.Target.String()).
		Int("adjustments", p.Adjustments).
		Msg("Position adjusted")
	return nil
}

// Close submits the idempotent exit intent and settles if the venue
// reports it filled. Calling Close again on a closing position re-submits
// the same exit client_id, which the execution client deduplicates.
func (mgr *Manager) Close(ctx context.Context, positionID string, reason CloseReason) error {
	mgr.mu.Lock()
	p, ok := mgr.positions[positionID]
	mgr.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s: %w", positionID, store.ErrNotFound)
	}
	if p.State == models.PositionClosed {
		return nil
	}

	if p.State != models.PositionClosing {
		if err := mgr.transition(ctx, p, models.PositionClosing); err != nil {
			return err
		}
	}
	if p.ExitClientID == "" {
		// the exit id derives from the position, so every close attempt
		// produces the same client_id
		p.ExitClientID = models.DeriveClientID(p.ID+"/exit", 0)
		if err := mgr.st.SavePosition(ctx, *p); err != nil {
			return fmt.Errorf("position: persist %s: %w", p.ID, err)
		}
	}

	intent := models.OrderIntent{
		ClientID:    p.ExitClientID,
		Symbol:      p.Symbol,
		Side:        models.ExitSide(p.Direction),
		Type:        models.OrderTypeMarket,
		Quantity:    p.Quantity,
		TimeInForce: models.TIFImmediateOrCancel,
		ReduceOnly:  true,
		CreatedAt:   mgr.clk.Now(),
	}
	rec, err := mgr.exec.Submit(ctx, intent)
	if err != nil {
		return fmt.Errorf("position: exit %s: %w", p.ID, err)
	}
	if rec.Status == models.OrderStatusFilled {
		return mgr.settle(ctx, p, rec, reason)
	}
	mgr.log.Info().Str("position_id", p.ID).Str("status", string(rec.Status)).Msg("Exit pending")
	return nil
}

// Poll settles closing positions whose exit orders have since filled.
func (mgr *Manager) Poll(ctx context.Context) error {
	mgr.mu.Lock()
	var closing []*models.Position
	for _, p := range mgr.positions {
		if p.State == models.PositionClosing && p.ExitClientID != "" {
			closing = append(closing, p)
		}
	}
	mgr.mu.Unlock()

	for _, p := range closing {
		rec, err := mgr.exec.Query(ctx, p.ExitClientID)
		if err != nil {
			return fmt.Errorf("position: poll exit %s: %w", p.ID, err)
		}
		if rec.Status == models.OrderStatusFilled {
			if err := mgr.settle(ctx, p, rec, CloseManual); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseAll starts an idempotent close on every open position. SAFE_MODE
// close-out uses it.
func (mgr *Manager) CloseAll(ctx context.Context, reason CloseReason) error {
	mgr.mu.Lock()
	ids := make([]string, 0, len(mgr.positions))
	for id := range mgr.positions {
		ids = append(ids, id)
	}
	mgr.mu.Unlock()

	for _, id := range ids {
		if err := mgr.Close(ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of every managed position.
func (mgr *Manager) Snapshot() []models.Position {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]models.Position, 0, len(mgr.positions))
	for _, p := range mgr.positions {
		out = append(out, *p)
	}
	return out
}

// AccrueFunding adds a funding payment to an open position. Negative
// values are credits.
func (mgr *Manager) AccrueFunding(ctx context.Context, positionID string, amount decimal.Decimal) error {
	mgr.mu.Lock()
	p, ok := mgr.positions[positionID]
	mgr.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s: %w", positionID, store.ErrNotFound)
	}
	p.Funding = p.Funding.Add(amount)
	return mgr.st.SavePosition(ctx, *p)
}

func (mgr *Manager) settle(ctx context.Context, p *models.Position, exit models.ExecutionRecord, reason CloseReason) error {
	now := mgr.clk.Now()
	p.SettleClose(&exit, decimal.Zero, now)
	if err := p.Transition(models.PositionClosed, now); err != nil {
		return fmt.Errorf("position: settle %s: %w", p.ID, err)
	}
	if err := mgr.st.SavePosition(ctx, *p); err != nil {
		return fmt.Errorf("position: persist %s: %w", p.ID, err)
	}

	mgr.mu.Lock()
	delete(mgr.positions, p.ID)
	mgr.led.ClosePosition(p.ID, p.RealizedPnL, now)
	mgr.m.open.Set(float64(len(mgr.positions)))
	callbacks := make([]func(models.Position), len(mgr.onClosed))
	copy(callbacks, mgr.onClosed)
	mgr.mu.Unlock()

	mgr.m.closed.WithLabelValues(string(reason)).Inc()
	mgr.log.Info().
		Str("position_id", p.ID).
		Str("reason", string(reason)).
		Str("realized_pnl", p.RealizedPnL.String()).
		Msg("Position closed")
	for _, fn := range callbacks {
		fn(*p)
	}
	return nil
}

func (mgr *Manager) transition(ctx context.Context, p *models.Position, to models.PositionState) error {
	if err := p.Transition(to, mgr.clk.Now()); err != nil {
		return err
	}
	if err := mgr.st.SavePosition(ctx, *p); err != nil {
		return fmt.Errorf("position: persist %s: %w", p.ID, err)
	}
	return nil
}
