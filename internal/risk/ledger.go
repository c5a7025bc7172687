package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/config"
)

// exposure is one open position's (or pending intent's) footprint in the
// risk accounting.
type exposure struct {
	symbol   string
	group    string
	risk     decimal.Decimal // qty * stop distance
	notional decimal.Decimal // qty * entry
}

// Ledger is the in-memory risk accounting the gate checks against: open
// exposures by position, pending reservations for admitted-but-unfilled
// intents, equity marks and realized loss accumulators. The durable copy
// lives in the state store; the ledger is rebuilt from it on startup.
type Ledger struct {
	mu sync.RWMutex

	equity       decimal.Decimal
	peakEquity   decimal.Decimal            // intraday peak for drawdown_basis peak_equity
	positions    map[string]exposure        // by position id
	reservations map[string]exposure        // by client id
	unrealized   map[string]decimal.Decimal // by position id

	dayStart      time.Time
	dayRealized   decimal.Decimal
	monthStart    time.Time
	monthRealized decimal.Decimal
}

// NewLedger creates an empty ledger anchored at now.
func NewLedger(equity decimal.Decimal, now time.Time) *Ledger {
	return &Ledger{
		equity:       equity,
		peakEquity:   equity,
		positions:    make(map[string]exposure),
		reservations: make(map[string]exposure),
		unrealized:   make(map[string]decimal.Decimal),
		dayStart:     now.UTC().Truncate(24 * time.Hour),
		monthStart:   monthOf(now),
	}
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// SetEquity updates the account equity mark.
func (l *Ledger) SetEquity(equity decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.equity = equity
	if equity.GreaterThan(l.peakEquity) {
		l.peakEquity = equity
	}
}

// Equity returns the current equity mark.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equity
}

// Reserve records risk for an admitted intent before it fills, so
// subsequent admissions in the same cycle see it.
func (l *Ledger) Reserve(clientID, symbol, group string, risk, notional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reservations[clientID] = exposure{symbol: symbol, group: group, risk: risk, notional: notional}
}

// ReleaseReservation drops a reservation (rejected or cancelled intent).
func (l *Ledger) ReleaseReservation(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, clientID)
}

// OpenPosition converts a reservation into a live exposure.
func (l *Ledger) OpenPosition(clientID, positionID, symbol, group string, risk, notional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, clientID)
	l.positions[positionID] = exposure{symbol: symbol, group: group, risk: risk, notional: notional}
}

// AdjustPosition updates a live exposure after a stop adjustment.
func (l *Ledger) AdjustPosition(positionID string, risk decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.positions[positionID]; ok {
		e.risk = risk
		l.positions[positionID] = e
	}
}

// MarkUnrealized updates the mark-to-market P&L for one position.
func (l *Ledger) MarkUnrealized(positionID string, pnl decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unrealized[positionID] = pnl
}

// ClosePosition removes the exposure and folds realized P&L into the daily
// and monthly accumulators, rolling them over when the period changed.
func (l *Ledger) ClosePosition(positionID string, realized decimal.Decimal, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, positionID)
	delete(l.unrealized, positionID)
	l.rollover(now)
	l.dayRealized = l.dayRealized.Add(realized)
	l.monthRealized = l.monthRealized.Add(realized)
	l.equity = l.equity.Add(realized)
	if l.equity.GreaterThan(l.peakEquity) {
		l.peakEquity = l.equity
	}
}

func (l *Ledger) rollover(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(l.dayStart) {
		l.dayStart = day
		l.dayRealized = decimal.Zero
		// drawdown peak resets with the trading day under the
		// peak_equity basis
		l.peakEquity = l.equity
	}
	if m := monthOf(now); m.After(l.monthStart) {
		l.monthStart = m
		l.monthRealized = decimal.Zero
	}
}

// Rollover advances the daily/monthly accumulators without closing
// anything; the orchestrator calls it on its tick.
func (l *Ledger) Rollover(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(now)
}

// OpenRisk sums risk across live exposures and reservations.
func (l *Ledger) OpenRisk() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, e := range l.positions {
		sum = sum.Add(e.risk)
	}
	for _, e := range l.reservations {
		sum = sum.Add(e.risk)
	}
	return sum
}

// GroupRisk sums risk across exposures in one correlation group.
func (l *Ledger) GroupRisk(group string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	if group == "" {
		return sum
	}
	for _, e := range l.positions {
		if e.group == group {
			sum = sum.Add(e.risk)
		}
	}
	for _, e := range l.reservations {
		if e.group == group {
			sum = sum.Add(e.risk)
		}
	}
	return sum
}

// OpenNotional sums notional across live exposures and reservations.
func (l *Ledger) OpenNotional() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, e := range l.positions {
		sum = sum.Add(e.notional)
	}
	for _, e := range l.reservations {
		sum = sum.Add(e.notional)
	}
	return sum
}

// HasExposure reports whether the symbol already has a live position or
// reservation.
func (l *Ledger) HasExposure(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.positions {
		if e.symbol == symbol {
			return true
		}
	}
	for _, e := range l.reservations {
		if e.symbol == symbol {
			return true
		}
	}
	return false
}

// DailyLoss returns today's loss as a positive number; a profitable day
// returns zero. Under the mark_to_market basis open positions contribute
// their unrealized P&L, under realized they do not.
func (l *Ledger) DailyLoss(basis config.DrawdownBasis) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.dayRealized
	if basis == config.DrawdownMarkToMarket {
		for _, u := range l.unrealized {
			total = total.Add(u)
		}
	}
	if total.IsNegative() {
		return total.Neg()
	}
	return decimal.Zero
}

// MonthlyLoss returns the calendar month's cumulative realized loss as a
// positive number.
func (l *Ledger) MonthlyLoss() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.monthRealized.IsNegative() {
		return l.monthRealized.Neg()
	}
	return decimal.Zero
}

// Drawdown computes the current loss fraction under the configured basis:
// mark-to-market against equity plus unrealized, or realized-only daily
// loss, both relative to the period's peak equity.
func (l *Ledger) Drawdown(basis config.DrawdownBasis) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.peakEquity.IsPositive() {
		return 0
	}

	current := l.equity
	if basis == config.DrawdownMarkToMarket {
		for _, u := range l.unrealized {
			current = current.Add(u)
		}
	}
	dd, _ := l.peakEquity.Sub(current).Div(l.peakEquity).Float64()
	if dd < 0 {
		return 0
	}
	return dd
}
