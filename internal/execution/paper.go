package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// PaperVenue is a deterministic in-process venue for paper trading and
// tests. Orders are tracked by client_id with the same idempotency contract
// as a real venue: a second Submit with a known client_id is rejected with
// ErrDuplicateOrder.
type PaperVenue struct {
	mu       sync.Mutex
	clk      clock.Clock
	feeRate  decimal.Decimal
	autoFill bool

	ticks  map[string]decimal.Decimal
	steps  map[string]decimal.Decimal
	marks  map[string]decimal.Decimal
	orders map[string]*paperOrder

	submitFaults []error
	submitCalls  int
}

type paperOrder struct {
	intent models.OrderIntent
	rec    models.ExecutionRecord
}

// NewPaperVenue creates a paper venue. feeRate is the taker fee fraction
// applied to every fill's notional. With autoFill, limit orders fill fully
// at their limit price on submission and market orders at the symbol mark.
func NewPaperVenue(clk clock.Clock, feeRate decimal.Decimal, autoFill bool) *PaperVenue {
	return &PaperVenue{
		clk:      clk,
		feeRate:  feeRate,
		autoFill: autoFill,
		ticks:    make(map[string]decimal.Decimal),
		steps:    make(map[string]decimal.Decimal),
		marks:    make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
	}
}

// SetIncrements declares the venue tick and step for a symbol.
func (v *PaperVenue) SetIncrements(symbol string, tick, step decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ticks[symbol] = tick
	v.steps[symbol] = step
}

// SetMark sets the reference price used to fill market orders.
func (v *PaperVenue) SetMark(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}

// FailNextSubmits queues n injected failures for upcoming Submit calls.
func (v *PaperVenue) FailNextSubmits(n int, transient bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < n; i++ {
		if transient {
			v.submitFaults = append(v.submitFaults, TransientError("submit", "", fmt.Errorf("injected network failure")))
		} else {
			v.submitFaults = append(v.submitFaults, PermanentError("submit", "", fmt.Errorf("injected validation failure")))
		}
	}
}

// SubmitCalls reports how many Submit calls reached the venue, including
// failed ones. Tests use it to assert at-most-once creation.
func (v *PaperVenue) SubmitCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submitCalls
}

// OrderCount reports how many distinct orders exist at the venue.
func (v *PaperVenue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

func (v *PaperVenue) Submit(_ context.Context, intent models.OrderIntent) (models.ExecutionRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitCalls++

	if len(v.submitFaults) > 0 {
		err := v.submitFaults[0]
		v.submitFaults = v.submitFaults[1:]
		return models.ExecutionRecord{}, err
	}
	if _, exists := v.orders[intent.ClientID]; exists {
		return models.ExecutionRecord{}, fmt.Errorf("client_id %s: %w", intent.ClientID, ErrDuplicateOrder)
	}

	now := v.clk.Now()
	ord := &paperOrder{
		intent: intent,
		rec: models.ExecutionRecord{
			ClientID:        intent.ClientID,
			ExchangeOrderID: fmt.Sprintf("paper-%d", len(v.orders)+1),
			Status:          models.OrderStatusOpen,
			RemainingQty:    intent.Quantity,
			LastUpdate:      now,
		},
	}
	v.orders[intent.ClientID] = ord

	if v.autoFill {
		price := intent.LimitPrice
		if intent.Type == models.OrderTypeMarket {
			price = v.marks[intent.Symbol]
		}
		if price.IsPositive() {
			v.applyFill(ord, intent.Quantity, price)
		}
	}
	return copyRecord(ord.rec), nil
}

// Fill applies a (possibly partial) fill to an open order at the given
// price. The taker fee is charged on the fill notional.
func (v *PaperVenue) Fill(clientID string, qty, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[clientID]
	if !ok {
		return fmt.Errorf("client_id %s: %w", clientID, ErrUnknownOrder)
	}
	if ord.rec.Status.Terminal() {
		return fmt.Errorf("paper venue: order %s is terminal", clientID)
	}
	v.applyFill(ord, qty, price)
	return nil
}

func (v *PaperVenue) applyFill(ord *paperOrder, qty, price decimal.Decimal) {
	fee := qty.Mul(price).Mul(v.feeRate)
	ord.rec.ApplyFill(models.Fill{Quantity: qty, Price: price, Fee: fee, Time: v.clk.Now()}, v.clk.Now())
}

func (v *PaperVenue) Cancel(_ context.Context, clientID string) (models.ExecutionRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[clientID]
	if !ok {
		return models.ExecutionRecord{}, fmt.Errorf("client_id %s: %w", clientID, ErrUnknownOrder)
	}
	// cancelling a terminal order is a no-op; the confirmed state wins
	if !ord.rec.Status.Terminal() {
		ord.rec.Status = models.OrderStatusCancelled
		ord.rec.LastUpdate = v.clk.Now()
	}
	return copyRecord(ord.rec), nil
}

func (v *PaperVenue) Query(_ context.Context, clientID string) (models.ExecutionRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[clientID]
	if !ok {
		return models.ExecutionRecord{}, fmt.Errorf("client_id %s: %w", clientID, ErrUnknownOrder)
	}
	return copyRecord(ord.rec), nil
}

func (v *PaperVenue) TickSize(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if tick, ok := v.ticks[symbol]; ok {
		return tick
	}
	return decimal.New(1, -2)
}

func (v *PaperVenue) StepSize(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if step, ok := v.steps[symbol]; ok {
		return step
	}
	return decimal.New(1, -3)
}

func copyRecord(rec models.ExecutionRecord) models.ExecutionRecord {
	out := rec
	out.Fills = make([]models.Fill, len(rec.Fills))
	copy(out.Fills, rec.Fills)
	return out
}
