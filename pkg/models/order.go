package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// EntrySide maps a signal direction to the order side that opens it.
func EntrySide(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide maps a position direction to the order side that closes it.
func ExitSide(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce enumerates supported time-in-force policies.
type TimeInForce string

const (
	TIFGoodTilCancel     TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// clientIDNamespace scopes client id derivation. Changing it would break
// idempotency across deployed versions, so it never changes.
var clientIDNamespace = uuid.MustParse("8f1c7a52-9d34-4c6e-b1fa-2e60c5a4d9b7")

// DeriveClientID produces the deterministic client order id for a given
// signal attempt. The same (signal_id, attempt) always yields the same id,
// which is what makes submission idempotent across retries and restarts.
func DeriveClientID(signalID string, attempt int) string {
	return uuid.NewSHA1(clientIDNamespace, []byte(fmt.Sprintf("%s#%d", signalID, attempt))).String()
}

// OrderIntent is a fully-sized order the risk gate has admitted. ClientID is
// deterministic per signal attempt.
type OrderIntent struct {
	ClientID       string          `json:"client_id"`
	ParentSignalID string          `json:"parent_signal_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	RiskPct        float64         `json:"risk_pct"`
	Leverage       float64         `json:"leverage"`
	ReduceOnly     bool            `json:"reduce_only,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate enforces the intent invariants.
func (i OrderIntent) Validate() error {
	if i.ClientID == "" {
		return fmt.Errorf("intent: empty client_id")
	}
	if _, err := uuid.Parse(i.ClientID); err != nil {
		return fmt.Errorf("intent %s: client_id is not a UUID: %w", i.ClientID, err)
	}
	if !i.Quantity.IsPositive() {
		return fmt.Errorf("intent %s: non-positive quantity %s", i.ClientID, i.Quantity)
	}
	if i.Type == OrderTypeLimit || i.Type == OrderTypeStopLimit {
		if !i.LimitPrice.IsPositive() {
			return fmt.Errorf("intent %s: %s order requires positive limit price", i.ClientID, i.Type)
		}
	}
	if i.Type == OrderTypeStop || i.Type == OrderTypeStopLimit {
		if !i.StopPrice.IsPositive() {
			return fmt.Errorf("intent %s: %s order requires positive stop price", i.ClientID, i.Type)
		}
	}
	return nil
}

// OrderStatus represents the venue-confirmed state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further fills can arrive for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Fill is one venue fill event.
type Fill struct {
	Quantity decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Time     time.Time       `json:"ts"`
}

// ExecutionRecord tracks one order intent through the venue, keyed by
// ClientID. FilledQty + RemainingQty always equals the intent quantity, and
// AvgFillPrice is the exact quantity-weighted average of fills.
type ExecutionRecord struct {
	ClientID        string          `json:"client_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Status          OrderStatus     `json:"status"`
	Fills           []Fill          `json:"fills,omitempty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	RemainingQty    decimal.Decimal `json:"remaining_qty"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	LastUpdate      time.Time       `json:"last_update"`
}

// ApplyFill appends a fill and recomputes the derived quantities exactly.
func (r *ExecutionRecord) ApplyFill(f Fill, now time.Time) {
	r.Fills = append(r.Fills, f)
	r.FilledQty = r.FilledQty.Add(f.Quantity)
	r.RemainingQty = r.RemainingQty.Sub(f.Quantity)
	if r.RemainingQty.IsNegative() {
		r.RemainingQty = decimal.Zero
	}
	notional := decimal.Zero
	for _, fill := range r.Fills {
		notional = notional.Add(fill.Quantity.Mul(fill.Price))
	}
	if r.FilledQty.IsPositive() {
		r.AvgFillPrice = notional.Div(r.FilledQty)
	}
	if r.RemainingQty.IsZero() {
		r.Status = OrderStatusFilled
	} else {
		r.Status = OrderStatusPartiallyFilled
	}
	r.LastUpdate = now
}

// TotalFees sums the fees across all fills.
func (r *ExecutionRecord) TotalFees() decimal.Decimal {
	fees := decimal.Zero
	for _, f := range r.Fills {
		fees = fees.Add(f.Fee)
	}
	return fees
}
