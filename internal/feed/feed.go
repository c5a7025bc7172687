// Package feed assembles multi-timeframe bars from market data transports.
// It owns bar finalization at timeframe boundaries, ordering enforcement,
// gap backfill and the clock-skew guard.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// MarketFeed is the upstream data collaborator. Implementations stream
// finalized bars and answer backfill queries; timestamps are UTC and OHLCV
// is exact decimal.
type MarketFeed interface {
	// Subscribe streams finalized bars for the given instruments until ctx
	// is cancelled. The channel is closed on unrecoverable failure.
	Subscribe(ctx context.Context, symbols []string, timeframes []models.Timeframe) (<-chan models.Bar, error)
	// Backfill returns bars in [from, to) in ascending open_time order.
	Backfill(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Bar, error)
	// ServerTime reports the venue clock, used by the skew guard.
	ServerTime(ctx context.Context) (time.Time, error)
}

// Tick is one trade print used by the live aggregator.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Time   time.Time // UTC
}

// Status classifies the health of one symbol's feed.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// ParseFailureKind classifies transport parse failures.
type ParseFailureKind string

const (
	ParseMalformed      ParseFailureKind = "malformed"
	ParseSchemaMismatch ParseFailureKind = "schema_mismatch"
	ParseTimeout        ParseFailureKind = "timeout"
)

// SkewEvent records a divergence between the local and server clocks
// observed on reconnect.
const maxClockSkew = 250 * time.Millisecond

// SkewEvent is emitted when reconnect-time clock divergence exceeds the
// 250 ms guard.
type SkewEvent struct {
	Symbol     string
	Divergence time.Duration
	ObservedAt time.Time
}
