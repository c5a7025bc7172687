// Package store owns the durable state: order intents, execution records,
// fills, positions, pattern performance, bars and the audit chain. The
// Postgres implementation is the production store; the in-memory one backs
// tests and paper trading.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/audit"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique key already exists. SaveIntent
// returning ErrConflict is the execution client's idempotency signal.
var ErrConflict = errors.New("store: conflict")

// StateStore is the durable state contract. client_id is unique across
// intents, which linearizes submissions for the same intent.
type StateStore interface {
	// Intents. SaveIntent fails with ErrConflict on a duplicate client_id.
	SaveIntent(ctx context.Context, intent models.OrderIntent) error
	Intent(ctx context.Context, clientID string) (models.OrderIntent, error)
	// OpenIntents lists intents whose execution record is absent or
	// non-terminal, for restart rehydration.
	OpenIntents(ctx context.Context) ([]models.OrderIntent, error)

	// Execution records, upserted by client_id. Fills are replaced
	// atomically with the record.
	SaveExecution(ctx context.Context, rec models.ExecutionRecord) error
	Execution(ctx context.Context, clientID string) (models.ExecutionRecord, error)

	// Positions, upserted by position id.
	SavePosition(ctx context.Context, p models.Position) error
	Position(ctx context.Context, id string) (models.Position, error)
	OpenPositions(ctx context.Context) ([]models.Position, error)

	// Pattern performance, upserted by pattern type.
	SavePatternPerformance(ctx context.Context, perf models.PatternPerformance) error
	PatternPerformance(ctx context.Context, pt models.PatternType) (models.PatternPerformance, error)
	AllPatternPerformance(ctx context.Context) ([]models.PatternPerformance, error)

	// Bars are immutable once written; duplicates are ignored.
	SaveBars(ctx context.Context, bars []models.Bar) error
	Bars(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Bar, error)

	// Audit chain sink plus range reads for verification.
	audit.Appender
	AuditRange(ctx context.Context, fromSeq int64, limit int) ([]audit.Record, error)

	Health(ctx context.Context) error
	Close()
}
