package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/audit"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Memory is the in-memory StateStore used by tests and paper trading. All
// methods are safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	intents    map[string]models.OrderIntent
	executions map[string]models.ExecutionRecord
	positions  map[string]models.Position
	patterns   map[models.PatternType]models.PatternPerformance
	bars       map[string]models.Bar
	auditLog   []audit.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		intents:    make(map[string]models.OrderIntent),
		executions: make(map[string]models.ExecutionRecord),
		positions:  make(map[string]models.Position),
		patterns:   make(map[models.PatternType]models.PatternPerformance),
		bars:       make(map[string]models.Bar),
	}
}

func (m *Memory) SaveIntent(_ context.Context, intent models.OrderIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.intents[intent.ClientID]; exists {
		return fmt.Errorf("intent %s: %w", intent.ClientID, ErrConflict)
	}
	m.intents[intent.ClientID] = intent
	return nil
}

func (m *Memory) Intent(_ context.Context, clientID string) (models.OrderIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[clientID]
	if !ok {
		return models.OrderIntent{}, fmt.Errorf("intent %s: %w", clientID, ErrNotFound)
	}
	return intent, nil
}

func (m *Memory) OpenIntents(_ context.Context) ([]models.OrderIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OrderIntent
	for id, intent := range m.intents {
		if rec, ok := m.executions[id]; ok && rec.Status.Terminal() {
			continue
		}
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveExecution(_ context.Context, rec models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ClientID] = copyExecution(rec)
	return nil
}

func (m *Memory) Execution(_ context.Context, clientID string) (models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[clientID]
	if !ok {
		return models.ExecutionRecord{}, fmt.Errorf("execution %s: %w", clientID, ErrNotFound)
	}
	return copyExecution(rec), nil
}

func (m *Memory) SavePosition(_ context.Context, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *Memory) Position(_ context.Context, id string) (models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return models.Position{}, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) OpenPositions(_ context.Context) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.State != models.PositionClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) SavePatternPerformance(_ context.Context, perf models.PatternPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[perf.Type] = perf
	return nil
}

func (m *Memory) PatternPerformance(_ context.Context, pt models.PatternType) (models.PatternPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perf, ok := m.patterns[pt]
	if !ok {
		return models.PatternPerformance{}, fmt.Errorf("pattern_perf %s: %w", pt, ErrNotFound)
	}
	return perf, nil
}

func (m *Memory) AllPatternPerformance(_ context.Context) ([]models.PatternPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PatternPerformance, 0, len(m.patterns))
	for _, perf := range m.patterns {
		out = append(out, perf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *Memory) SaveBars(_ context.Context, bars []models.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		key := barKey(b.Symbol, b.Timeframe, b.OpenTime)
		if _, exists := m.bars[key]; exists {
			continue
		}
		m.bars[key] = b
	}
	return nil
}

func (m *Memory) Bars(_ context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Bar
	for _, b := range m.bars {
		if b.Symbol != symbol || b.Timeframe != tf {
			continue
		}
		if b.OpenTime.Before(from) || b.OpenTime.After(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.auditLog); n > 0 && rec.Seq != m.auditLog[n-1].Seq+1 {
		return fmt.Errorf("audit seq %d: %w", rec.Seq, ErrConflict)
	}
	m.auditLog = append(m.auditLog, rec)
	return nil
}

func (m *Memory) LastAudit(_ context.Context) (audit.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.auditLog) == 0 {
		return audit.Record{}, false, nil
	}
	return m.auditLog[len(m.auditLog)-1], true, nil
}

func (m *Memory) AuditRange(_ context.Context, fromSeq int64, limit int) ([]audit.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []audit.Record
	for _, rec := range m.auditLog {
		if rec.Seq < fromSeq {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Health(context.Context) error { return nil }

func (m *Memory) Close() {}

func copyExecution(rec models.ExecutionRecord) models.ExecutionRecord {
	out := rec
	out.Fills = make([]models.Fill, len(rec.Fills))
	copy(out.Fills, rec.Fills)
	return out
}

func barKey(symbol string, tf models.Timeframe, openTime time.Time) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, openTime.UnixMilli())
}
