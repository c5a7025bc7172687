package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/audit"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// Postgres is the production StateStore backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres connects a pool and applies the baseline schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: parse database config: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	p := &Postgres{pool: pool, log: log.With().Str("component", "store").Logger()}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p.log.Info().Str("database", cfg.Database).Msg("State store ready")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveIntent(ctx context.Context, intent models.OrderIntent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO intents (client_id, parent_signal_id, symbol, side, order_type,
			quantity, limit_price, stop_price, time_in_force, risk_pct, leverage,
			reduce_only, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		intent.ClientID, intent.ParentSignalID, intent.Symbol, intent.Side, intent.Type,
		intent.Quantity, intent.LimitPrice, intent.StopPrice, intent.TimeInForce,
		intent.RiskPct, intent.Leverage, intent.ReduceOnly, intent.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("intent %s: %w", intent.ClientID, ErrConflict)
		}
		return fmt.Errorf("store: save intent %s: %w", intent.ClientID, err)
	}
	return nil
}

const intentColumns = `client_id, parent_signal_id, symbol, side, order_type,
	quantity, limit_price, stop_price, time_in_force, risk_pct, leverage,
	reduce_only, created_at`

func (p *Postgres) Intent(ctx context.Context, clientID string) (models.OrderIntent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE client_id = $1`, clientID)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderIntent{}, fmt.Errorf("intent %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: load intent %s: %w", clientID, err)
	}
	return intent, nil
}

func (p *Postgres) OpenIntents(ctx context.Context) ([]models.OrderIntent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+intentColumns+`
		FROM intents i
		LEFT JOIN executions e USING (client_id)
		WHERE e.client_id IS NULL
		   OR e.status NOT IN ('filled','cancelled','rejected','expired')
		ORDER BY i.created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list open intents: %w", err)
	}
	defer rows.Close()

	var out []models.OrderIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (models.OrderIntent, error) {
	var intent models.OrderIntent
	err := row.Scan(&intent.ClientID, &intent.ParentSignalID, &intent.Symbol,
		&intent.Side, &intent.Type, &intent.Quantity, &intent.LimitPrice,
		&intent.StopPrice, &intent.TimeInForce, &intent.RiskPct,
		&intent.Leverage, &intent.ReduceOnly, &intent.CreatedAt)
	return intent, err
}

// SaveExecution upserts the record and replaces its fills in one
// transaction, so a reader never observes a record/fill mismatch.
func (p *Postgres) SaveExecution(ctx context.Context, rec models.ExecutionRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (client_id, exchange_order_id, status, filled_qty,
			avg_fill_price, remaining_qty, reject_reason, last_update)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (client_id) DO UPDATE SET
			exchange_order_id = EXCLUDED.exchange_order_id,
			status            = EXCLUDED.status,
			filled_qty        = EXCLUDED.filled_qty,
			avg_fill_price    = EXCLUDED.avg_fill_price,
			remaining_qty     = EXCLUDED.remaining_qty,
			reject_reason     = EXCLUDED.reject_reason,
			last_update       = EXCLUDED.last_update`,
		rec.ClientID, rec.ExchangeOrderID, rec.Status, rec.FilledQty,
		rec.AvgFillPrice, rec.RemainingQty, rec.RejectReason, rec.LastUpdate)
	if err != nil {
		return fmt.Errorf("store: upsert execution %s: %w", rec.ClientID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM fills WHERE client_id = $1`, rec.ClientID); err != nil {
		return fmt.Errorf("store: replace fills %s: %w", rec.ClientID, err)
	}
	for _, f := range rec.Fills {
		_, err := tx.Exec(ctx, `
			INSERT INTO fills (client_id, quantity, price, fee, ts)
			VALUES ($1,$2,$3,$4,$5)`,
			rec.ClientID, f.Quantity, f.Price, f.Fee, f.Time)
		if err != nil {
			return fmt.Errorf("store: insert fill %s: %w", rec.ClientID, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Execution(ctx context.Context, clientID string) (models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := p.pool.QueryRow(ctx, `
		SELECT client_id, COALESCE(exchange_order_id,''), status, filled_qty,
			avg_fill_price, remaining_qty, COALESCE(reject_reason,''), last_update
		FROM executions WHERE client_id = $1`, clientID).
		Scan(&rec.ClientID, &rec.ExchangeOrderID, &rec.Status, &rec.FilledQty,
			&rec.AvgFillPrice, &rec.RemainingQty, &rec.RejectReason, &rec.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionRecord{}, fmt.Errorf("execution %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("store: load execution %s: %w", clientID, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT quantity, price, fee, ts FROM fills WHERE client_id = $1 ORDER BY id`, clientID)
	if err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("store: load fills %s: %w", clientID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var f models.Fill
		if err := rows.Scan(&f.Quantity, &f.Price, &f.Fee, &f.Time); err != nil {
			return models.ExecutionRecord{}, fmt.Errorf("store: scan fill %s: %w", clientID, err)
		}
		rec.Fills = append(rec.Fills, f)
	}
	return rec, rows.Err()
}

func (p *Postgres) SavePosition(ctx context.Context, pos models.Position) error {
	var closedAt *time.Time
	if !pos.ClosedAt.IsZero() {
		closedAt = &pos.ClosedAt
	}
	var lastCheck *time.Time
	if !pos.LastCheckAt.IsZero() {
		lastCheck = &pos.LastCheckAt
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO positions (position_id, symbol, correlation_group, direction,
			quantity, avg_entry, stop_price, target_price, state, pattern_type,
			signal_id, entry_client_id, exit_client_id, opened_at, closed_at,
			last_check_at, adjustments, realized_pnl, fees, funding,
			initial_risk_pct, raw_confidence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (position_id) DO UPDATE SET
			quantity      = EXCLUDED.quantity,
			avg_entry     = EXCLUDED.avg_entry,
			stop_price    = EXCLUDED.stop_price,
			target_price  = EXCLUDED.target_price,
			state         = EXCLUDED.state,
			exit_client_id = EXCLUDED.exit_client_id,
			closed_at     = EXCLUDED.closed_at,
			last_check_at = EXCLUDED.last_check_at,
			adjustments   = EXCLUDED.adjustments,
			realized_pnl  = EXCLUDED.realized_pnl,
			fees          = EXCLUDED.fees,
			funding       = EXCLUDED.funding`,
		pos.ID, pos.Symbol, pos.Group, pos.Direction, pos.Quantity, pos.AvgEntry,
		pos.Stop, pos.Target, pos.State, pos.PatternType, pos.SignalID,
		pos.EntryClientID, pos.ExitClientID, pos.OpenedAt, closedAt, lastCheck,
		pos.Adjustments, pos.RealizedPnL, pos.Fees, pos.Funding, pos.InitialRiskPct,
		pos.RawConfidence)
	if err != nil {
		return fmt.Errorf("store: save position %s: %w", pos.ID, err)
	}
	return nil
}

const positionColumns = `position_id, symbol, COALESCE(correlation_group,''),
	direction, quantity, avg_entry, stop_price, target_price, state,
	COALESCE(pattern_type,''), COALESCE(signal_id,''),
	COALESCE(entry_client_id,''), COALESCE(exit_client_id,''), opened_at,
	closed_at, last_check_at, adjustments, realized_pnl, fees, funding,
	initial_risk_pct, raw_confidence`

func (p *Postgres) Position(ctx context.Context, id string) (models.Position, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE position_id = $1`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{}, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("store: load position %s: %w", id, err)
	}
	return pos, nil
}

func (p *Postgres) OpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE state <> 'closed' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list open positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (models.Position, error) {
	var pos models.Position
	var closedAt, lastCheck *time.Time
	err := row.Scan(&pos.ID, &pos.Symbol, &pos.Group, &pos.Direction,
		&pos.Quantity, &pos.AvgEntry, &pos.Stop, &pos.Target, &pos.State,
		&pos.PatternType, &pos.SignalID, &pos.EntryClientID, &pos.ExitClientID,
		&pos.OpenedAt, &closedAt, &lastCheck, &pos.Adjustments, &pos.RealizedPnL,
		&pos.Fees, &pos.Funding, &pos.InitialRiskPct, &pos.RawConfidence)
	if closedAt != nil {
		pos.ClosedAt = *closedAt
	}
	if lastCheck != nil {
		pos.LastCheckAt = *lastCheck
	}
	return pos, err
}

func (p *Postgres) SavePatternPerformance(ctx context.Context, perf models.PatternPerformance) error {
	windows, err := json.Marshal(perf.Windows)
	if err != nil {
		return fmt.Errorf("store: marshal windows %s: %w", perf.Type, err)
	}
	bandit, err := json.Marshal(perf.Bandit)
	if err != nil {
		return fmt.Errorf("store: marshal bandit %s: %w", perf.Type, err)
	}
	applied := make([]string, 0, len(perf.AppliedPositions))
	for id := range perf.AppliedPositions {
		applied = append(applied, id)
	}
	appliedJSON, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("store: marshal applied %s: %w", perf.Type, err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO pattern_perf (pattern_type, windows, bandit_state, weight, applied, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (pattern_type) DO UPDATE SET
			windows      = EXCLUDED.windows,
			bandit_state = EXCLUDED.bandit_state,
			weight       = EXCLUDED.weight,
			applied      = EXCLUDED.applied,
			updated_at   = EXCLUDED.updated_at`,
		perf.Type, windows, bandit, perf.Weight, appliedJSON, perf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: save pattern_perf %s: %w", perf.Type, err)
	}
	return nil
}

func (p *Postgres) PatternPerformance(ctx context.Context, pt models.PatternType) (models.PatternPerformance, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT pattern_type, windows, bandit_state, weight, applied, updated_at
		FROM pattern_perf WHERE pattern_type = $1`, pt)
	perf, err := scanPatternPerf(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PatternPerformance{}, fmt.Errorf("pattern_perf %s: %w", pt, ErrNotFound)
	}
	if err != nil {
		return models.PatternPerformance{}, fmt.Errorf("store: load pattern_perf %s: %w", pt, err)
	}
	return perf, nil
}

func (p *Postgres) AllPatternPerformance(ctx context.Context) ([]models.PatternPerformance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT pattern_type, windows, bandit_state, weight, applied, updated_at
		FROM pattern_perf ORDER BY pattern_type`)
	if err != nil {
		return nil, fmt.Errorf("store: list pattern_perf: %w", err)
	}
	defer rows.Close()

	var out []models.PatternPerformance
	for rows.Next() {
		perf, err := scanPatternPerf(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pattern_perf: %w", err)
		}
		out = append(out, perf)
	}
	return out, rows.Err()
}

func scanPatternPerf(row pgx.Row) (models.PatternPerformance, error) {
	var perf models.PatternPerformance
	var windows, bandit, applied []byte
	if err := row.Scan(&perf.Type, &windows, &bandit, &perf.Weight, &applied, &perf.UpdatedAt); err != nil {
		return perf, err
	}
	if err := json.Unmarshal(windows, &perf.Windows); err != nil {
		return perf, err
	}
	if err := json.Unmarshal(bandit, &perf.Bandit); err != nil {
		return perf, err
	}
	var ids []string
	if err := json.Unmarshal(applied, &ids); err != nil {
		return perf, err
	}
	perf.AppliedPositions = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		perf.AppliedPositions[id] = struct{}{}
	}
	return perf, nil
}

func (p *Postgres) SaveBars(ctx context.Context, bars []models.Bar) error {
	for _, b := range bars {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO bars (symbol, timeframe, open_time, open, high, low, close, volume, trades_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (symbol, timeframe, open_time) DO NOTHING`,
			b.Symbol, b.Timeframe, b.OpenTime, b.Open, b.High, b.Low, b.Close, b.Volume, b.TradesCount)
		if err != nil {
			return fmt.Errorf("store: save bar %s/%s: %w", b.Symbol, b.Timeframe, err)
		}
	}
	return nil
}

func (p *Postgres) Bars(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Bar, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume, trades_count
		FROM bars
		WHERE symbol = $1 AND timeframe = $2 AND open_time BETWEEN $3 AND $4
		ORDER BY open_time`, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: list bars %s/%s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &b.OpenTime, &b.Open, &b.High,
			&b.Low, &b.Close, &b.Volume, &b.TradesCount); err != nil {
			return nil, fmt.Errorf("store: scan bar: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendAudit(ctx context.Context, rec audit.Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit (seq, ts, kind, payload, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.Seq, rec.TS, rec.Kind, []byte(rec.Payload), rec.PrevHash, rec.Hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("audit seq %d: %w", rec.Seq, ErrConflict)
		}
		return fmt.Errorf("store: append audit %d: %w", rec.Seq, err)
	}
	return nil
}

func (p *Postgres) LastAudit(ctx context.Context) (audit.Record, bool, error) {
	var rec audit.Record
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT seq, ts, kind, payload, prev_hash, hash
		FROM audit ORDER BY seq DESC LIMIT 1`).
		Scan(&rec.Seq, &rec.TS, &rec.Kind, &payload, &rec.PrevHash, &rec.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, false, nil
	}
	if err != nil {
		return audit.Record{}, false, fmt.Errorf("store: load audit tail: %w", err)
	}
	rec.Payload = payload
	return rec, true, nil
}

func (p *Postgres) AuditRange(ctx context.Context, fromSeq int64, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
		SELECT seq, ts, kind, payload, prev_hash, hash
		FROM audit WHERE seq >= $1 ORDER BY seq LIMIT $2`, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var payload []byte
		if err := rows.Scan(&rec.Seq, &rec.TS, &rec.Kind, &payload, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
