package store

// schema is the idempotent DDL for the state store. Migrate applies it on
// startup; production migrations beyond this baseline are managed outside
// the core.
const schema = `
CREATE TABLE IF NOT EXISTS intents (
    client_id        UUID PRIMARY KEY,
    parent_signal_id TEXT NOT NULL,
    symbol           TEXT NOT NULL,
    side             TEXT NOT NULL,
    order_type       TEXT NOT NULL,
    quantity         NUMERIC NOT NULL,
    limit_price      NUMERIC,
    stop_price       NUMERIC,
    time_in_force    TEXT NOT NULL,
    risk_pct         DOUBLE PRECISION NOT NULL DEFAULT 0,
    leverage         DOUBLE PRECISION NOT NULL DEFAULT 0,
    reduce_only      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    client_id         UUID PRIMARY KEY REFERENCES intents(client_id),
    exchange_order_id TEXT,
    status            TEXT NOT NULL,
    filled_qty        NUMERIC NOT NULL DEFAULT 0,
    avg_fill_price    NUMERIC NOT NULL DEFAULT 0,
    remaining_qty     NUMERIC NOT NULL DEFAULT 0,
    reject_reason     TEXT,
    last_update       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
    id        BIGSERIAL PRIMARY KEY,
    client_id UUID NOT NULL REFERENCES intents(client_id),
    quantity  NUMERIC NOT NULL,
    price     NUMERIC NOT NULL,
    fee       NUMERIC NOT NULL DEFAULT 0,
    ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_client_id_idx ON fills (client_id);

CREATE TABLE IF NOT EXISTS positions (
    position_id       TEXT PRIMARY KEY,
    symbol            TEXT NOT NULL,
    correlation_group TEXT,
    direction         TEXT NOT NULL,
    quantity          NUMERIC NOT NULL,
    avg_entry         NUMERIC NOT NULL,
    stop_price        NUMERIC NOT NULL,
    target_price      NUMERIC NOT NULL,
    state             TEXT NOT NULL,
    pattern_type      TEXT,
    signal_id         TEXT,
    entry_client_id   TEXT,
    exit_client_id    TEXT,
    opened_at         TIMESTAMPTZ NOT NULL,
    closed_at         TIMESTAMPTZ,
    last_check_at     TIMESTAMPTZ,
    adjustments       INT NOT NULL DEFAULT 0,
    realized_pnl      NUMERIC NOT NULL DEFAULT 0,
    fees              NUMERIC NOT NULL DEFAULT 0,
    funding           NUMERIC NOT NULL DEFAULT 0,
    initial_risk_pct  DOUBLE PRECISION NOT NULL DEFAULT 0,
    raw_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS positions_state_idx ON positions (state);

CREATE TABLE IF NOT EXISTS pattern_perf (
    pattern_type TEXT PRIMARY KEY,
    windows      JSONB NOT NULL,
    bandit_state JSONB NOT NULL,
    weight       DOUBLE PRECISION NOT NULL,
    applied      JSONB NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bars (
    symbol       TEXT NOT NULL,
    timeframe    TEXT NOT NULL,
    open_time    TIMESTAMPTZ NOT NULL,
    open         NUMERIC NOT NULL,
    high         NUMERIC NOT NULL,
    low          NUMERIC NOT NULL,
    close        NUMERIC NOT NULL,
    volume       NUMERIC NOT NULL,
    trades_count BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS audit (
    seq       BIGINT PRIMARY KEY,
    ts        TIMESTAMPTZ NOT NULL,
    kind      TEXT NOT NULL,
    payload   JSONB NOT NULL,
    prev_hash TEXT NOT NULL,
    hash      TEXT NOT NULL
);
`
