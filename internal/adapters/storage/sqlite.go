package storage

// sqlite.go — engine state persistence.
//
// Tables:
//   strategies       — capital buckets, risk config/state, exec config
//   orders           — exchange submissions (local uuid + exchange id)
//   lots             — FIFO purchase lots and their consumption counters
//   lot_closures     — shares of a lot consumed by a sell order
//   short_positions  — sell remainders beyond held lots, settled at resolution
//   cooldown_entries — released cash waiting to become available
//   seen_signals     — per-strategy dedup + audit of processed signals
//   checkpoints      — signal feed cursor per strategy
//   trader_positions — copied trader's last-known holdings (exit baseline)
//   instruments      — (market, outcome) → instrument id secondary store
//   exit_signals     — detected proportional exits, audit only
//   execution_log    — trace-tagged execution records
//
// Every capital move and every dedup claim is a single conditional
// statement (or one short transaction); overlapping scheduler ticks race
// on RowsAffected, not on in-memory locks.

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
    id                     TEXT PRIMARY KEY,
    name                   TEXT NOT NULL,
    trader_address         TEXT NOT NULL,
    active                 INTEGER NOT NULL DEFAULT 1,
    halted                 INTEGER NOT NULL DEFAULT 0,
    halt_reason            TEXT NOT NULL DEFAULT '',

    initial_capital        REAL NOT NULL,
    available              REAL NOT NULL,
    locked                 REAL NOT NULL DEFAULT 0,
    cooldown               REAL NOT NULL DEFAULT 0,
    realized_pnl           REAL NOT NULL DEFAULT 0,

    max_position_size      REAL,
    max_total_exposure     REAL,
    daily_budget           REAL,
    max_daily_loss         REAL,
    max_consecutive_losses INTEGER,
    max_drawdown_pct       REAL,
    breaker_cooldown_s     INTEGER NOT NULL DEFAULT 0,

    risk_day               TEXT NOT NULL DEFAULT '',
    daily_spend            REAL NOT NULL DEFAULT 0,
    daily_loss             REAL NOT NULL DEFAULT 0,
    consecutive_losses     INTEGER NOT NULL DEFAULT 0,
    peak_equity            REAL NOT NULL DEFAULT 0,
    breaker_active         INTEGER NOT NULL DEFAULT 0,
    breaker_reason         TEXT NOT NULL DEFAULT '',
    breaker_until          DATETIME,

    copy_ratio             REAL NOT NULL DEFAULT 1,
    slippage_tolerance     REAL NOT NULL DEFAULT 0.02,
    order_type             TEXT NOT NULL DEFAULT 'FOK',
    cooldown_duration_s    INTEGER NOT NULL DEFAULT 0,

    created_at             DATETIME NOT NULL,
    updated_at             DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id                TEXT PRIMARY KEY,
    signal_id         TEXT NOT NULL DEFAULT '',
    strategy_id       TEXT NOT NULL,
    market_id         TEXT NOT NULL,
    outcome           TEXT NOT NULL,
    instrument_id     TEXT NOT NULL,
    side              TEXT NOT NULL,
    order_type        TEXT NOT NULL,
    req_price         REAL NOT NULL,
    req_size          REAL NOT NULL,
    filled_price      REAL NOT NULL DEFAULT 0,
    filled_size       REAL NOT NULL DEFAULT 0,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'PENDING',
    not_found_count   INTEGER NOT NULL DEFAULT 0,
    audit_flag        INTEGER NOT NULL DEFAULT 0,
    placed_at         DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_strategy_recent ON orders(strategy_id, placed_at DESC);
CREATE INDEX IF NOT EXISTS orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS lots (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id      TEXT NOT NULL,
    market_id        TEXT NOT NULL,
    outcome          TEXT NOT NULL,
    order_id         TEXT NOT NULL,
    original_shares  REAL NOT NULL,
    remaining_shares REAL NOT NULL,
    sold_shares      REAL NOT NULL DEFAULT 0,
    resolved_shares  REAL NOT NULL DEFAULT 0,
    entry_price      REAL NOT NULL,
    status           TEXT NOT NULL DEFAULT 'OPEN',
    created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS lots_holding ON lots(strategy_id, market_id, outcome, status);
CREATE INDEX IF NOT EXISTS lots_market ON lots(market_id, status);

CREATE TABLE IF NOT EXISTS lot_closures (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    lot_id        INTEGER NOT NULL,
    sell_order_id TEXT NOT NULL,
    shares        REAL NOT NULL,
    sell_price    REAL NOT NULL,
    pnl           REAL NOT NULL,
    created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS short_positions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id   TEXT NOT NULL,
    market_id     TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    sell_order_id TEXT NOT NULL,
    shares        REAL NOT NULL,
    sell_price    REAL NOT NULL,
    settled       INTEGER NOT NULL DEFAULT 0,
    pnl           REAL NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldown_entries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id  TEXT NOT NULL,
    amount       REAL NOT NULL,
    available_at DATETIME NOT NULL,
    released     INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS cooldown_pending ON cooldown_entries(strategy_id, released, available_at);

CREATE TABLE IF NOT EXISTS seen_signals (
    strategy_id     TEXT NOT NULL,
    source_trade_id TEXT NOT NULL,
    outcome         TEXT NOT NULL DEFAULT 'processing',
    reason          TEXT NOT NULL DEFAULT '',
    signal_time     DATETIME NOT NULL,
    seen_at         DATETIME NOT NULL,
    PRIMARY KEY (strategy_id, source_trade_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    strategy_id TEXT PRIMARY KEY,
    ts          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trader_positions (
    strategy_id TEXT NOT NULL,
    market_id   TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    size        REAL NOT NULL,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (strategy_id, market_id, outcome)
);

CREATE TABLE IF NOT EXISTS instruments (
    market_id     TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    fetched_at    DATETIME NOT NULL,
    PRIMARY KEY (market_id, outcome)
);

CREATE TABLE IF NOT EXISTS exit_signals (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id   TEXT NOT NULL,
    market_id     TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    prev_size     REAL NOT NULL,
    curr_size     REAL NOT NULL,
    exit_fraction REAL NOT NULL,
    detected_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS exit_signals_strategy ON exit_signals(strategy_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS execution_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_id    TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    stage       TEXT NOT NULL,
    level       TEXT NOT NULL,
    message     TEXT NOT NULL,
    elapsed_ms  INTEGER NOT NULL DEFAULT 0,
    at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS execution_log_strategy ON execution_log(strategy_id, at DESC);
`

// SQLiteStorage implements ports.Storage using SQLite (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at the given path and
// applies the schema. Use ":memory:" for tests.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
