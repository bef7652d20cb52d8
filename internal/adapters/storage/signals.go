package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"polycopy/internal/domain"
)

// ClaimSignal is the dedup gate: INSERT OR IGNORE on the composite primary
// key means exactly one run can claim a (strategy, signal) pair, no matter
// how many ticks overlap.
func (s *SQLiteStorage) ClaimSignal(ctx context.Context, strategyID, sourceTradeID string, signalTime time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen_signals
		  (strategy_id, source_trade_id, outcome, reason, signal_time, seen_at)
		VALUES (?,?,?,?,?,?)`,
		strategyID, sourceTradeID, string(domain.SignalProcessing), "",
		signalTime.UTC(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("storage.ClaimSignal %s/%s: %w", strategyID, sourceTradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.ClaimSignal %s/%s: rows: %w", strategyID, sourceTradeID, err)
	}
	return n == 1, nil
}

// FinalizeSignal records the terminal outcome of a claimed signal.
func (s *SQLiteStorage) FinalizeSignal(ctx context.Context, strategyID, sourceTradeID string, outcome domain.SignalOutcome, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE seen_signals SET outcome=?, reason=?
		WHERE strategy_id=? AND source_trade_id=?`,
		string(outcome), reason, strategyID, sourceTradeID)
	if err != nil {
		return fmt.Errorf("storage.FinalizeSignal %s/%s: %w", strategyID, sourceTradeID, err)
	}
	return nil
}

// GetSeenSignal loads the audit record for one processed signal.
func (s *SQLiteStorage) GetSeenSignal(ctx context.Context, strategyID, sourceTradeID string) (domain.SeenSignal, error) {
	var ss domain.SeenSignal
	var outcome string
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, source_trade_id, outcome, reason, signal_time, seen_at
		FROM seen_signals WHERE strategy_id=? AND source_trade_id=?`,
		strategyID, sourceTradeID).
		Scan(&ss.StrategyID, &ss.SourceTradeID, &outcome, &ss.Reason, &ss.SignalTime, &ss.SeenAt)
	if err == sql.ErrNoRows {
		return ss, fmt.Errorf("storage.GetSeenSignal %s/%s: %w", strategyID, sourceTradeID, domain.ErrNotFound)
	}
	if err != nil {
		return ss, fmt.Errorf("storage.GetSeenSignal %s/%s: %w", strategyID, sourceTradeID, err)
	}
	ss.Outcome = domain.SignalOutcome(outcome)
	return ss, nil
}

// GetCheckpoint returns the signal feed cursor, zero time if none yet.
func (s *SQLiteStorage) GetCheckpoint(ctx context.Context, strategyID string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT ts FROM checkpoints WHERE strategy_id=?`, strategyID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage.GetCheckpoint %s: %w", strategyID, err)
	}
	return ts, nil
}

// AdvanceCheckpoint moves the cursor forward, never backward — a slow
// overlapping tick cannot rewind a newer run's progress.
func (s *SQLiteStorage) AdvanceCheckpoint(ctx context.Context, strategyID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (strategy_id, ts) VALUES (?,?)
		ON CONFLICT(strategy_id) DO UPDATE SET ts = MAX(ts, excluded.ts)`,
		strategyID, ts.UTC())
	if err != nil {
		return fmt.Errorf("storage.AdvanceCheckpoint %s: %w", strategyID, err)
	}
	return nil
}

// ─── Trader position baselines (exit detection) ──────────────────────────────

// GetTraderPositionBaseline returns the copied trader's last-known holding.
// Returns domain.ErrNotFound when this holding was never observed.
func (s *SQLiteStorage) GetTraderPositionBaseline(ctx context.Context, strategyID, marketID, outcome string) (domain.TraderPosition, error) {
	var p domain.TraderPosition
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, market_id, outcome, size, updated_at
		FROM trader_positions WHERE strategy_id=? AND market_id=? AND outcome=?`,
		strategyID, marketID, outcome).
		Scan(&p.StrategyID, &p.MarketID, &p.Outcome, &p.Size, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("storage.GetTraderPositionBaseline: %w", domain.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("storage.GetTraderPositionBaseline: %w", err)
	}
	return p, nil
}

// SaveTraderPositionBaseline upserts the copied trader's observed holding.
func (s *SQLiteStorage) SaveTraderPositionBaseline(ctx context.Context, p domain.TraderPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trader_positions (strategy_id, market_id, outcome, size, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(strategy_id, market_id, outcome) DO UPDATE SET
		  size = excluded.size, updated_at = excluded.updated_at`,
		p.StrategyID, p.MarketID, p.Outcome, p.Size, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveTraderPositionBaseline: %w", err)
	}
	return nil
}

// ─── Instrument secondary store ──────────────────────────────────────────────

// SaveInstrument writes through a resolved (market, outcome) mapping.
func (s *SQLiteStorage) SaveInstrument(ctx context.Context, marketID, outcome, instrumentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (market_id, outcome, instrument_id, fetched_at)
		VALUES (?,?,?,?)
		ON CONFLICT(market_id, outcome) DO UPDATE SET
		  instrument_id = excluded.instrument_id, fetched_at = excluded.fetched_at`,
		marketID, outcome, instrumentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveInstrument %s/%s: %w", marketID, outcome, err)
	}
	return nil
}

// LookupInstrument returns the stored mapping or domain.ErrNotFound.
func (s *SQLiteStorage) LookupInstrument(ctx context.Context, marketID, outcome string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT instrument_id FROM instruments WHERE market_id=? AND outcome=?`,
		marketID, outcome).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("storage.LookupInstrument %s/%s: %w", marketID, outcome, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage.LookupInstrument %s/%s: %w", marketID, outcome, err)
	}
	return id, nil
}

// ─── Exit signals ────────────────────────────────────────────────────────────

// SaveExitSignal records a detected exit for audit.
func (s *SQLiteStorage) SaveExitSignal(ctx context.Context, es domain.ExitSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exit_signals
		  (strategy_id, market_id, outcome, prev_size, curr_size, exit_fraction, detected_at)
		VALUES (?,?,?,?,?,?,?)`,
		es.StrategyID, es.MarketID, es.Outcome, es.PrevSize, es.CurrSize,
		es.ExitFraction, es.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveExitSignal: %w", err)
	}
	return nil
}

// ListExitSignals returns a strategy's detected exits, most recent first.
func (s *SQLiteStorage) ListExitSignals(ctx context.Context, strategyID string, limit int) ([]domain.ExitSignal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, market_id, outcome, prev_size, curr_size, exit_fraction, detected_at
		FROM exit_signals WHERE strategy_id=? ORDER BY detected_at DESC LIMIT ?`,
		strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListExitSignals %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.ExitSignal
	for rows.Next() {
		var es domain.ExitSignal
		if err := rows.Scan(&es.ID, &es.StrategyID, &es.MarketID, &es.Outcome,
			&es.PrevSize, &es.CurrSize, &es.ExitFraction, &es.DetectedAt); err != nil {
			return nil, fmt.Errorf("storage.ListExitSignals: scan: %w", err)
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// ─── Execution log ───────────────────────────────────────────────────────────

// AppendExecutionRecord writes one structured log row.
func (s *SQLiteStorage) AppendExecutionRecord(ctx context.Context, r domain.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (trace_id, strategy_id, stage, level, message, elapsed_ms, at)
		VALUES (?,?,?,?,?,?,?)`,
		r.TraceID, r.StrategyID, r.Stage, r.Level, r.Message, r.ElapsedMS, r.At.UTC())
	if err != nil {
		return fmt.Errorf("storage.AppendExecutionRecord: %w", err)
	}
	return nil
}

// ListExecutionRecords returns a strategy's log, most recent first.
func (s *SQLiteStorage) ListExecutionRecords(ctx context.Context, strategyID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, strategy_id, stage, level, message, elapsed_ms, at
		FROM execution_log WHERE strategy_id=? ORDER BY at DESC LIMIT ?`,
		strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListExecutionRecords %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		if err := rows.Scan(&r.ID, &r.TraceID, &r.StrategyID, &r.Stage, &r.Level,
			&r.Message, &r.ElapsedMS, &r.At); err != nil {
			return nil, fmt.Errorf("storage.ListExecutionRecords: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
