package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"polycopy/internal/domain"
)

const strategyColumns = `id, name, trader_address, active, halted, halt_reason,
	initial_capital, available, locked, cooldown, realized_pnl,
	max_position_size, max_total_exposure, daily_budget, max_daily_loss,
	max_consecutive_losses, max_drawdown_pct, breaker_cooldown_s,
	risk_day, daily_spend, daily_loss, consecutive_losses, peak_equity,
	breaker_active, breaker_reason, breaker_until,
	copy_ratio, slippage_tolerance, order_type, cooldown_duration_s,
	created_at, updated_at`

// SaveStrategy upserts a full strategy row.
func (s *SQLiteStorage) SaveStrategy(ctx context.Context, st domain.Strategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO strategies (`+strategyColumns+`)
		VALUES (?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?, ?,?,?,?, ?,?)`,
		st.ID, st.Name, st.TraderAddress, boolToInt(st.Active), boolToInt(st.Halted), st.HaltReason,
		st.Capital.Initial, st.Capital.Available, st.Capital.Locked, st.Capital.Cooldown, st.Capital.RealizedPnL,
		st.Risk.MaxPositionSize, st.Risk.MaxTotalExposure, st.Risk.DailyBudget, st.Risk.MaxDailyLoss,
		st.Risk.MaxConsecutiveLosses, st.Risk.MaxDrawdownPct, int(st.Risk.BreakerCooldown.Seconds()),
		st.RiskState.Day, st.RiskState.DailySpend, st.RiskState.DailyLoss, st.RiskState.ConsecutiveLosses,
		st.RiskState.PeakEquity, boolToInt(st.RiskState.BreakerActive), st.RiskState.BreakerReason,
		nullTimeVal(st.RiskState.BreakerUntil),
		st.Exec.CopyRatio, st.Exec.SlippageTolerance, st.Exec.OrderType, int(st.Exec.CooldownDuration.Seconds()),
		st.CreatedAt.UTC(), st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveStrategy %s: %w", st.ID, err)
	}
	return nil
}

// GetStrategy loads one strategy by id.
func (s *SQLiteStorage) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id=?`, id)
	st, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return st, fmt.Errorf("storage.GetStrategy %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("storage.GetStrategy %s: %w", id, err)
	}
	return st, nil
}

// ListStrategies returns every strategy.
func (s *SQLiteStorage) ListStrategies(ctx context.Context) ([]domain.Strategy, error) {
	return s.queryStrategies(ctx, ``)
}

// ListActiveStrategies returns strategies eligible for trading.
func (s *SQLiteStorage) ListActiveStrategies(ctx context.Context) ([]domain.Strategy, error) {
	return s.queryStrategies(ctx, `WHERE active=1 AND halted=0`)
}

func (s *SQLiteStorage) queryStrategies(ctx context.Context, where string) ([]domain.Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies `+where+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.queryStrategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryStrategies: scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateRiskState persists only the mutable risk counters.
func (s *SQLiteStorage) UpdateRiskState(ctx context.Context, strategyID string, rs domain.RiskState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET
		  risk_day=?, daily_spend=?, daily_loss=?, consecutive_losses=?,
		  peak_equity=?, breaker_active=?, breaker_reason=?, breaker_until=?,
		  updated_at=?
		WHERE id=?`,
		rs.Day, rs.DailySpend, rs.DailyLoss, rs.ConsecutiveLosses,
		rs.PeakEquity, boolToInt(rs.BreakerActive), rs.BreakerReason,
		nullTimeVal(rs.BreakerUntil), time.Now().UTC(), strategyID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateRiskState %s: %w", strategyID, err)
	}
	return nil
}

// HaltStrategy marks a strategy as halted. It stays halted until an
// operator clears the flag directly.
func (s *SQLiteStorage) HaltStrategy(ctx context.Context, strategyID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET halted=1, halt_reason=?, updated_at=? WHERE id=?`,
		reason, time.Now().UTC(), strategyID)
	if err != nil {
		return fmt.Errorf("storage.HaltStrategy %s: %w", strategyID, err)
	}
	return nil
}

// ─── Capital ─────────────────────────────────────────────────────────────────

// LockCapital atomically moves amount available→locked. The balance check
// and the decrement are one statement: two overlapping ticks cannot both
// succeed against a stale balance.
func (s *SQLiteStorage) LockCapital(ctx context.Context, strategyID string, amount float64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("storage.LockCapital %s: non-positive amount %.6f", strategyID, amount)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategies
		SET available = available - ?, locked = locked + ?, updated_at = ?
		WHERE id = ? AND available + 1e-9 >= ?`,
		amount, amount, time.Now().UTC(), strategyID, amount)
	if err != nil {
		return false, fmt.Errorf("storage.LockCapital %s: %w", strategyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.LockCapital %s: rows: %w", strategyID, err)
	}
	return n == 1, nil
}

// UnlockCapital reverses a lock whose order never executed.
func (s *SQLiteStorage) UnlockCapital(ctx context.Context, strategyID string, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategies
		SET locked = MAX(locked - ?, 0), available = available + ?, updated_at = ?
		WHERE id = ?`,
		amount, amount, time.Now().UTC(), strategyID)
	if err != nil {
		return fmt.Errorf("storage.UnlockCapital %s: %w", strategyID, err)
	}
	return nil
}

// ReleaseCapital moves invested locked→out, credits exitValue to cooldown,
// books pnl, and enqueues the cooldown entry — one transaction.
func (s *SQLiteStorage) ReleaseCapital(ctx context.Context, strategyID string, invested, exitValue, pnl float64, availableAt time.Time) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies
			SET locked = MAX(locked - ?, 0), cooldown = cooldown + ?,
			    realized_pnl = realized_pnl + ?, updated_at = ?
			WHERE id = ?`,
			invested, exitValue, pnl, now, strategyID); err != nil {
			return fmt.Errorf("update buckets: %w", err)
		}
		if exitValue > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cooldown_entries (strategy_id, amount, available_at, released, created_at)
				VALUES (?,?,?,0,?)`,
				strategyID, exitValue, availableAt.UTC(), now); err != nil {
				return fmt.Errorf("insert cooldown entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.ReleaseCapital %s: %w", strategyID, err)
	}
	return nil
}

// MatureCooldowns releases every matured, unreleased entry exactly once.
// The released flag flips inside the same transaction that credits
// available, so a second call finds nothing to release.
func (s *SQLiteStorage) MatureCooldowns(ctx context.Context, strategyID string, now time.Time) (float64, error) {
	var total float64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM cooldown_entries
			WHERE strategy_id=? AND released=0 AND available_at <= ?`,
			strategyID, now.UTC())
		if err := row.Scan(&total); err != nil {
			return fmt.Errorf("sum matured: %w", err)
		}
		if total == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cooldown_entries SET released=1
			WHERE strategy_id=? AND released=0 AND available_at <= ?`,
			strategyID, now.UTC()); err != nil {
			return fmt.Errorf("mark released: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies
			SET cooldown = MAX(cooldown - ?, 0), available = available + ?, updated_at = ?
			WHERE id = ?`,
			total, total, now.UTC(), strategyID); err != nil {
			return fmt.Errorf("credit available: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage.MatureCooldowns %s: %w", strategyID, err)
	}
	return total, nil
}

// GetCapital returns the current bucket balances.
func (s *SQLiteStorage) GetCapital(ctx context.Context, strategyID string) (domain.CapitalState, error) {
	var c domain.CapitalState
	err := s.db.QueryRowContext(ctx, `
		SELECT initial_capital, available, locked, cooldown, realized_pnl
		FROM strategies WHERE id=?`, strategyID).
		Scan(&c.Initial, &c.Available, &c.Locked, &c.Cooldown, &c.RealizedPnL)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("storage.GetCapital %s: %w", strategyID, domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("storage.GetCapital %s: %w", strategyID, err)
	}
	return c, nil
}

// ListCooldownEntries returns a strategy's cooldown queue, newest first.
func (s *SQLiteStorage) ListCooldownEntries(ctx context.Context, strategyID string) ([]domain.CooldownEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, amount, available_at, released, created_at
		FROM cooldown_entries WHERE strategy_id=? ORDER BY created_at DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListCooldownEntries %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.CooldownEntry
	for rows.Next() {
		var e domain.CooldownEntry
		var released int
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.Amount, &e.AvailableAt, &released, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage.ListCooldownEntries: scan: %w", err)
		}
		e.Released = released != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (domain.Strategy, error) {
	var st domain.Strategy
	var active, halted, breakerActive int
	var breakerCooldownS, cooldownDurationS int
	var breakerUntil sql.NullTime
	var maxPos, maxExp, dailyBudget, maxDailyLoss, maxDD sql.NullFloat64
	var maxConsec sql.NullInt64

	err := row.Scan(
		&st.ID, &st.Name, &st.TraderAddress, &active, &halted, &st.HaltReason,
		&st.Capital.Initial, &st.Capital.Available, &st.Capital.Locked, &st.Capital.Cooldown, &st.Capital.RealizedPnL,
		&maxPos, &maxExp, &dailyBudget, &maxDailyLoss, &maxConsec, &maxDD, &breakerCooldownS,
		&st.RiskState.Day, &st.RiskState.DailySpend, &st.RiskState.DailyLoss, &st.RiskState.ConsecutiveLosses,
		&st.RiskState.PeakEquity, &breakerActive, &st.RiskState.BreakerReason, &breakerUntil,
		&st.Exec.CopyRatio, &st.Exec.SlippageTolerance, &st.Exec.OrderType, &cooldownDurationS,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return st, err
	}

	st.Active = active != 0
	st.Halted = halted != 0
	st.RiskState.BreakerActive = breakerActive != 0
	if breakerUntil.Valid {
		st.RiskState.BreakerUntil = breakerUntil.Time
	}
	st.Risk.BreakerCooldown = time.Duration(breakerCooldownS) * time.Second
	st.Exec.CooldownDuration = time.Duration(cooldownDurationS) * time.Second

	st.Risk.MaxPositionSize = nullFloat(maxPos)
	st.Risk.MaxTotalExposure = nullFloat(maxExp)
	st.Risk.DailyBudget = nullFloat(dailyBudget)
	st.Risk.MaxDailyLoss = nullFloat(maxDailyLoss)
	st.Risk.MaxDrawdownPct = nullFloat(maxDD)
	if maxConsec.Valid {
		v := int(maxConsec.Int64)
		st.Risk.MaxConsecutiveLosses = &v
	}
	return st, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
