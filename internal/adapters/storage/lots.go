package storage

import (
	"context"
	"database/sql"
	"fmt"

	"polycopy/internal/domain"
)

const lotColumns = `id, strategy_id, market_id, outcome, order_id,
	original_shares, remaining_shares, sold_shares, resolved_shares,
	entry_price, status, created_at`

// shareEpsilon pads float comparisons on share counts in SQL.
const shareEpsilon = 1e-9

// InsertLot appends a new purchase lot and returns its id.
func (s *SQLiteStorage) InsertLot(ctx context.Context, lot domain.Lot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lots
		  (strategy_id, market_id, outcome, order_id, original_shares,
		   remaining_shares, sold_shares, resolved_shares, entry_price, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		lot.StrategyID, lot.MarketID, lot.Outcome, lot.OrderID, lot.OriginalShares,
		lot.RemainingShares, lot.SoldShares, lot.ResolvedShares, lot.EntryPrice,
		string(lot.Status), lot.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage.InsertLot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage.InsertLot: last id: %w", err)
	}
	return id, nil
}

// GetLot loads one lot by id.
func (s *SQLiteStorage) GetLot(ctx context.Context, id int64) (domain.Lot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE id=?`, id)
	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return lot, fmt.Errorf("storage.GetLot %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return lot, fmt.Errorf("storage.GetLot %d: %w", id, err)
	}
	return lot, nil
}

// OpenLotsFIFO returns open lots for one holding, oldest first — the
// consumption order for sell matching.
func (s *SQLiteStorage) OpenLotsFIFO(ctx context.Context, strategyID, marketID, outcome string) ([]domain.Lot, error) {
	return s.queryLots(ctx, `
		WHERE strategy_id=? AND market_id=? AND outcome=? AND status='OPEN'
		ORDER BY id ASC`, strategyID, marketID, outcome)
}

// OpenLotsByMarket returns all open lots of a market across strategies.
func (s *SQLiteStorage) OpenLotsByMarket(ctx context.Context, marketID string) ([]domain.Lot, error) {
	return s.queryLots(ctx,
		`WHERE market_id=? AND status='OPEN' ORDER BY id ASC`, marketID)
}

// ConsumeLot decrements remaining shares iff the lot still holds them.
// The conditional WHERE makes concurrent consumption of the same shares
// impossible; the losing run sees false and re-reads the queue.
func (s *SQLiteStorage) ConsumeLot(ctx context.Context, lotID int64, shares float64, bySell bool) (bool, error) {
	counter := "resolved_shares"
	closedStatus := string(domain.LotResolved)
	if bySell {
		counter = "sold_shares"
		closedStatus = string(domain.LotClosedBySell)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE lots SET
		  remaining_shares = remaining_shares - ?,
		  %s = %s + ?,
		  status = CASE WHEN remaining_shares - ? <= ? THEN ? ELSE status END
		WHERE id = ? AND status='OPEN' AND remaining_shares + ? >= ?`,
		counter, counter),
		shares, shares, shares, shareEpsilon, closedStatus,
		lotID, shareEpsilon, shares)
	if err != nil {
		return false, fmt.Errorf("storage.ConsumeLot %d: %w", lotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.ConsumeLot %d: rows: %w", lotID, err)
	}
	return n == 1, nil
}

// InsertLotClosure records one lot's contribution to a sell.
func (s *SQLiteStorage) InsertLotClosure(ctx context.Context, c domain.LotClosure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lot_closures (lot_id, sell_order_id, shares, sell_price, pnl, created_at)
		VALUES (?,?,?,?,?,?)`,
		c.LotID, c.SellOrderID, c.Shares, c.SellPrice, c.PnL, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.InsertLotClosure lot %d: %w", c.LotID, err)
	}
	return nil
}

// InsertShort records an uncovered sell remainder.
func (s *SQLiteStorage) InsertShort(ctx context.Context, sp domain.ShortPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO short_positions
		  (strategy_id, market_id, outcome, sell_order_id, shares, sell_price, settled, pnl, created_at)
		VALUES (?,?,?,?,?,?,0,0,?)`,
		sp.StrategyID, sp.MarketID, sp.Outcome, sp.SellOrderID, sp.Shares, sp.SellPrice,
		sp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.InsertShort: %w", err)
	}
	return nil
}

// ListOpenShortsByMarket returns unsettled shorts for a market.
func (s *SQLiteStorage) ListOpenShortsByMarket(ctx context.Context, marketID string) ([]domain.ShortPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, market_id, outcome, sell_order_id, shares, sell_price, settled, pnl, created_at
		FROM short_positions WHERE market_id=? AND settled=0 ORDER BY id ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOpenShortsByMarket %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.ShortPosition
	for rows.Next() {
		var sp domain.ShortPosition
		var settled int
		if err := rows.Scan(&sp.ID, &sp.StrategyID, &sp.MarketID, &sp.Outcome, &sp.SellOrderID,
			&sp.Shares, &sp.SellPrice, &settled, &sp.PnL, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage.ListOpenShortsByMarket: scan: %w", err)
		}
		sp.Settled = settled != 0
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SettleShort marks a short as settled with its resolution P&L.
func (s *SQLiteStorage) SettleShort(ctx context.Context, id int64, pnl float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE short_positions SET settled=1, pnl=? WHERE id=?`, pnl, id)
	if err != nil {
		return fmt.Errorf("storage.SettleShort %d: %w", id, err)
	}
	return nil
}

// ListPositions aggregates open lots into per-holding positions.
func (s *SQLiteStorage) ListPositions(ctx context.Context, strategyID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, outcome,
		       SUM(remaining_shares), SUM(remaining_shares * entry_price), COUNT(*)
		FROM lots
		WHERE strategy_id=? AND status='OPEN'
		GROUP BY market_id, outcome
		ORDER BY market_id, outcome`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositions %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p := domain.Position{StrategyID: strategyID}
		if err := rows.Scan(&p.MarketID, &p.Outcome, &p.NetShares, &p.CostBasis, &p.OpenLots); err != nil {
			return nil, fmt.Errorf("storage.ListPositions: scan: %w", err)
		}
		if p.NetShares > 0 {
			p.AvgEntry = p.CostBasis / p.NetShares
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOpenMarkets returns distinct market ids with open lots.
func (s *SQLiteStorage) ListOpenMarkets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT market_id FROM lots WHERE status='OPEN'
		 UNION SELECT DISTINCT market_id FROM short_positions WHERE settled=0`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOpenMarkets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage.ListOpenMarkets: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) queryLots(ctx context.Context, tail string, args ...any) ([]domain.Lot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM lots `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryLots: %w", err)
	}
	defer rows.Close()

	var out []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryLots: scan: %w", err)
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

func scanLot(row rowScanner) (domain.Lot, error) {
	var lot domain.Lot
	var status string
	err := row.Scan(
		&lot.ID, &lot.StrategyID, &lot.MarketID, &lot.Outcome, &lot.OrderID,
		&lot.OriginalShares, &lot.RemainingShares, &lot.SoldShares, &lot.ResolvedShares,
		&lot.EntryPrice, &status, &lot.CreatedAt,
	)
	if err != nil {
		return lot, err
	}
	lot.Status = domain.LotStatus(status)
	return lot, nil
}
