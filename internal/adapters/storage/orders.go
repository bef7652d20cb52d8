package storage

import (
	"context"
	"database/sql"
	"fmt"

	"polycopy/internal/domain"
)

const orderColumns = `id, signal_id, strategy_id, market_id, outcome, instrument_id,
	side, order_type, req_price, req_size, filled_price, filled_size,
	exchange_order_id, status, not_found_count, audit_flag, placed_at, updated_at`

// SaveOrder inserts a new order row.
func (s *SQLiteStorage) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.SignalID, o.StrategyID, o.MarketID, o.Outcome, o.InstrumentID,
		string(o.Side), string(o.OrderType), o.ReqPrice, o.ReqSize, o.FilledPrice, o.FilledSize,
		o.ExchangeOrderID, string(o.Status), o.NotFoundCount, boolToInt(o.AuditFlag),
		o.PlacedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder rewrites the mutable fields of an order.
func (s *SQLiteStorage) UpdateOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
		  filled_price=?, filled_size=?, exchange_order_id=?, status=?,
		  not_found_count=?, audit_flag=?, updated_at=?
		WHERE id=?`,
		o.FilledPrice, o.FilledSize, o.ExchangeOrderID, string(o.Status),
		o.NotFoundCount, boolToInt(o.AuditFlag), o.UpdatedAt.UTC(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateOrder %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder loads one order by local id.
func (s *SQLiteStorage) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return o, fmt.Errorf("storage.GetOrder %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("storage.GetOrder %s: %w", id, err)
	}
	return o, nil
}

// ListOpenOrders returns non-terminal orders, oldest first, so the sync
// task re-polls the longest-waiting orders before fresh ones.
func (s *SQLiteStorage) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx,
		`WHERE status IN ('PENDING','PARTIAL') ORDER BY placed_at ASC`)
}

// ListRecentOrders returns a strategy's orders, most recent first.
func (s *SQLiteStorage) ListRecentOrders(ctx context.Context, strategyID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryOrders(ctx,
		`WHERE strategy_id=? ORDER BY placed_at DESC LIMIT ?`, strategyID, limit)
}

func (s *SQLiteStorage) queryOrders(ctx context.Context, tail string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryOrders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryOrders: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	var auditFlag int
	err := row.Scan(
		&o.ID, &o.SignalID, &o.StrategyID, &o.MarketID, &o.Outcome, &o.InstrumentID,
		&side, &orderType, &o.ReqPrice, &o.ReqSize, &o.FilledPrice, &o.FilledSize,
		&o.ExchangeOrderID, &status, &o.NotFoundCount, &auditFlag, &o.PlacedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.AuditFlag = auditFlag != 0
	return o, nil
}
