package execution

// sync.go — reconciliation of persisted non-terminal orders. A crash or
// poll timeout can leave PENDING/PARTIAL rows behind; each sync pass
// re-polls them once, applies fills, and declares lost the ones the
// exchange has stopped knowing about.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/domain"
	"polycopy/internal/engine/capital"
	"polycopy/internal/ports"
)

// FillHandler applies the accounting of newly-observed filled shares:
// lots for buys, FIFO matching for sells. Wired by the executor.
type FillHandler func(ctx context.Context, o domain.Order, newShares float64) error

// Syncer re-polls open orders on its own cadence.
type Syncer struct {
	store    ports.Storage
	exchange ports.Exchange
	ledger   *capital.Ledger
	events   ports.EventSink
	onFill   FillHandler
	lostAt   int
}

// NewSyncer creates a Syncer. lostAfterMisses mirrors the placement
// client's threshold.
func NewSyncer(store ports.Storage, exchange ports.Exchange, ledger *capital.Ledger, events ports.EventSink, onFill FillHandler, lostAfterMisses int) *Syncer {
	if lostAfterMisses <= 0 {
		lostAfterMisses = 5
	}
	return &Syncer{
		store:    store,
		exchange: exchange,
		ledger:   ledger,
		events:   events,
		onFill:   onFill,
		lostAt:   lostAfterMisses,
	}
}

// SyncPending advances every open order one poll step. Errors on a
// single order are logged and skipped; the pass continues.
func (s *Syncer) SyncPending(ctx context.Context) error {
	open, err := s.store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("execution.SyncPending: %w", err)
	}

	for _, o := range open {
		if err := s.syncOne(ctx, o); err != nil {
			slog.Warn("execution: order sync failed", "order", o.ID, "err", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Syncer) syncOne(ctx context.Context, o domain.Order) error {
	status, err := s.exchange.GetOrderStatus(ctx, o.ExchangeOrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return s.recordMiss(ctx, o)
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	o.NotFoundCount = 0
	prevFilled := o.FilledSize
	if status.FilledSize > 0 {
		o.FilledSize = status.FilledSize
		o.FilledPrice = status.FilledPrice
	}
	o.Status = status.Status
	o.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	// Book new fills before any terminal handling: a cancelled GTC can
	// report its last partial fill in the same status. The fill handler
	// returns a terminal buy's unfilled surplus itself.
	newShares := o.FilledSize - prevFilled
	booked := false
	if newShares > 0 && s.onFill != nil {
		if err := s.onFill(ctx, o, newShares); err != nil {
			return fmt.Errorf("apply fill: %w", err)
		}
		booked = true
	}

	switch o.Status {
	case domain.OrderFilled:
		s.publish(domain.EventOrderFilled, o, fmt.Sprintf("filled %.2f @ %.4f", o.FilledSize, o.FilledPrice))
	case domain.OrderPartial:
		if newShares > 0 {
			s.publish(domain.EventOrderPartial, o, fmt.Sprintf("partial %.2f/%.2f", o.FilledSize, o.ReqSize))
		}
	case domain.OrderCancelled:
		// Only buys reserved capital; a terminated sell moves nothing.
		if o.Side == domain.SideBuy && !booked {
			if unfilled := o.Cost() - o.FilledCost(); unfilled > 0 {
				if err := s.ledger.Unlock(ctx, o.StrategyID, unfilled); err != nil {
					return err
				}
			}
		}
		s.publish(domain.EventOrderCancelled, o, "cancelled by exchange")
	case domain.OrderRejected:
		if o.Side == domain.SideBuy && !booked {
			if unfilled := o.Cost() - o.FilledCost(); unfilled > 0 {
				if err := s.ledger.Unlock(ctx, o.StrategyID, unfilled); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// recordMiss counts a not-found poll; at the threshold the order is
// terminal LOST, its capital parks in cooldown and the row is flagged
// for manual reconciliation. Lost orders are never resubmitted.
func (s *Syncer) recordMiss(ctx context.Context, o domain.Order) error {
	o.NotFoundCount++
	o.UpdatedAt = time.Now().UTC()

	if o.NotFoundCount < s.lostAt {
		return s.store.UpdateOrder(ctx, o)
	}

	o.Status = domain.OrderLost
	o.AuditFlag = true
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("mark lost: %w", err)
	}

	// Sells never locked capital, so a lost sell is audit-flag only.
	locked := 0.0
	if o.Side == domain.SideBuy {
		locked = o.Cost() - o.FilledCost()
	}
	if locked > 0 {
		// Unknown true outcome: park the full locked amount in cooldown
		// at zero pnl until an operator reconciles it.
		if err := s.ledger.Release(ctx, o.StrategyID, locked, locked, 0, 0); err != nil {
			return err
		}
	}

	slog.Error("execution: order lost",
		"order", o.ID,
		"exchange_order_id", o.ExchangeOrderID,
		"strategy", o.StrategyID,
		"locked", fmt.Sprintf("$%.2f", locked),
	)
	s.publish(domain.EventOrderLost, o, fmt.Sprintf("lost after %d misses", o.NotFoundCount))
	return nil
}

func (s *Syncer) publish(typ domain.EventType, o domain.Order, detail string) {
	s.events.Publish(domain.Event{
		Type:       typ,
		StrategyID: o.StrategyID,
		MarketID:   o.MarketID,
		OrderID:    o.ID,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}
