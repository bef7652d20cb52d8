package executor

// signal.go — the per-signal pipeline. One signal moves through claim,
// risk check, instrument resolution, capital lock, placement and
// accounting; every stage failure finalizes the seen-row with a reason
// so a replayed signal is a no-op.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"polycopy/internal/domain"
	"polycopy/internal/engine/risk"
	"polycopy/internal/execlog"
)

func (e *Executor) processSignal(ctx context.Context, strategyID string, sig domain.Signal) {
	claimed, err := e.store.ClaimSignal(ctx, strategyID, sig.SourceTradeID, sig.Timestamp)
	if err != nil {
		execlog.NewTrace(e.store, strategyID).Error(ctx, "claim", err)
		return
	}
	if !claimed {
		// Already processed by an earlier tick or an overlapping run.
		return
	}

	trace := execlog.NewTrace(e.store, strategyID)
	trace.Stage(ctx, "seen", fmt.Sprintf("signal %s %s %s %.2f @ %.4f",
		sig.SourceTradeID, sig.Side, sig.MarketID, sig.Size, sig.Price))

	outcome, reason := e.executeSignal(ctx, trace, strategyID, sig)
	if err := e.store.FinalizeSignal(ctx, strategyID, sig.SourceTradeID, outcome, reason); err != nil {
		trace.Error(ctx, "finalize", err)
	}
}

func (e *Executor) executeSignal(ctx context.Context, trace *execlog.Trace, strategyID string, sig domain.Signal) (domain.SignalOutcome, string) {
	now := time.Now().UTC()

	// Fresh snapshot: capital and risk counters move between signals.
	st, err := e.store.GetStrategy(ctx, strategyID)
	if err != nil {
		trace.Error(ctx, "risk_check", err)
		return domain.SignalFailed, fmt.Sprintf("load strategy: %v", err)
	}

	cost := sig.Size * st.Exec.CopyRatio
	price := e.exec.RoundPrice(sig.Price)
	if price <= 0 {
		trace.Warn(ctx, "risk_check", "price rounds to zero")
		return domain.SignalSkipped, "price rounds to zero"
	}
	shares := e.exec.RoundSize(cost / price)
	if shares <= 0 {
		trace.Warn(ctx, "risk_check", fmt.Sprintf("copied size $%.2f below one lot", cost))
		return domain.SignalSkipped, "size below exchange minimum"
	}
	cost = price * shares

	if sig.Side == domain.SideBuy {
		if d := risk.Evaluate(st, cost, now); !d.Allowed {
			trace.Stage(ctx, "denied", d.Reason)
			return domain.SignalSkipped, d.Reason
		}
		trace.Stage(ctx, "risk_checked", fmt.Sprintf("entry $%.2f allowed", cost))
	}

	instrumentID, err := e.resolver.Resolve(ctx, sig.MarketID, sig.Outcome)
	if err != nil {
		trace.Warn(ctx, "resolving", fmt.Sprintf("no instrument: %v", err))
		return domain.SignalSkipped, fmt.Sprintf("unresolvable instrument: %v", err)
	}
	trace.Stage(ctx, "resolving", "instrument "+instrumentID)

	if sig.Side == domain.SideBuy {
		return e.placeBuy(ctx, trace, st, sig, instrumentID, price, shares)
	}
	return e.placeSell(ctx, trace, st, sig, instrumentID, price, shares)
}

func (e *Executor) placeBuy(ctx context.Context, trace *execlog.Trace, st domain.Strategy, sig domain.Signal, instrumentID string, price, shares float64) (domain.SignalOutcome, string) {
	cost := price * shares

	if err := e.exec.CheckLiquidity(ctx, instrumentID, domain.SideBuy, price, shares, st.Exec.SlippageTolerance); err != nil {
		if errors.Is(err, domain.ErrInsufficientLiquidity) {
			trace.Stage(ctx, "denied", "insufficient book liquidity")
			return domain.SignalSkipped, "insufficient book liquidity"
		}
		trace.Warn(ctx, "placing", fmt.Sprintf("book check failed: %v", err))
		return domain.SignalFailed, fmt.Sprintf("book check: %v", err)
	}

	if err := e.capital.Lock(ctx, st.ID, cost); err != nil {
		if errors.Is(err, domain.ErrInsufficientCash) {
			trace.Stage(ctx, "denied", fmt.Sprintf("insufficient cash for $%.2f", cost))
			return domain.SignalSkipped, "insufficient available cash"
		}
		trace.Error(ctx, "placing", err)
		return domain.SignalFailed, fmt.Sprintf("lock capital: %v", err)
	}

	order := e.newOrder(st, sig, instrumentID, price, shares, e.exec.OrderTypeFor(cost, st.Exec.OrderType))
	outcome, reason := e.submit(ctx, trace, order, true)
	return outcome, reason
}

func (e *Executor) placeSell(ctx context.Context, trace *execlog.Trace, st domain.Strategy, sig domain.Signal, instrumentID string, price, shares float64) (domain.SignalOutcome, string) {
	// Sells free capital rather than consuming it: no risk gate, no lock.
	order := e.newOrder(st, sig, instrumentID, price, shares, e.exec.OrderTypeFor(price*shares, st.Exec.OrderType))
	return e.submit(ctx, trace, order, false)
}

func (e *Executor) newOrder(st domain.Strategy, sig domain.Signal, instrumentID string, price, shares float64, typ domain.OrderType) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:           uuid.NewString(),
		SignalID:     sig.SourceTradeID,
		StrategyID:   st.ID,
		MarketID:     sig.MarketID,
		Outcome:      sig.Outcome,
		InstrumentID: instrumentID,
		Side:         sig.Side,
		OrderType:    typ,
		ReqPrice:     price,
		ReqSize:      shares,
		Status:       domain.OrderPending,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
}

// submit persists the order, places it and books its terminal outcome.
// locked tells whether entry capital was reserved for it.
func (e *Executor) submit(ctx context.Context, trace *execlog.Trace, order domain.Order, locked bool) (domain.SignalOutcome, string) {
	if err := e.store.SaveOrder(ctx, order); err != nil {
		trace.Error(ctx, "placing", err)
		e.rollbackLock(ctx, trace, order, locked)
		return domain.SignalFailed, fmt.Sprintf("save order: %v", err)
	}

	res, err := e.exec.Place(ctx, domain.PlaceRequest{
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		Price:        order.ReqPrice,
		Size:         order.ReqSize,
		OrderType:    order.OrderType,
	})
	order.ExchangeOrderID = res.ExchangeOrderID
	order.NotFoundCount = res.NotFoundCount
	order.UpdatedAt = time.Now().UTC()

	if err != nil && res.Status == domain.OrderRejected {
		order.Status = domain.OrderRejected
		_ = e.store.UpdateOrder(ctx, order)
		e.rollbackLock(ctx, trace, order, locked)
		trace.Warn(ctx, "placed", fmt.Sprintf("rejected: %v", err))
		return domain.SignalFailed, fmt.Sprintf("exchange rejected: %v", err)
	}
	if err != nil {
		// Context cancelled mid-poll; the order stays open for the
		// sync task to settle.
		_ = e.store.UpdateOrder(ctx, order)
		trace.Warn(ctx, "placed", fmt.Sprintf("poll interrupted: %v", err))
		return domain.SignalExecuted, "placed, settlement pending"
	}

	e.publish(domain.EventOrderPlaced, order, fmt.Sprintf("%s %s %.2f @ %.4f",
		order.Side, order.OrderType, order.ReqSize, order.ReqPrice))
	trace.Stage(ctx, "placed", "exchange order "+order.ExchangeOrderID)

	switch res.Status {
	case domain.OrderFilled, domain.OrderPartial:
		order.Status = res.Status
		order.FilledSize = res.FilledSize
		order.FilledPrice = res.FilledPrice
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			trace.Error(ctx, "filled", err)
			return domain.SignalFailed, fmt.Sprintf("update order: %v", err)
		}
		if err := e.ApplyFill(ctx, order, order.FilledSize); err != nil {
			trace.Error(ctx, "filled", err)
			return domain.SignalFailed, fmt.Sprintf("apply fill: %v", err)
		}
		if order.Status == domain.OrderFilled {
			e.publish(domain.EventOrderFilled, order, fmt.Sprintf("filled %.2f @ %.4f", order.FilledSize, order.FilledPrice))
		} else {
			e.publish(domain.EventOrderPartial, order, fmt.Sprintf("partial %.2f/%.2f", order.FilledSize, order.ReqSize))
		}
		trace.Stage(ctx, "filled", fmt.Sprintf("%.2f @ %.4f", order.FilledSize, order.FilledPrice))
		return domain.SignalExecuted, ""

	case domain.OrderLost:
		order.Status = domain.OrderLost
		order.AuditFlag = true
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			trace.Error(ctx, "lost", err)
		}
		if locked {
			// Unknown true outcome: park the reserve in cooldown for
			// manual reconciliation.
			if err := e.capital.Release(ctx, order.StrategyID, order.Cost(), order.Cost(), 0, 0); err != nil {
				trace.Error(ctx, "lost", err)
			}
		}
		e.publish(domain.EventOrderLost, order, fmt.Sprintf("lost after %d misses", order.NotFoundCount))
		trace.Warn(ctx, "lost", "order lost, flagged for audit")
		return domain.SignalFailed, "order lost on exchange"

	case domain.OrderRejected, domain.OrderCancelled:
		order.Status = res.Status
		_ = e.store.UpdateOrder(ctx, order)
		e.rollbackLock(ctx, trace, order, locked)
		trace.Warn(ctx, "placed", string(res.Status))
		return domain.SignalFailed, "order " + string(res.Status)

	default:
		// Open past the poll timeout: the sync task owns it now.
		order.Status = res.Status
		_ = e.store.UpdateOrder(ctx, order)
		trace.Stage(ctx, "placed", "still open, deferred to sync")
		return domain.SignalExecuted, "placed, settlement pending"
	}
}

func (e *Executor) rollbackLock(ctx context.Context, trace *execlog.Trace, order domain.Order, locked bool) {
	if !locked {
		return
	}
	if err := e.capital.Unlock(ctx, order.StrategyID, order.Cost()); err != nil {
		trace.Error(ctx, "placing", err)
	}
}

func (e *Executor) publish(typ domain.EventType, o domain.Order, detail string) {
	e.events.Publish(domain.Event{
		Type:       typ,
		StrategyID: o.StrategyID,
		MarketID:   o.MarketID,
		OrderID:    o.ID,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}
