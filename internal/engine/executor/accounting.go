package executor

// accounting.go — fill bookkeeping shared by the placement path and the
// order sync task. A buy fill opens a lot and settles its capital lock;
// a sell fill matches lots FIFO and releases the matched cost basis to
// cooldown. Risk counters update here because fills are where money
// actually moves.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/domain"
	"polycopy/internal/engine/risk"
)

// ApplyFill books newShares of a fill on the given order. Satisfies
// execution.FillHandler.
func (e *Executor) ApplyFill(ctx context.Context, o domain.Order, newShares float64) error {
	if newShares <= 0 {
		return nil
	}
	if o.Side == domain.SideBuy {
		return e.applyBuyFill(ctx, o, newShares)
	}
	return e.applySellFill(ctx, o, newShares)
}

func (e *Executor) applyBuyFill(ctx context.Context, o domain.Order, newShares float64) error {
	if _, err := e.positions.RecordBuy(ctx, o.StrategyID, o.MarketID, o.Outcome, o.ID, newShares, o.FilledPrice); err != nil {
		return fmt.Errorf("executor.applyBuyFill: %w", err)
	}

	// A terminal fill below the reserved notional returns the surplus
	// (price improvement or a partial that will not grow).
	if o.Status.Terminal() {
		if surplus := o.Cost() - o.FilledCost(); surplus > 1e-9 {
			if err := e.capital.Unlock(ctx, o.StrategyID, surplus); err != nil {
				return fmt.Errorf("executor.applyBuyFill: %w", err)
			}
		}
	}

	st, err := e.store.GetStrategy(ctx, o.StrategyID)
	if err != nil {
		return fmt.Errorf("executor.applyBuyFill: %w", err)
	}
	rs := st.RiskState
	rs.ResetIfNewDay(time.Now().UTC())
	rs.DailySpend += newShares * o.FilledPrice
	rs.MarkEquity(st.Capital.Equity())
	if err := e.store.UpdateRiskState(ctx, o.StrategyID, rs); err != nil {
		return fmt.Errorf("executor.applyBuyFill: %w", err)
	}
	return nil
}

func (e *Executor) applySellFill(ctx context.Context, o domain.Order, newShares float64) error {
	res, err := e.positions.RecordSell(ctx, o.StrategyID, o.MarketID, o.Outcome, o.ID, newShares, o.FilledPrice)
	if err != nil {
		return fmt.Errorf("executor.applySellFill: %w", err)
	}

	invested := res.CostBasis
	exitValue := res.Proceeds
	pnl := res.RealizedPnL
	if res.ShortRemainder > 0 {
		// Uncovered proceeds bank now; the obligation prices in at
		// resolution when the short settles.
		shortProceeds := res.ShortRemainder * o.FilledPrice
		exitValue += shortProceeds
		pnl += shortProceeds
	}

	st, err := e.store.GetStrategy(ctx, o.StrategyID)
	if err != nil {
		return fmt.Errorf("executor.applySellFill: %w", err)
	}

	if err := e.capital.Release(ctx, o.StrategyID, invested, exitValue, pnl, st.Exec.CooldownDuration); err != nil {
		return fmt.Errorf("executor.applySellFill: %w", err)
	}

	e.recordOutcome(ctx, st, res.RealizedPnL)
	return nil
}

// recordOutcome updates win/loss counters after a realized pnl and trips
// the breaker when a post-trade limit is now breached.
func (e *Executor) recordOutcome(ctx context.Context, st domain.Strategy, pnl float64) {
	now := time.Now().UTC()

	cap, err := e.store.GetCapital(ctx, st.ID)
	if err != nil {
		slog.Warn("executor: capital read failed after exit", "strategy", st.ID, "err", err)
		cap = st.Capital
	}
	equity := cap.Equity()

	rs := st.RiskState
	if pnl >= 0 {
		rs.RecordWin(equity)
	} else {
		rs.RecordLoss(-pnl, equity, now)
		if reason := risk.ShouldTripBreaker(st.Risk, rs, equity); reason != "" && !rs.BreakerActive {
			rs.TripBreaker(reason, now, st.Risk.BreakerCooldown)
			slog.Warn("executor: circuit breaker tripped",
				"strategy", st.ID, "reason", reason)
			e.events.Publish(domain.Event{
				Type:       domain.EventBreakerTripped,
				StrategyID: st.ID,
				Detail:     reason,
				At:         now,
			})
		}
	}

	if err := e.store.UpdateRiskState(ctx, st.ID, rs); err != nil {
		slog.Warn("executor: risk state update failed", "strategy", st.ID, "err", err)
	}
}
