package resolution

// The resolution applier is the slowest loop: it asks the resolution
// feed about every market the book still holds and settles the ones
// that resolved. Winning lots pay 1.0 per remaining share, losing lots
// pay nothing, shorts settle their deferred obligation. Capital and
// risk counters move per strategy from the settlement totals.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/domain"
	"polycopy/internal/engine/capital"
	"polycopy/internal/engine/position"
	"polycopy/internal/engine/risk"
	"polycopy/internal/ports"
)

// Applier settles resolved markets.
type Applier struct {
	store     ports.Storage
	feed      ports.ResolutionFeed
	capital   *capital.Ledger
	positions *position.Ledger
	events    ports.EventSink
}

// New wires an Applier.
func New(store ports.Storage, feed ports.ResolutionFeed, cap *capital.Ledger,
	pos *position.Ledger, events ports.EventSink) *Applier {
	return &Applier{
		store:     store,
		feed:      feed,
		capital:   cap,
		positions: pos,
		events:    events,
	}
}

// Tick settles every open market that the feed reports as resolved.
// Per-market failures are logged; the pass continues.
func (a *Applier) Tick(ctx context.Context) error {
	markets, err := a.positions.OpenMarkets(ctx)
	if err != nil {
		return fmt.Errorf("resolution.Tick: %w", err)
	}

	for _, marketID := range markets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := a.feed.GetResolution(ctx, marketID)
		if err != nil {
			slog.Warn("resolution: feed query failed", "market", marketID, "err", err)
			continue
		}
		if !res.Resolved {
			continue
		}
		if err := a.settle(ctx, res); err != nil {
			slog.Error("resolution: settle failed", "market", marketID, "err", err)
		}
	}
	return nil
}

func (a *Applier) settle(ctx context.Context, res domain.Resolution) error {
	result, err := a.positions.RecordResolution(ctx, res.MarketID, res.WinningOutcome)
	if err != nil {
		return err
	}
	if len(result.Released) == 0 {
		return nil
	}

	for _, rel := range result.Released {
		if err := a.applyRelease(ctx, res, rel); err != nil {
			slog.Error("resolution: capital release failed",
				"strategy", rel.StrategyID, "market", res.MarketID, "err", err)
			continue
		}
	}

	a.events.Publish(domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: res.MarketID,
		Detail:   "winner " + res.WinningOutcome,
		At:       time.Now().UTC(),
	})
	return nil
}

func (a *Applier) applyRelease(ctx context.Context, res domain.Resolution, rel domain.StrategyRelease) error {
	st, err := a.store.GetStrategy(ctx, rel.StrategyID)
	if err != nil {
		return err
	}

	payout := rel.Payout
	invested := rel.CostBasis
	if payout < 0 {
		// Net short obligation: the debt comes out of available via a
		// lock, then settles at zero exit value.
		owed := -payout
		if err := a.capital.Lock(ctx, rel.StrategyID, owed); err != nil {
			// Cannot cover the short. That is a ledger anomaly.
			if haltErr := a.store.HaltStrategy(ctx, rel.StrategyID,
				fmt.Sprintf("cannot cover short obligation $%.2f at resolution of %s", owed, res.MarketID)); haltErr != nil {
				return haltErr
			}
			return err
		}
		invested += owed
		payout = 0
	}

	if err := a.capital.Release(ctx, rel.StrategyID, invested, payout, rel.RealizedPnL, st.Exec.CooldownDuration); err != nil {
		return err
	}

	slog.Info("resolution: settled",
		"strategy", rel.StrategyID,
		"market", res.MarketID,
		"winner", res.WinningOutcome,
		"lots", rel.LotsSettled,
		"payout", fmt.Sprintf("$%.2f", payout),
		"pnl", fmt.Sprintf("$%.2f", rel.RealizedPnL),
	)

	a.recordOutcome(ctx, st, rel.RealizedPnL)
	return nil
}

func (a *Applier) recordOutcome(ctx context.Context, st domain.Strategy, pnl float64) {
	now := time.Now().UTC()
	capState, err := a.store.GetCapital(ctx, st.ID)
	if err != nil {
		capState = st.Capital
	}
	equity := capState.Equity()

	rs := st.RiskState
	if pnl >= 0 {
		rs.RecordWin(equity)
	} else {
		rs.RecordLoss(-pnl, equity, now)
		if reason := risk.ShouldTripBreaker(st.Risk, rs, equity); reason != "" && !rs.BreakerActive {
			rs.TripBreaker(reason, now, st.Risk.BreakerCooldown)
			a.events.Publish(domain.Event{
				Type:       domain.EventBreakerTripped,
				StrategyID: st.ID,
				Detail:     reason,
				At:         now,
			})
		}
	}
	if err := a.store.UpdateRiskState(ctx, st.ID, rs); err != nil {
		slog.Warn("resolution: risk state update failed", "strategy", st.ID, "err", err)
	}
}
