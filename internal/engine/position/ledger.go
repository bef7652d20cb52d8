package position

// The position ledger keeps the FIFO lot queue behind every holding.
// Buys append lots, sells consume from the front, resolution settles
// whatever remains. Lot consumption is an atomic conditional update in
// storage, so an overlapping exit tick and resolution tick can never
// realize the same shares twice.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

const shareEpsilon = 1e-9

// Ledger records buys, sells and resolutions against the lot store.
type Ledger struct {
	store ports.LotStore
}

// NewLedger creates a Ledger over the given lot store.
func NewLedger(store ports.LotStore) *Ledger {
	return &Ledger{store: store}
}

// RecordBuy appends a new open lot for a filled buy.
func (l *Ledger) RecordBuy(ctx context.Context, strategyID, marketID, outcome, orderID string, shares, price float64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("position.RecordBuy: non-positive shares %.6f", shares)
	}
	lot := domain.Lot{
		StrategyID:      strategyID,
		MarketID:        marketID,
		Outcome:         outcome,
		OrderID:         orderID,
		OriginalShares:  shares,
		RemainingShares: shares,
		EntryPrice:      price,
		Status:          domain.LotOpen,
		CreatedAt:       time.Now().UTC(),
	}
	id, err := l.store.InsertLot(ctx, lot)
	if err != nil {
		return 0, fmt.Errorf("position.RecordBuy: %w", err)
	}
	return id, nil
}

// RecordSell consumes shares FIFO from the holding's open lots. Each
// matched lot books pnl against its own entry price. Shares sold beyond
// the held total become a standalone short, valued at resolution.
func (l *Ledger) RecordSell(ctx context.Context, strategyID, marketID, outcome, sellOrderID string, shares, sellPrice float64) (domain.SellResult, error) {
	var res domain.SellResult
	if shares <= 0 {
		return res, fmt.Errorf("position.RecordSell: non-positive shares %.6f", shares)
	}

	remaining := shares
	for remaining > shareEpsilon {
		lots, err := l.store.OpenLotsFIFO(ctx, strategyID, marketID, outcome)
		if err != nil {
			return res, fmt.Errorf("position.RecordSell: %w", err)
		}
		if len(lots) == 0 {
			break
		}

		requeue := false
		for _, lot := range lots {
			if remaining <= shareEpsilon {
				break
			}
			take := lot.RemainingShares
			if take > remaining {
				take = remaining
			}

			ok, err := l.store.ConsumeLot(ctx, lot.ID, take, true)
			if err != nil {
				return res, fmt.Errorf("position.RecordSell: consume lot %d: %w", lot.ID, err)
			}
			if !ok {
				// A concurrent run drained this lot under us. The
				// snapshot is stale: re-read the queue before deciding
				// anything is a short remainder.
				slog.Warn("position: lot consumed concurrently, re-reading queue",
					"lot", lot.ID, "strategy", strategyID)
				requeue = true
				break
			}

			pnl := take * (sellPrice - lot.EntryPrice)
			if err := l.store.InsertLotClosure(ctx, domain.LotClosure{
				LotID:       lot.ID,
				SellOrderID: sellOrderID,
				Shares:      take,
				SellPrice:   sellPrice,
				PnL:         pnl,
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				return res, fmt.Errorf("position.RecordSell: closure lot %d: %w", lot.ID, err)
			}

			res.Matches = append(res.Matches, domain.LotMatch{
				LotID:      lot.ID,
				Shares:     take,
				EntryPrice: lot.EntryPrice,
				PnL:        pnl,
			})
			res.MatchedShares += take
			res.CostBasis += take * lot.EntryPrice
			res.RealizedPnL += pnl
			remaining -= take
		}
		if !requeue {
			break
		}
	}
	res.Proceeds = res.MatchedShares * sellPrice

	if remaining > shareEpsilon {
		res.ShortRemainder = remaining
		if err := l.store.InsertShort(ctx, domain.ShortPosition{
			StrategyID:  strategyID,
			MarketID:    marketID,
			Outcome:     outcome,
			SellOrderID: sellOrderID,
			Shares:      remaining,
			SellPrice:   sellPrice,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return res, fmt.Errorf("position.RecordSell: insert short: %w", err)
		}
		slog.Warn("position: sell exceeded held shares, short remainder recorded",
			"strategy", strategyID,
			"market", marketID,
			"short_shares", fmt.Sprintf("%.2f", remaining),
		)
	}
	return res, nil
}

// RecordResolution settles every remaining lot and unsettled short of
// the market. A winning lot pays 1.0 per remaining share; a losing lot
// pays nothing. Shares already realized by sells are untouched: the
// conditional consume flips only what is still open.
func (l *Ledger) RecordResolution(ctx context.Context, marketID, winningOutcome string) (domain.ResolutionResult, error) {
	var res domain.ResolutionResult

	lots, err := l.store.OpenLotsByMarket(ctx, marketID)
	if err != nil {
		return res, fmt.Errorf("position.RecordResolution: %w", err)
	}

	byStrategy := make(map[string]*domain.StrategyRelease)
	order := []string{}
	get := func(strategyID string) *domain.StrategyRelease {
		if r, ok := byStrategy[strategyID]; ok {
			return r
		}
		r := &domain.StrategyRelease{StrategyID: strategyID}
		byStrategy[strategyID] = r
		order = append(order, strategyID)
		return r
	}

	for _, lot := range lots {
		shares := lot.RemainingShares
		ok, err := l.store.ConsumeLot(ctx, lot.ID, shares, false)
		if err != nil {
			return res, fmt.Errorf("position.RecordResolution: consume lot %d: %w", lot.ID, err)
		}
		if !ok {
			// Sold in full between listing and settling.
			continue
		}

		payout := 0.0
		if lot.Outcome == winningOutcome {
			payout = shares * 1.0
		}
		r := get(lot.StrategyID)
		r.CostBasis += shares * lot.EntryPrice
		r.Payout += payout
		r.RealizedPnL += payout - shares*lot.EntryPrice
		r.LotsSettled++
	}

	// Shorts: the seller owes 1.0 per share if the sold outcome won,
	// nothing otherwise. Proceeds were already banked at sell time.
	shorts, err := l.store.ListOpenShortsByMarket(ctx, marketID)
	if err != nil {
		return res, fmt.Errorf("position.RecordResolution: shorts: %w", err)
	}
	for _, sh := range shorts {
		owed := 0.0
		if sh.Outcome == winningOutcome {
			owed = sh.Shares * 1.0
		}
		pnl := -owed
		if err := l.store.SettleShort(ctx, sh.ID, pnl); err != nil {
			return res, fmt.Errorf("position.RecordResolution: settle short %d: %w", sh.ID, err)
		}
		r := get(sh.StrategyID)
		r.Payout -= owed
		r.RealizedPnL += pnl
	}

	for _, id := range order {
		res.Released = append(res.Released, *byStrategy[id])
	}
	return res, nil
}

// Positions aggregates a strategy's open lots into holdings.
func (l *Ledger) Positions(ctx context.Context, strategyID string) ([]domain.Position, error) {
	ps, err := l.store.ListPositions(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("position.Positions: %w", err)
	}
	return ps, nil
}

// OpenMarkets returns the markets with anything left to settle.
func (l *Ledger) OpenMarkets(ctx context.Context) ([]string, error) {
	ms, err := l.store.ListOpenMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("position.OpenMarkets: %w", err)
	}
	return ms, nil
}
