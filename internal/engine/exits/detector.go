package exits

// The exit detector watches the copied trader's holdings. A reduction
// against the last-known baseline means the trader is getting out; the
// strategy sells the same fraction of its own position. Reductions below
// the materiality threshold are treated as noise: the baseline stays
// put, so successive small cuts accumulate against it until they cross
// the threshold.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polycopy/internal/domain"
	"polycopy/internal/engine/execution"
	"polycopy/internal/engine/executor"
	"polycopy/internal/engine/position"
	"polycopy/internal/engine/resolver"
	"polycopy/internal/ports"
)

// Config tunes the detector.
type Config struct {
	// MinExitFraction is the smallest position reduction treated as a
	// real exit. Defaults to 5%.
	MinExitFraction float64
}

// Detector sells down positions when the copied trader does.
type Detector struct {
	store     ports.Storage
	exchange  ports.Exchange
	resolver  *resolver.Resolver
	positions *position.Ledger
	exec      *execution.Client
	executor  *executor.Executor
	cfg       Config
}

// New wires a Detector. The executor is reused for sell fill
// accounting so exits book capital exactly like copied sells.
func New(store ports.Storage, exchange ports.Exchange, res *resolver.Resolver,
	pos *position.Ledger, exec *execution.Client, exe *executor.Executor, cfg Config) *Detector {

	if cfg.MinExitFraction <= 0 {
		cfg.MinExitFraction = 0.05
	}
	return &Detector{
		store:     store,
		exchange:  exchange,
		resolver:  res,
		positions: pos,
		exec:      exec,
		executor:  exe,
		cfg:       cfg,
	}
}

// Tick checks every held (strategy, market, outcome) once.
func (d *Detector) Tick(ctx context.Context) error {
	strategies, err := d.store.ListActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("exits.Tick: %w", err)
	}

	for _, st := range strategies {
		holdings, err := d.positions.Positions(ctx, st.ID)
		if err != nil {
			slog.Warn("exits: list positions failed", "strategy", st.ID, "err", err)
			continue
		}
		for _, h := range holdings {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := d.checkHolding(ctx, st, h); err != nil {
				slog.Warn("exits: holding check failed",
					"strategy", st.ID, "market", h.MarketID, "err", err)
			}
		}
	}
	return nil
}

func (d *Detector) checkHolding(ctx context.Context, st domain.Strategy, h domain.Position) error {
	curr, err := d.exchange.GetTraderPosition(ctx, st.TraderAddress, h.MarketID, h.Outcome)
	if err != nil {
		return fmt.Errorf("query trader position: %w", err)
	}

	baseline, err := d.store.GetTraderPositionBaseline(ctx, st.ID, h.MarketID, h.Outcome)
	if errors.Is(err, domain.ErrNotFound) {
		// First observation establishes the baseline; nothing to
		// compare against yet.
		return d.saveBaseline(ctx, st.ID, h, curr)
	}
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}

	prev := baseline.Size
	if prev <= 0 || curr >= prev {
		return d.saveBaseline(ctx, st.ID, h, curr)
	}

	fraction := (prev - curr) / prev
	if curr == 0 {
		fraction = 1.0
	}
	if fraction < d.cfg.MinExitFraction {
		// Noise. The baseline holds, letting small cuts accumulate.
		return nil
	}

	es := domain.ExitSignal{
		StrategyID:   st.ID,
		MarketID:     h.MarketID,
		Outcome:      h.Outcome,
		PrevSize:     prev,
		CurrSize:     curr,
		ExitFraction: fraction,
		DetectedAt:   time.Now().UTC(),
	}
	if err := d.store.SaveExitSignal(ctx, es); err != nil {
		return fmt.Errorf("persist exit signal: %w", err)
	}
	slog.Info("exits: trader reduced position",
		"strategy", st.ID,
		"market", h.MarketID,
		"outcome", h.Outcome,
		"fraction", fmt.Sprintf("%.1f%%", fraction*100),
	)

	if err := d.sellDown(ctx, st, h, fraction); err != nil {
		return err
	}
	return d.saveBaseline(ctx, st.ID, h, curr)
}

// sellDown sells remaining×fraction of the strategy's own position,
// floored to the exchange lot.
func (d *Detector) sellDown(ctx context.Context, st domain.Strategy, h domain.Position, fraction float64) error {
	shares := d.exec.RoundSize(h.NetShares * fraction)
	if shares <= 0 {
		return nil
	}

	instrumentID, err := d.resolver.Resolve(ctx, h.MarketID, h.Outcome)
	if err != nil {
		return fmt.Errorf("resolve instrument: %w", err)
	}

	book, err := d.exchange.GetOrderBook(ctx, instrumentID)
	if err != nil {
		return fmt.Errorf("order book: %w", err)
	}
	price := d.exec.RoundPrice(book.BestBid())
	if price <= 0 {
		return fmt.Errorf("no bids for %s", instrumentID)
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:           uuid.NewString(),
		StrategyID:   st.ID,
		MarketID:     h.MarketID,
		Outcome:      h.Outcome,
		InstrumentID: instrumentID,
		Side:         domain.SideSell,
		OrderType:    d.exec.OrderTypeFor(price*shares, st.Exec.OrderType),
		ReqPrice:     price,
		ReqSize:      shares,
		Status:       domain.OrderPending,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
	if err := d.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("save order: %w", err)
	}

	res, err := d.exec.Place(ctx, domain.PlaceRequest{
		InstrumentID: instrumentID,
		Side:         domain.SideSell,
		Price:        price,
		Size:         shares,
		OrderType:    order.OrderType,
	})
	order.ExchangeOrderID = res.ExchangeOrderID
	order.Status = res.Status
	order.FilledSize = res.FilledSize
	order.FilledPrice = res.FilledPrice
	order.NotFoundCount = res.NotFoundCount
	order.UpdatedAt = time.Now().UTC()
	if err != nil {
		order.Status = domain.OrderRejected
		_ = d.store.UpdateOrder(ctx, order)
		return fmt.Errorf("place exit sell: %w", err)
	}
	if err := d.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	if order.FilledSize > 0 {
		if err := d.executor.ApplyFill(ctx, order, order.FilledSize); err != nil {
			return fmt.Errorf("apply exit fill: %w", err)
		}
	}
	return nil
}

func (d *Detector) saveBaseline(ctx context.Context, strategyID string, h domain.Position, size float64) error {
	return d.store.SaveTraderPositionBaseline(ctx, domain.TraderPosition{
		StrategyID: strategyID,
		MarketID:   h.MarketID,
		Outcome:    h.Outcome,
		Size:       size,
		UpdatedAt:  time.Now().UTC(),
	})
}
