package executor

// The executor drives the copy pipeline: per tick it walks every active
// strategy, drains matured cooldowns, pulls the copied trader's fresh
// signals and turns each one into an order. Strategies run in parallel;
// the signal stream of one strategy is strictly sequential so ordering
// and dedup stay correct.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"polycopy/internal/domain"
	"polycopy/internal/engine/capital"
	"polycopy/internal/engine/execution"
	"polycopy/internal/engine/position"
	"polycopy/internal/engine/resolver"
	"polycopy/internal/ports"
)

// Config tunes the executor.
type Config struct {
	// RecencyWindow caps how far back a checkpoint can reach: signals
	// older than now-window are stale and never copied.
	RecencyWindow time.Duration

	// MaxParallelStrategies bounds the per-tick errgroup.
	MaxParallelStrategies int
}

// Executor processes copy signals for all strategies.
type Executor struct {
	store     ports.Storage
	feed      ports.SignalFeed
	resolver  *resolver.Resolver
	capital   *capital.Ledger
	positions *position.Ledger
	exec      *execution.Client
	events    ports.EventSink
	cfg       Config
}

// New wires an Executor.
func New(store ports.Storage, feed ports.SignalFeed, res *resolver.Resolver,
	cap *capital.Ledger, pos *position.Ledger, exec *execution.Client,
	events ports.EventSink, cfg Config) *Executor {

	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 10 * time.Minute
	}
	if cfg.MaxParallelStrategies <= 0 {
		cfg.MaxParallelStrategies = 4
	}
	return &Executor{
		store:     store,
		feed:      feed,
		resolver:  res,
		capital:   cap,
		positions: pos,
		exec:      exec,
		events:    events,
		cfg:       cfg,
	}
}

// Tick runs one full pass. Per-strategy failures are logged and do not
// stop the other strategies.
func (e *Executor) Tick(ctx context.Context) error {
	strategies, err := e.store.ListActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("executor.Tick: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelStrategies)

	for _, st := range strategies {
		st := st
		g.Go(func() error {
			if err := e.runStrategy(gctx, st); err != nil {
				slog.Error("executor: strategy tick failed",
					"strategy", st.ID, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) runStrategy(ctx context.Context, st domain.Strategy) error {
	now := time.Now().UTC()

	if _, err := e.capital.ProcessCooldowns(ctx, st.ID, now); err != nil {
		return err
	}
	if err := e.capital.CheckInvariant(ctx, st.ID); err != nil {
		// Strategy just got halted; nothing more this tick.
		return err
	}

	checkpoint, err := e.store.GetCheckpoint(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	since := now.Add(-e.cfg.RecencyWindow)
	if checkpoint.After(since) {
		since = checkpoint
	}

	signals, err := e.feed.FetchSince(ctx, st.TraderAddress, since)
	if err != nil {
		// Feed unreachable: skip the cycle, the checkpoint holds.
		return fmt.Errorf("fetch signals: %w", err)
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.processSignal(ctx, st.ID, sig)

		// The checkpoint follows processed signals, never "now": a
		// signal arriving between fetch and advance stays fetchable.
		if err := e.store.AdvanceCheckpoint(ctx, st.ID, sig.Timestamp); err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
	}
	return nil
}
