package ports

import (
	"context"
	"time"

	"polycopy/internal/domain"
)

// Storage persists all engine state. Mutations that race across scheduler
// ticks (capital moves, dedup claims, lot consumption) are atomic
// conditional updates — callers check the boolean result, not the error,
// to distinguish "lost the race" from "broken".
type Storage interface {
	StrategyStore
	CapitalStore
	OrderStore
	LotStore
	SignalStore
	ExitStore
	LogStore

	Close() error
}

// StrategyStore reads and updates strategies.
type StrategyStore interface {
	SaveStrategy(ctx context.Context, s domain.Strategy) error
	GetStrategy(ctx context.Context, id string) (domain.Strategy, error)
	ListStrategies(ctx context.Context) ([]domain.Strategy, error)
	ListActiveStrategies(ctx context.Context) ([]domain.Strategy, error)

	// UpdateRiskState persists only the mutable risk counters.
	UpdateRiskState(ctx context.Context, strategyID string, rs domain.RiskState) error

	// HaltStrategy marks a strategy as halted with a reason. Halted
	// strategies are excluded from all trading until manually reset.
	HaltStrategy(ctx context.Context, strategyID, reason string) error
}

// CapitalStore moves cash between the three buckets atomically.
type CapitalStore interface {
	// LockCapital moves amount available→locked iff available >= amount.
	// Returns false (no mutation) when the balance is insufficient.
	LockCapital(ctx context.Context, strategyID string, amount float64) (bool, error)

	// UnlockCapital reverses a lock (locked→available) for an order that
	// was rejected before any fill.
	UnlockCapital(ctx context.Context, strategyID string, amount float64) error

	// ReleaseCapital moves invested out of locked (floored at zero),
	// credits exitValue to cooldown, books pnl into realized P&L, and
	// enqueues a cooldown entry maturing at availableAt.
	ReleaseCapital(ctx context.Context, strategyID string, invested, exitValue, pnl float64, availableAt time.Time) error

	// MatureCooldowns releases every unreleased entry with
	// availableAt <= now into available, exactly once, and returns the
	// total released.
	MatureCooldowns(ctx context.Context, strategyID string, now time.Time) (float64, error)

	// GetCapital returns the current bucket balances.
	GetCapital(ctx context.Context, strategyID string) (domain.CapitalState, error)

	ListCooldownEntries(ctx context.Context, strategyID string) ([]domain.CooldownEntry, error)
}

// OrderStore persists exchange submissions.
type OrderStore interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	UpdateOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	// ListOpenOrders returns non-terminal orders, oldest first.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)
	// ListRecentOrders returns a strategy's orders, most recent first.
	ListRecentOrders(ctx context.Context, strategyID string, limit int) ([]domain.Order, error)
}

// LotStore tracks FIFO purchase lots and their consumption.
type LotStore interface {
	InsertLot(ctx context.Context, lot domain.Lot) (int64, error)
	// OpenLotsFIFO returns open lots for one holding, oldest first.
	OpenLotsFIFO(ctx context.Context, strategyID, marketID, outcome string) ([]domain.Lot, error)
	// OpenLotsByMarket returns all open lots of a market across strategies.
	OpenLotsByMarket(ctx context.Context, marketID string) ([]domain.Lot, error)
	// ConsumeLot decrements a lot's remaining shares iff it still holds
	// at least shares. Returns false when a concurrent run got there first.
	ConsumeLot(ctx context.Context, lotID int64, shares float64, bySell bool) (bool, error)
	InsertLotClosure(ctx context.Context, c domain.LotClosure) error
	InsertShort(ctx context.Context, s domain.ShortPosition) error
	ListOpenShortsByMarket(ctx context.Context, marketID string) ([]domain.ShortPosition, error)
	SettleShort(ctx context.Context, id int64, pnl float64) error
	// ListPositions aggregates open lots into positions for one strategy.
	ListPositions(ctx context.Context, strategyID string) ([]domain.Position, error)
	// ListOpenMarkets returns distinct market IDs with open lots.
	ListOpenMarkets(ctx context.Context) ([]string, error)
	GetLot(ctx context.Context, id int64) (domain.Lot, error)
}

// SignalStore handles dedup, checkpoints and the copied trader's
// last-known positions.
type SignalStore interface {
	// ClaimSignal inserts the seen-row for (strategy, sourceTradeID) iff
	// absent. Returns false when the signal was already claimed — the
	// atomic dedup gate.
	ClaimSignal(ctx context.Context, strategyID, sourceTradeID string, signalTime time.Time) (bool, error)
	// FinalizeSignal records the terminal outcome of a claimed signal.
	FinalizeSignal(ctx context.Context, strategyID, sourceTradeID string, outcome domain.SignalOutcome, reason string) error
	GetSeenSignal(ctx context.Context, strategyID, sourceTradeID string) (domain.SeenSignal, error)

	GetCheckpoint(ctx context.Context, strategyID string) (time.Time, error)
	// AdvanceCheckpoint moves the cursor forward, never backward.
	AdvanceCheckpoint(ctx context.Context, strategyID string, ts time.Time) error

	GetTraderPositionBaseline(ctx context.Context, strategyID, marketID, outcome string) (domain.TraderPosition, error)
	SaveTraderPositionBaseline(ctx context.Context, p domain.TraderPosition) error

	// SaveInstrument writes through a resolved instrument mapping, the
	// resolver's secondary store.
	SaveInstrument(ctx context.Context, marketID, outcome, instrumentID string) error
	LookupInstrument(ctx context.Context, marketID, outcome string) (string, error)
}

// ExitStore persists detected exit signals for audit.
type ExitStore interface {
	SaveExitSignal(ctx context.Context, es domain.ExitSignal) error
	ListExitSignals(ctx context.Context, strategyID string, limit int) ([]domain.ExitSignal, error)
}

// LogStore persists structured execution records.
type LogStore interface {
	AppendExecutionRecord(ctx context.Context, r domain.ExecutionRecord) error
	ListExecutionRecords(ctx context.Context, strategyID string, limit int) ([]domain.ExecutionRecord, error)
}
