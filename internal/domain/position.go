package domain

import "time"

// LotStatus is the lifecycle of one purchase lot.
type LotStatus string

const (
	LotOpen         LotStatus = "OPEN"
	LotClosedBySell LotStatus = "CLOSED_BY_SELL"
	LotResolved     LotStatus = "RESOLVED"
)

// Lot is a discrete purchase of an outcome token at one entry price,
// consumed FIFO by sells and settled at resolution.
// Invariant: SoldShares + ResolvedShares + RemainingShares == OriginalShares.
type Lot struct {
	ID              int64
	StrategyID      string
	MarketID        string
	Outcome         string
	OrderID         string
	OriginalShares  float64
	RemainingShares float64
	SoldShares      float64
	ResolvedShares  float64
	EntryPrice      float64
	Status          LotStatus
	CreatedAt       time.Time
}

// LotClosure records shares of one lot consumed by one sell order.
type LotClosure struct {
	ID          int64
	LotID       int64
	SellOrderID string
	Shares      float64
	SellPrice   float64
	PnL         float64
	CreatedAt   time.Time
}

// ShortPosition is the remainder of a sell that exceeded held shares.
// It carries no lot backing and is valued only at market resolution.
type ShortPosition struct {
	ID          int64
	StrategyID  string
	MarketID    string
	Outcome     string
	SellOrderID string
	Shares      float64
	SellPrice   float64
	Settled     bool
	PnL         float64
	CreatedAt   time.Time
}

// LotMatch is one lot's contribution to a sell.
type LotMatch struct {
	LotID      int64
	Shares     float64
	EntryPrice float64
	PnL        float64
}

// SellResult summarizes FIFO matching of one sell against open lots.
type SellResult struct {
	Matches        []LotMatch
	MatchedShares  float64
	CostBasis      float64 // Σ matched shares × entry price
	Proceeds       float64 // matched shares × sell price
	RealizedPnL    float64
	ShortRemainder float64 // shares sold beyond held — standalone short
}

// ResolutionResult summarizes settling all remaining lots of one market.
type ResolutionResult struct {
	// Per strategy: cost basis of settled shares (to unlock) and the
	// payout they produced (to cooldown).
	Released []StrategyRelease
}

// StrategyRelease is one strategy's share of a market resolution.
type StrategyRelease struct {
	StrategyID  string
	CostBasis   float64
	Payout      float64
	RealizedPnL float64
	LotsSettled int
}

// Position is the aggregate view of one strategy's holding in one
// market outcome, derived from its open lots.
type Position struct {
	StrategyID string
	MarketID   string
	Outcome    string
	NetShares  float64
	CostBasis  float64
	AvgEntry   float64
	OpenLots   int
}
