package domain

import "time"

// Side of a trade relative to the outcome token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is one upstream-qualified candidate trade to copy. Immutable:
// the engine never mutates a signal, only records what it did with it.
type Signal struct {
	SourceTradeID string // dedup key — the copied trade's transaction hash
	MarketID      string
	Outcome       string
	Side          Side
	Price         float64 // copied trader's execution price
	Size          float64 // copied trader's size in USDC
	Timestamp     time.Time
}

// SignalOutcome records what the executor decided for a seen signal.
type SignalOutcome string

const (
	SignalProcessing SignalOutcome = "processing"
	SignalExecuted   SignalOutcome = "executed"
	SignalSkipped    SignalOutcome = "skipped"
	SignalFailed     SignalOutcome = "failed"
)

// SeenSignal is the per-strategy dedup + audit record for a signal.
type SeenSignal struct {
	StrategyID    string
	SourceTradeID string
	Outcome       SignalOutcome
	Reason        string
	SignalTime    time.Time
	SeenAt        time.Time
}

// ExitSignal is a detected reduction in the copied trader's position.
// ExitFraction is (prev-current)/prev; 1.0 means full liquidation.
type ExitSignal struct {
	ID           int64
	StrategyID   string
	MarketID     string
	Outcome      string
	PrevSize     float64
	CurrSize     float64
	ExitFraction float64
	DetectedAt   time.Time
}

// CooldownEntry is cash released from a closed position, unavailable for
// new trades until AvailableAt.
type CooldownEntry struct {
	ID          int64
	StrategyID  string
	Amount      float64
	AvailableAt time.Time
	Released    bool
	CreatedAt   time.Time
}

// Resolution is the terminal state of a market from the resolution feed.
type Resolution struct {
	MarketID       string
	Resolved       bool
	WinningOutcome string
}

// TraderPosition is the copied trader's last-known holding in one market
// outcome, used by the exit detector as the comparison baseline.
type TraderPosition struct {
	StrategyID string
	MarketID   string
	Outcome    string
	Size       float64 // shares
	UpdatedAt  time.Time
}
