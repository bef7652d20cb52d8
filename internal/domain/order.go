package domain

import (
	"errors"
	"time"
)

// Expected rejections. These are normal outcomes of the pipeline, logged
// and recorded but never treated as bugs.
var (
	ErrInsufficientCash      = errors.New("insufficient available cash")
	ErrInsufficientLiquidity = errors.New("insufficient book liquidity")
	ErrNotFound              = errors.New("not found")
	ErrOrderNotFound         = errors.New("order not found on exchange")
)

// OrderStatus is the lifecycle of one exchange submission.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
	// OrderLost means the exchange repeatedly reported the order as
	// unknown after submission. Terminal: capital goes to cooldown and
	// the order is flagged for manual reconciliation, never resubmitted.
	OrderLost OrderStatus = "LOST"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderLost:
		return true
	}
	return false
}

// OrderType controls fill semantics at the exchange.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // all-or-nothing, deterministic accounting
	OrderTypeGTC OrderType = "GTC" // may partially fill
)

// Order is one exchange submission tied to a signal and a strategy.
type Order struct {
	ID              string // local uuid
	SignalID        string // source trade id, empty for exit-driven sells
	StrategyID      string
	MarketID        string
	Outcome         string
	InstrumentID    string
	Side            Side
	OrderType       OrderType
	ReqPrice        float64
	ReqSize         float64 // shares
	FilledPrice     float64
	FilledSize      float64 // shares
	ExchangeOrderID string
	Status          OrderStatus
	NotFoundCount   int  // consecutive "not found" poll responses
	AuditFlag       bool // set on LOST, cleared by manual reconciliation
	PlacedAt        time.Time
	UpdatedAt       time.Time
}

// Cost is the USDC notional of the requested order.
func (o Order) Cost() float64 { return o.ReqPrice * o.ReqSize }

// FilledCost is the USDC notional actually executed.
func (o Order) FilledCost() float64 { return o.FilledPrice * o.FilledSize }

// PlaceRequest is what the execution client sends to the exchange.
type PlaceRequest struct {
	InstrumentID string
	Side         Side
	Price        float64
	Size         float64 // shares
	OrderType    OrderType
}

// PlaceResult is the exchange's response to a placement.
type PlaceResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledSize      float64
	FilledPrice     float64
}

// OrderBookLevel is one price level of the exchange book.
type OrderBookLevel struct {
	Price float64
	Size  float64 // shares
}

// OrderBook is a snapshot of bids and asks for one instrument.
type OrderBook struct {
	InstrumentID string
	Bids         []OrderBookLevel // best first
	Asks         []OrderBookLevel // best first
}

// BestBid returns the highest bid price, 0 if the book side is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, 0 if the book side is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// DepthNear sums the shares available on the given side at prices within
// tolerance of price. side is the taker side: a BUY consumes asks.
func (b OrderBook) DepthNear(side Side, price, tolerance float64) float64 {
	var total float64
	if side == SideBuy {
		for _, lvl := range b.Asks {
			if lvl.Price <= price+tolerance {
				total += lvl.Size
			}
		}
		return total
	}
	for _, lvl := range b.Bids {
		if lvl.Price >= price-tolerance {
			total += lvl.Size
		}
	}
	return total
}

// MarketMetadata is the exchange's description of one market.
type MarketMetadata struct {
	MarketID       string
	Question       string
	Active         bool
	Closed         bool
	Resolved       bool
	WinningOutcome string
	Instruments    []Instrument
}

// Instrument is the tradable token for one outcome of one market.
type Instrument struct {
	ID      string
	Outcome string
}
