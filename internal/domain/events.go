package domain

import "time"

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	EventOrderPlaced     EventType = "OrderPlaced"
	EventOrderFilled     EventType = "OrderFilled"
	EventOrderPartial    EventType = "OrderPartialFill"
	EventOrderCancelled  EventType = "OrderCancelled"
	EventOrderLost       EventType = "OrderLost"
	EventMarketResolved  EventType = "MarketResolved"
	EventBreakerTripped  EventType = "BreakerTripped"
	EventStrategyHalted  EventType = "StrategyHalted"
)

// Event is one lifecycle notification.
type Event struct {
	Type       EventType
	TraceID    string
	StrategyID string
	MarketID   string
	OrderID    string
	Detail     string
	At         time.Time
}

// ExecutionRecord is one row of the structured execution log.
type ExecutionRecord struct {
	ID         int64
	TraceID    string
	StrategyID string
	Stage      string
	Level      string
	Message    string
	ElapsedMS  int64
	At         time.Time
}
