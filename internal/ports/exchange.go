package ports

import (
	"context"
	"time"

	"polycopy/internal/domain"
)

// Exchange is the narrow order-placement/order-book/position-query boundary
// to the external exchange. Implementations own their retry, rate limiting
// and transient-error handling; callers see classified errors only.
type Exchange interface {
	// PlaceOrder submits a limit order and returns the exchange's
	// immediate view of it. Permanent rejections come back as errors.
	PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error)

	// CancelOrder cancels by exchange order ID.
	CancelOrder(ctx context.Context, exchangeOrderID string) error

	// GetOrderStatus returns the current state of a submitted order.
	// Returns domain.ErrOrderNotFound when the exchange does not know it.
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (domain.PlaceResult, error)

	// GetOrderBook returns the current book for an instrument.
	GetOrderBook(ctx context.Context, instrumentID string) (domain.OrderBook, error)

	// GetMarketMetadata returns market details including its instruments
	// and resolution state. Returns domain.ErrNotFound for unknown markets.
	GetMarketMetadata(ctx context.Context, marketID string) (domain.MarketMetadata, error)

	// GetTraderPosition returns the given account's current holding
	// (in shares) for one market outcome.
	GetTraderPosition(ctx context.Context, account, marketID, outcome string) (float64, error)
}

// SignalFeed supplies qualified copy candidates for one copied trader,
// append-only, queried by a "since" cursor.
type SignalFeed interface {
	FetchSince(ctx context.Context, traderAddress string, since time.Time) ([]domain.Signal, error)
}

// ResolutionFeed reports whether a market has resolved and which outcome won.
type ResolutionFeed interface {
	GetResolution(ctx context.Context, marketID string) (domain.Resolution, error)
}

// EventSink receives lifecycle events. Publish must never block the caller.
type EventSink interface {
	Publish(ev domain.Event)
}
