package execution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycopy/internal/domain"
	"polycopy/internal/engine/execution"
)

type mockExchange struct {
	placeFn  func(domain.PlaceRequest) (domain.PlaceResult, error)
	statusFn func(string) (domain.PlaceResult, error)
	book     domain.OrderBook
	bookErr  error
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error) {
	return m.placeFn(req)
}
func (m *mockExchange) CancelOrder(ctx context.Context, id string) error { return nil }
func (m *mockExchange) GetOrderStatus(ctx context.Context, id string) (domain.PlaceResult, error) {
	return m.statusFn(id)
}
func (m *mockExchange) GetOrderBook(ctx context.Context, id string) (domain.OrderBook, error) {
	return m.book, m.bookErr
}
func (m *mockExchange) GetMarketMetadata(ctx context.Context, marketID string) (domain.MarketMetadata, error) {
	return domain.MarketMetadata{}, errors.New("not implemented")
}
func (m *mockExchange) GetTraderPosition(ctx context.Context, account, marketID, outcome string) (float64, error) {
	return 0, nil
}

func fastConfig() execution.Config {
	return execution.Config{
		TickSize:             decimal.NewFromFloat(0.01),
		LotSize:              decimal.NewFromInt(1),
		MinBookFraction:      0.5,
		PartialFillThreshold: 500,
		PollInterval:         time.Millisecond,
		PollTimeout:          time.Second,
		LostAfterMisses:      3,
	}
}

func TestRounding(t *testing.T) {
	c := execution.NewClient(&mockExchange{}, fastConfig())

	assert.InDelta(t, 0.42, c.RoundPrice(0.4299), 1e-12)
	assert.InDelta(t, 0.42, c.RoundPrice(0.42), 1e-12)
	assert.InDelta(t, 37.0, c.RoundSize(37.9), 1e-12)
	assert.Zero(t, c.RoundSize(0.4))
}

func TestOrderTypeFor(t *testing.T) {
	c := execution.NewClient(&mockExchange{}, fastConfig())

	assert.Equal(t, domain.OrderTypeFOK, c.OrderTypeFor(100, ""))
	assert.Equal(t, domain.OrderTypeGTC, c.OrderTypeFor(600, ""))
	assert.Equal(t, domain.OrderTypeGTC, c.OrderTypeFor(10, "GTC"))
}

func TestCheckLiquidity(t *testing.T) {
	ex := &mockExchange{book: domain.OrderBook{
		Asks: []domain.OrderBookLevel{
			{Price: 0.42, Size: 30},
			{Price: 0.44, Size: 100},
			{Price: 0.60, Size: 1000},
		},
	}}
	c := execution.NewClient(ex, fastConfig())
	ctx := context.Background()

	// 130 shares within 0.02 of 0.42 covers half of 200.
	assert.NoError(t, c.CheckLiquidity(ctx, "tok", domain.SideBuy, 0.42, 200, 0.02))

	// Needs half of 400 = 200, only 130 near the price.
	err := c.CheckLiquidity(ctx, "tok", domain.SideBuy, 0.42, 400, 0.02)
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
}

func TestCheckLiquidity_DisabledSkipsBookFetch(t *testing.T) {
	cfg := fastConfig()
	cfg.MinBookFraction = 0
	ex := &mockExchange{bookErr: errors.New("should not be called")}
	c := execution.NewClient(ex, cfg)

	assert.NoError(t, c.CheckLiquidity(context.Background(), "tok", domain.SideBuy, 0.42, 200, 0.02))
}

func TestPlace_ImmediateFill(t *testing.T) {
	ex := &mockExchange{
		placeFn: func(req domain.PlaceRequest) (domain.PlaceResult, error) {
			return domain.PlaceResult{
				ExchangeOrderID: "0xord1",
				Status:          domain.OrderFilled,
				FilledSize:      req.Size,
				FilledPrice:     req.Price,
			}, nil
		},
	}
	c := execution.NewClient(ex, fastConfig())

	res, err := c.Place(context.Background(), domain.PlaceRequest{
		InstrumentID: "tok", Side: domain.SideBuy, Price: 0.42, Size: 50, OrderType: domain.OrderTypeFOK,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, res.Status)
	assert.InDelta(t, 50.0, res.FilledSize, 1e-9)
}

func TestPlace_PollsToFill(t *testing.T) {
	polls := 0
	ex := &mockExchange{
		placeFn: func(req domain.PlaceRequest) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: "0xord1", Status: domain.OrderPending}, nil
		},
		statusFn: func(id string) (domain.PlaceResult, error) {
			polls++
			if polls < 3 {
				return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderPending}, nil
			}
			return domain.PlaceResult{
				ExchangeOrderID: id, Status: domain.OrderFilled, FilledSize: 50, FilledPrice: 0.43,
			}, nil
		},
	}
	c := execution.NewClient(ex, fastConfig())

	res, err := c.Place(context.Background(), domain.PlaceRequest{InstrumentID: "tok", Size: 50, Price: 0.42})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, res.Status)
	assert.InDelta(t, 0.43, res.FilledPrice, 1e-9)
	assert.Equal(t, 3, polls)
}

func TestPlace_LostAfterConsecutiveMisses(t *testing.T) {
	ex := &mockExchange{
		placeFn: func(req domain.PlaceRequest) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: "0xord1", Status: domain.OrderPending}, nil
		},
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{}, domain.ErrOrderNotFound
		},
	}
	c := execution.NewClient(ex, fastConfig())

	res, err := c.Place(context.Background(), domain.PlaceRequest{InstrumentID: "tok", Size: 50, Price: 0.42})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderLost, res.Status)
	assert.Equal(t, 3, res.NotFoundCount)
}

// A successful poll resets the miss counter: only consecutive misses
// count toward the lost threshold.
func TestPlace_MissCounterResets(t *testing.T) {
	polls := 0
	ex := &mockExchange{
		placeFn: func(req domain.PlaceRequest) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: "0xord1", Status: domain.OrderPending}, nil
		},
		statusFn: func(id string) (domain.PlaceResult, error) {
			polls++
			switch {
			case polls <= 2:
				return domain.PlaceResult{}, domain.ErrOrderNotFound
			case polls == 3:
				return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderPending}, nil
			case polls <= 5:
				return domain.PlaceResult{}, domain.ErrOrderNotFound
			default:
				return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderFilled, FilledSize: 50, FilledPrice: 0.42}, nil
			}
		},
	}
	c := execution.NewClient(ex, fastConfig())

	res, err := c.Place(context.Background(), domain.PlaceRequest{InstrumentID: "tok", Size: 50, Price: 0.42})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, res.Status)
}

func TestPlace_TimeoutLeavesOrderOpen(t *testing.T) {
	cfg := fastConfig()
	cfg.PollTimeout = 5 * time.Millisecond
	ex := &mockExchange{
		placeFn: func(req domain.PlaceRequest) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: "0xord1", Status: domain.OrderPending}, nil
		},
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderPending}, nil
		},
	}
	c := execution.NewClient(ex, cfg)

	res, err := c.Place(context.Background(), domain.PlaceRequest{InstrumentID: "tok", Size: 50, Price: 0.42})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, res.Status)
	assert.False(t, res.Status.Terminal())
}
