package execution

// The execution client owns the submit-and-settle path of one order:
// tick/lot rounding, the optional book liquidity pre-check, submission
// and the fill poll loop. Accounting stays with the caller; this client
// only reports the terminal outcome it observed.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

// Config tunes the execution client.
type Config struct {
	// TickSize and LotSize are the exchange's price and share increments.
	TickSize decimal.Decimal
	LotSize  decimal.Decimal

	// MinBookFraction is the fraction of requested size that must be
	// available near the requested price for the pre-check to pass.
	// Zero disables the pre-check.
	MinBookFraction float64

	// PartialFillThreshold is the USDC notional above which orders are
	// placed GTC instead of FOK.
	PartialFillThreshold float64

	PollInterval time.Duration
	PollTimeout  time.Duration

	// LostAfterMisses is the number of consecutive "order not found"
	// poll responses before the order is declared lost.
	LostAfterMisses int
}

// DefaultConfig matches the exchange's cent tick and whole-share lot.
func DefaultConfig() Config {
	return Config{
		TickSize:             decimal.NewFromFloat(0.01),
		LotSize:              decimal.NewFromInt(1),
		MinBookFraction:      0.5,
		PartialFillThreshold: 500,
		PollInterval:         2 * time.Second,
		PollTimeout:          45 * time.Second,
		LostAfterMisses:      5,
	}
}

// Result is the terminal outcome of one placement.
type Result struct {
	ExchangeOrderID string
	Status          domain.OrderStatus
	FilledSize      float64
	FilledPrice     float64
	NotFoundCount   int
}

// Client places orders and waits for their terminal status.
type Client struct {
	exchange ports.Exchange
	cfg      Config
}

// NewClient creates a Client with the given tuning.
func NewClient(exchange ports.Exchange, cfg Config) *Client {
	if cfg.TickSize.IsZero() {
		cfg.TickSize = decimal.NewFromFloat(0.01)
	}
	if cfg.LotSize.IsZero() {
		cfg.LotSize = decimal.NewFromInt(1)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 45 * time.Second
	}
	if cfg.LostAfterMisses <= 0 {
		cfg.LostAfterMisses = 5
	}
	return &Client{exchange: exchange, cfg: cfg}
}

// RoundPrice snaps a price to the exchange tick, toward zero.
func (c *Client) RoundPrice(price float64) float64 {
	d := decimal.NewFromFloat(price)
	f, _ := d.Div(c.cfg.TickSize).Floor().Mul(c.cfg.TickSize).Float64()
	return f
}

// RoundSize snaps a share count to the exchange lot, toward zero.
func (c *Client) RoundSize(size float64) float64 {
	d := decimal.NewFromFloat(size)
	f, _ := d.Div(c.cfg.LotSize).Floor().Mul(c.cfg.LotSize).Float64()
	return f
}

// OrderTypeFor picks FOK for deterministic accounting, switching to GTC
// above the partial-fill threshold to raise fill probability.
func (c *Client) OrderTypeFor(cost float64, configured string) domain.OrderType {
	if configured == string(domain.OrderTypeGTC) {
		return domain.OrderTypeGTC
	}
	if c.cfg.PartialFillThreshold > 0 && cost > c.cfg.PartialFillThreshold {
		return domain.OrderTypeGTC
	}
	return domain.OrderTypeFOK
}

// CheckLiquidity verifies the book holds MinBookFraction of the
// requested size within tolerance of the requested price. Returns
// domain.ErrInsufficientLiquidity when it does not: a skip, not a bug.
func (c *Client) CheckLiquidity(ctx context.Context, instrumentID string, side domain.Side, price, size, tolerance float64) error {
	if c.cfg.MinBookFraction <= 0 {
		return nil
	}
	book, err := c.exchange.GetOrderBook(ctx, instrumentID)
	if err != nil {
		return fmt.Errorf("execution.CheckLiquidity: %w", err)
	}
	depth := book.DepthNear(side, price, tolerance)
	need := size * c.cfg.MinBookFraction
	if depth < need {
		slog.Info("execution: book too thin",
			"instrument", instrumentID,
			"depth", fmt.Sprintf("%.2f", depth),
			"need", fmt.Sprintf("%.2f", need),
		)
		return domain.ErrInsufficientLiquidity
	}
	return nil
}

// Place submits the order and polls until a terminal status, the poll
// timeout, or the lost threshold. The request's price and size must
// already be rounded.
func (c *Client) Place(ctx context.Context, req domain.PlaceRequest) (Result, error) {
	placed, err := c.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return Result{Status: domain.OrderRejected}, fmt.Errorf("execution.Place: %w", err)
	}

	res := Result{
		ExchangeOrderID: placed.ExchangeOrderID,
		Status:          placed.Status,
		FilledSize:      placed.FilledSize,
		FilledPrice:     placed.FilledPrice,
	}
	if res.Status.Terminal() {
		return res, nil
	}
	return c.poll(ctx, res)
}

// Poll resumes the fill wait for an already-submitted order, carrying
// the miss counter across process restarts.
func (c *Client) Poll(ctx context.Context, exchangeOrderID string, notFoundCount int) (Result, error) {
	return c.poll(ctx, Result{
		ExchangeOrderID: exchangeOrderID,
		Status:          domain.OrderPending,
		NotFoundCount:   notFoundCount,
	})
}

func (c *Client) poll(ctx context.Context, res Result) (Result, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}

		status, err := c.exchange.GetOrderStatus(ctx, res.ExchangeOrderID)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			res.NotFoundCount++
			slog.Warn("execution: order not found on poll",
				"exchange_order_id", res.ExchangeOrderID,
				"misses", res.NotFoundCount,
			)
			if res.NotFoundCount >= c.cfg.LostAfterMisses {
				res.Status = domain.OrderLost
				return res, nil
			}
		case err != nil:
			// Transient poll failure; the retry loop inside the
			// exchange client already backed off. Keep polling.
			slog.Warn("execution: poll failed",
				"exchange_order_id", res.ExchangeOrderID, "err", err)
		default:
			res.NotFoundCount = 0
			res.Status = status.Status
			if status.FilledSize > 0 {
				res.FilledSize = status.FilledSize
				res.FilledPrice = status.FilledPrice
			}
			if res.Status.Terminal() {
				return res, nil
			}
		}

		if time.Now().After(deadline) {
			// Still open at timeout. Leave it non-terminal; SyncPending
			// picks it up next cycle.
			return res, nil
		}
	}
}
