package exchange

// orders.go — order placement, cancellation and status polling against
// the CLOB API. Implements the order half of ports.Exchange.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"polycopy/internal/domain"
)

const (
	orderPath = "/order"
	bookPath  = "/book"
)

// PlaceOrder submits a limit order. A permanent exchange rejection
// (4xx) comes back as an error; transient failures are retried inside
// the client.
func (c *Client) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error) {
	body := clobOrderRequest{
		TokenID:   req.InstrumentID,
		Side:      string(req.Side),
		Price:     req.Price,
		Size:      req.Size,
		OrderType: string(req.OrderType),
	}

	var raw clobOrderResponse
	url := c.clobBase + orderPath
	if err := c.post(ctx, c.clobLimiter, url, body, &raw); err != nil {
		return domain.PlaceResult{}, fmt.Errorf("exchange.PlaceOrder: %w", err)
	}
	if !raw.Success {
		return domain.PlaceResult{}, fmt.Errorf("exchange.PlaceOrder: rejected: %s", raw.ErrorMsg)
	}
	return mapOrderResult(raw), nil
}

// CancelOrder cancels by exchange order ID. Cancelling an order the
// exchange no longer knows is not an error.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	url := fmt.Sprintf("%s%s/%s", c.clobBase, orderPath, exchangeOrderID)
	if err := c.del(ctx, c.clobLimiter, url); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("exchange.CancelOrder: %w", err)
	}
	return nil
}

// GetOrderStatus returns the exchange's current view of a submitted
// order. An unknown order maps to domain.ErrOrderNotFound so the
// caller can count consecutive misses.
func (c *Client) GetOrderStatus(ctx context.Context, exchangeOrderID string) (domain.PlaceResult, error) {
	var raw clobOrderResponse
	url := fmt.Sprintf("%s%s/%s", c.clobBase, orderPath, exchangeOrderID)
	if err := c.get(ctx, c.clobLimiter, url, &raw); err != nil {
		if isNotFound(err) {
			return domain.PlaceResult{}, domain.ErrOrderNotFound
		}
		return domain.PlaceResult{}, fmt.Errorf("exchange.GetOrderStatus: %w", err)
	}
	res := mapOrderResult(raw)
	if res.ExchangeOrderID == "" {
		res.ExchangeOrderID = exchangeOrderID
	}
	return res, nil
}

// GetOrderBook returns the current book snapshot for an instrument.
func (c *Client) GetOrderBook(ctx context.Context, instrumentID string) (domain.OrderBook, error) {
	var raw orderBookResponse
	url := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, bookPath, instrumentID)
	if err := c.get(ctx, c.clobLimiter, url, &raw); err != nil {
		return domain.OrderBook{}, fmt.Errorf("exchange.GetOrderBook: %w", err)
	}
	return mapBook(instrumentID, raw), nil
}

// isNotFound reports whether err is a permanent 404 response.
func isNotFound(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.status == http.StatusNotFound || strings.Contains(strings.ToLower(pe.body), "not found")
	}
	return false
}
