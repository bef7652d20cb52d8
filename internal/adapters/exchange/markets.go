package exchange

// markets.go — market metadata, resolution state and account holdings.
// Implements the query half of ports.Exchange plus ports.ResolutionFeed.

import (
	"context"
	"fmt"

	"polycopy/internal/domain"
)

const (
	marketPath    = "/markets"
	positionsPath = "/positions"
)

// GetMarketMetadata returns one market's details including its outcome
// instruments and resolution state.
func (c *Client) GetMarketMetadata(ctx context.Context, marketID string) (domain.MarketMetadata, error) {
	var raw metaMarket
	url := fmt.Sprintf("%s%s/%s", c.metaBase, marketPath, marketID)
	if err := c.get(ctx, c.metaLimiter, url, &raw); err != nil {
		if isNotFound(err) {
			return domain.MarketMetadata{}, domain.ErrNotFound
		}
		return domain.MarketMetadata{}, fmt.Errorf("exchange.GetMarketMetadata: %w", err)
	}
	if raw.ConditionID == "" {
		return domain.MarketMetadata{}, domain.ErrNotFound
	}
	return mapMarket(raw), nil
}

// GetResolution reports whether a market has resolved and which outcome
// won. Implements ports.ResolutionFeed on top of the metadata API.
func (c *Client) GetResolution(ctx context.Context, marketID string) (domain.Resolution, error) {
	meta, err := c.GetMarketMetadata(ctx, marketID)
	if err != nil {
		return domain.Resolution{}, fmt.Errorf("exchange.GetResolution: %w", err)
	}
	return domain.Resolution{
		MarketID:       meta.MarketID,
		Resolved:       meta.Resolved,
		WinningOutcome: meta.WinningOutcome,
	}, nil
}

// GetTraderPosition returns an account's current holding in shares for
// one market outcome. A holding the data API does not list is zero.
func (c *Client) GetTraderPosition(ctx context.Context, account, marketID, outcome string) (float64, error) {
	var raws []dataPosition
	url := fmt.Sprintf("%s%s?user=%s&market=%s", c.dataBase, positionsPath, account, marketID)
	if err := c.get(ctx, c.dataLimiter, url, &raws); err != nil {
		return 0, fmt.Errorf("exchange.GetTraderPosition: %w", err)
	}
	for _, p := range raws {
		if p.ConditionID == marketID && p.Outcome == outcome {
			return p.Size, nil
		}
	}
	return 0, nil
}
