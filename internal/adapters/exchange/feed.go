package exchange

// feed.go — trade feed of the copied wallet. Implements ports.SignalFeed
// on the data API, paginating until the page drops below the cursor.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/domain"
)

const (
	tradesPath    = "/trades"
	tradesPerPage = 100
	maxTradePages = 10
)

// FetchSince returns the trader's trades strictly after the cursor,
// oldest first. Pages are newest-first at the API, so we page until a
// page ends at or before the cursor and then reverse.
func (c *Client) FetchSince(ctx context.Context, traderAddress string, since time.Time) ([]domain.Signal, error) {
	var all []domain.Signal

	for page := 0; page < maxTradePages; page++ {
		url := fmt.Sprintf("%s%s?user=%s&limit=%d&offset=%d",
			c.dataBase, tradesPath, traderAddress, tradesPerPage, page*tradesPerPage)

		var raws []dataTrade
		if err := c.get(ctx, c.dataLimiter, url, &raws); err != nil {
			return nil, fmt.Errorf("exchange.FetchSince: %w", err)
		}
		if len(raws) == 0 {
			break
		}

		signals := mapTrades(raws, since)
		all = append(all, signals...)

		// A short page or a page with trades filtered out means we
		// crossed the cursor.
		if len(raws) < tradesPerPage || len(signals) < len(raws) {
			break
		}
	}

	// Oldest first so the caller processes in trade order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	if len(all) > 0 {
		slog.Debug("exchange: trades fetched",
			"trader", traderAddress,
			"count", len(all),
			"since", since.Format(time.RFC3339),
		)
	}
	return all, nil
}
