package exchange

import (
	"strconv"
	"strings"
	"time"

	"polycopy/internal/domain"
)

// mapOrderStatus converts the exchange's status strings to the local
// lifecycle. Unknown strings map to PENDING so polling keeps watching.
func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "MATCHED", "FILLED":
		return domain.OrderFilled
	case "PARTIAL", "PARTIALLY_MATCHED":
		return domain.OrderPartial
	case "CANCELED", "CANCELLED":
		return domain.OrderCancelled
	case "REJECTED", "INVALID":
		return domain.OrderRejected
	case "LIVE", "OPEN", "PENDING", "DELAYED":
		return domain.OrderPending
	}
	return domain.OrderPending
}

// mapOrderResult converts a raw order response into a PlaceResult.
func mapOrderResult(raw clobOrderResponse) domain.PlaceResult {
	return domain.PlaceResult{
		ExchangeOrderID: raw.OrderID,
		Status:          mapOrderStatus(raw.Status),
		FilledSize:      parseFloat(raw.SizeMatched),
		FilledPrice:     parseFloat(raw.PriceMatched),
	}
}

// mapBook converts raw string levels to floats, keeping level order.
func mapBook(instrumentID string, raw orderBookResponse) domain.OrderBook {
	book := domain.OrderBook{InstrumentID: instrumentID}
	for _, e := range raw.Bids {
		book.Bids = append(book.Bids, domain.OrderBookLevel{Price: parseFloat(e.Price), Size: parseFloat(e.Size)})
	}
	for _, e := range raw.Asks {
		book.Asks = append(book.Asks, domain.OrderBookLevel{Price: parseFloat(e.Price), Size: parseFloat(e.Size)})
	}
	return book
}

// mapMarket converts market metadata, deriving the resolution state from
// the winner flag on the outcome tokens.
func mapMarket(raw metaMarket) domain.MarketMetadata {
	meta := domain.MarketMetadata{
		MarketID: raw.ConditionID,
		Question: raw.Question,
		Active:   raw.Active,
		Closed:   raw.Closed,
	}
	for _, tok := range raw.Tokens {
		meta.Instruments = append(meta.Instruments, domain.Instrument{ID: tok.TokenID, Outcome: tok.Outcome})
		if tok.Winner {
			meta.Resolved = true
			meta.WinningOutcome = tok.Outcome
		}
	}
	return meta
}

// mapTrades converts raw wallet trades to signals, dropping anything at
// or before the cursor. The transaction hash is the dedup identity.
func mapTrades(raws []dataTrade, since time.Time) []domain.Signal {
	var signals []domain.Signal
	for _, t := range raws {
		ts := time.Unix(t.Timestamp, 0).UTC()
		if !ts.After(since) {
			continue
		}
		side := domain.SideBuy
		if strings.EqualFold(t.Side, "SELL") {
			side = domain.SideSell
		}
		signals = append(signals, domain.Signal{
			SourceTradeID: t.TransactionHash,
			MarketID:      t.ConditionID,
			Outcome:       t.Outcome,
			Side:          side,
			Price:         t.Price,
			Size:          t.Size,
			Timestamp:     ts,
		})
	}
	return signals
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
