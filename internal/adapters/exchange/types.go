package exchange

// Raw DTOs for the exchange APIs. Used only inside this package; the
// conversion to domain entities happens in mapping.go.

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	TokenID   string  `json:"token_id"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	OrderType string  `json:"order_type"`
}

// clobOrderResponse is the response of POST /order and GET /order/{id}.
type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	SizeMatched  string `json:"size_matched"`
	PriceMatched string `json:"price_matched"`
	Success      bool   `json:"success"`
}

// bookEntryRaw is one raw price level (strings for precision).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// orderBookResponse is the response of GET /book.
type orderBookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    []bookEntryRaw `json:"bids"`
	Asks    []bookEntryRaw `json:"asks"`
}

// metaToken is one outcome token in the market metadata.
type metaToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// metaMarket is the metadata API's description of a market.
type metaMarket struct {
	ConditionID string      `json:"condition_id"`
	Question    string      `json:"question"`
	Active      bool        `json:"active"`
	Closed      bool        `json:"closed"`
	Tokens      []metaToken `json:"tokens"`
}

// dataTrade is one trade of the copied wallet from the data API.
type dataTrade struct {
	TransactionHash string  `json:"transactionHash"`
	ConditionID     string  `json:"conditionId"`
	Outcome         string  `json:"outcome"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
}

// dataPosition is one holding of an account from the data API.
type dataPosition struct {
	ConditionID string  `json:"conditionId"`
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"` // shares
}
