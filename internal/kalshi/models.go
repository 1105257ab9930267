package kalshi

// Market is a market as returned by GET /markets. Category is not always
// populated by the venue.
type Market struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	CloseTime   string `json:"close_time"` // RFC 3339
}

// MarketsResponse is one page of markets.
type MarketsResponse struct {
	Markets []Market `json:"markets"`
	Cursor  string   `json:"cursor"`
}

// Trade is a trade as returned by GET /markets/trades. Numeric fields are
// pointers so missing values can be told apart from zero.
type Trade struct {
	TradeID     string `json:"trade_id"`
	Ticker      string `json:"ticker"`
	Count       *int64 `json:"count"`
	YesPrice    *int   `json:"yes_price"`
	NoPrice     *int   `json:"no_price"`
	TakerSide   string `json:"taker_side"`
	CreatedTime string `json:"created_time"` // RFC 3339
}

// TradesResponse is one page of trades.
type TradesResponse struct {
	Trades []Trade `json:"trades"`
	Cursor string  `json:"cursor"`
}
