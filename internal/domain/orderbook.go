package domain

import "time"

// PriceLevel is one aggregated price level of a book side.
type PriceLevel struct {
	Price  int64  `json:"price"`
	Amount Amount `json:"amount"`
	Count  int    `json:"count"`
}

// Depth is the aggregated view of both sides of a book.
type Depth struct {
	Market  string       `json:"market"`
	Outcome int          `json:"outcome"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
}

// BookStats summarizes a book for tickers.
// BestBid/BestAsk/Spread/LastTradePrice are zero when unknown.
type BookStats struct {
	Market         string    `json:"market"`
	Outcome        int       `json:"outcome"`
	BestBid        int64     `json:"bestBid"`
	BestAsk        int64     `json:"bestAsk"`
	Spread         int64     `json:"spread"`
	BidDepth       Amount    `json:"bidDepth"`
	AskDepth       Amount    `json:"askDepth"`
	LastTradePrice int64     `json:"lastTradePrice"`
	Volume24h      Amount    `json:"volume24h"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PublicView is the reduced snapshot followers serve reads from.
type PublicView struct {
	Depth Depth     `json:"depth"`
	Stats BookStats `json:"stats"`
}

// BookState is the full restorable state of one book.
type BookState struct {
	Market         string         `json:"market"`
	Outcome        int            `json:"outcome"`
	Orders         []Order        `json:"orders"`
	NextSeq        uint64         `json:"nextSeq"`
	LastTradePrice int64          `json:"lastTradePrice"`
	Volume         []VolumeBucket `json:"volume,omitempty"`
}

// VolumeBucket accumulates traded notional for one minute.
type VolumeBucket struct {
	Minute   int64  `json:"minute"`
	Notional Amount `json:"notional"`
}
