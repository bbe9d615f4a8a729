package domain

import (
	"encoding/json"
	"time"
)

// EventType names an outbound engine event.
type EventType string

const (
	EventOrderPlaced   EventType = "order_placed"
	EventOrderCanceled EventType = "order_canceled"
	EventOrderUpdated  EventType = "order_updated"
	EventTrade         EventType = "trade"
	EventDepthUpdate   EventType = "depth_update"
	EventStatsUpdate   EventType = "stats_update"
	EventMarketClosed  EventType = "market_closed"
)

// Event is emitted after a mutation has been appended to the event log.
type Event struct {
	Type      EventType  `json:"type"`
	Market    string     `json:"market"`
	Outcome   int        `json:"outcome"`
	Seq       uint64     `json:"seq"`
	Order     *Order     `json:"order,omitempty"`
	Match     *Match     `json:"match,omitempty"`
	Depth     *Depth     `json:"depth,omitempty"`
	Stats     *BookStats `json:"stats,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Channel returns the broadcast channel of the event:
// {trades|depth|stats|orders}:{market}:{outcome}.
func (e Event) Channel() string {
	family := "orders"
	switch e.Type {
	case EventTrade:
		family = "trades"
	case EventDepthUpdate:
		family = "depth"
	case EventStatsUpdate:
		family = "stats"
	}
	return family + ":" + BookKey{Market: e.Market, Outcome: e.Outcome}.String()
}

// LogKind is the type of a durable event-log entry.
type LogKind string

const (
	LogSubmit    LogKind = "submit"
	LogCancel    LogKind = "cancel"
	LogClose     LogKind = "close"
	LogExpire    LogKind = "expire"
	LogChainFill LogKind = "chain_fill"
)

// LogEntry is one accepted mutation. Seq is strictly increasing per market.
type LogEntry struct {
	Market     string          `json:"market"`
	Seq        uint64          `json:"seq"`
	Kind       LogKind         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// SubmitPayload records an accepted incoming order exactly as validated.
type SubmitPayload struct {
	Order Order `json:"order"`
}

// CancelPayload records a maker cancel of one resting order.
type CancelPayload struct {
	Outcome int    `json:"outcome"`
	OrderID string `json:"orderId"`
}

// ClosePayload records a market close.
type ClosePayload struct {
	Reason string `json:"reason"`
}

// ExpirePayload records an expiry sweep of one book.
type ExpirePayload struct {
	Outcome int `json:"outcome"`
}

// Checkpoint is the full state of one market at Seq.
// OrderIDs lists every order id ever accepted in the market, so salts stay
// single-use across restarts.
type Checkpoint struct {
	Market   Market      `json:"market"`
	Seq      uint64      `json:"seq"`
	Books    []BookState `json:"books"`
	OrderIDs []string    `json:"orderIds"`
	// ChainFills maps ChainFill.Key of applied chain fills to their block.
	ChainFills map[string]uint64 `json:"chainFills,omitempty"`
	TakenAt    time.Time         `json:"takenAt"`
}
