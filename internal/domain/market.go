package domain

import (
	"strconv"
	"strings"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen   MarketStatus = "open"
	MarketStatusClosed MarketStatus = "closed"
)

// Market is the tradability record of one market key, shared by all its outcome books.
type Market struct {
	Key               string       `json:"key"`
	VerifyingContract string       `json:"verifyingContract"`
	Status            MarketStatus `json:"status"`
	CloseReason       string       `json:"closeReason,omitempty"`
	ClosedAt          *time.Time   `json:"closedAt,omitempty"`
	Seq               uint64       `json:"seq"`
}

// ParseMarketKey splits a "chainId:eventId" key. ok is false on malformed keys.
func ParseMarketKey(key string) (chainID int64, eventID string, ok bool) {
	left, right, found := strings.Cut(key, ":")
	if !found || left == "" || right == "" || strings.Contains(right, ":") {
		return 0, "", false
	}
	id, err := strconv.ParseInt(left, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	for _, r := range right {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_') {
			return 0, "", false
		}
	}
	return id, right, true
}
