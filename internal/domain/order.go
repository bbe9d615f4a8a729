package domain

import (
	"strconv"
	"strings"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side an order of s matches against.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// TimeInForce is the lifetime policy of an order's unfilled remainder.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TimeInForceGTD TimeInForce = "GTD" // Good-Till-Date
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill-Or-Kill
	TimeInForceFAK TimeInForce = "FAK" // Fill-And-Kill
)

// Valid reports whether t is a known policy.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceGTC, TimeInForceGTD, TimeInForceIOC, TimeInForceFOK, TimeInForceFAK:
		return true
	}
	return false
}

// Rests reports whether an unfilled remainder stays on the book.
func (t TimeInForce) Rests() bool {
	return t == TimeInForceGTC || t == TimeInForceGTD
}

// OrderStatus tracks the order lifecycle as reported to callers.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusKilled          OrderStatus = "killed"
)

// Order is a signed limit order. Price is in 1e6 ticks, amounts are 18-decimal.
type Order struct {
	ID                string      `json:"id"`
	Market            string      `json:"market"`
	Outcome           int         `json:"outcome"`
	Side              OrderSide   `json:"side"`
	Price             int64       `json:"price"`
	Amount            Amount      `json:"amount"`
	Remaining         Amount      `json:"remaining"`
	Expiry            int64       `json:"expiry"`
	TimeInForce       TimeInForce `json:"timeInForce"`
	PostOnly          bool        `json:"postOnly"`
	Maker             string      `json:"maker"`
	Salt              string      `json:"salt"`
	Signature         string      `json:"signature"`
	ClientOrderID     string      `json:"clientOrderId,omitempty"`
	ChainID           int64       `json:"chainId"`
	VerifyingContract string      `json:"verifyingContract"`
	Seq               uint64      `json:"seq"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// OrderID is the book-wide identity of an order: lower(maker)-salt.
func OrderID(maker, salt string) string {
	return strings.ToLower(maker) + "-" + salt
}

// Filled returns the amount matched so far.
func (o Order) Filled() Amount {
	return o.Amount.Sub(o.Remaining)
}

// ExpiredAt reports whether the order has a deadline at or before now.
func (o Order) ExpiredAt(now time.Time) bool {
	return o.Expiry > 0 && o.Expiry <= now.Unix()
}

// Key returns the (market, outcome) book the order belongs to.
func (o Order) Key() BookKey {
	return BookKey{Market: o.Market, Outcome: o.Outcome}
}

// BookKey identifies one order book.
type BookKey struct {
	Market  string `json:"market"`
	Outcome int    `json:"outcome"`
}

func (k BookKey) String() string {
	return k.Market + ":" + strconv.Itoa(k.Outcome)
}
