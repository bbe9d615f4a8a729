package domain

import (
	"strconv"
	"strings"
	"time"
)

// Match is one fill produced when a taker crosses a resting maker.
// Price is always the maker's resting price.
type Match struct {
	ID           string    `json:"id"`
	Market       string    `json:"market"`
	Outcome      int       `json:"outcome"`
	MakerOrderID string    `json:"makerOrderId"`
	TakerOrderID string    `json:"takerOrderId"`
	Maker        string    `json:"maker"`
	Taker        string    `json:"taker"`
	TakerSide    OrderSide `json:"takerSide"`
	Amount       Amount    `json:"amount"`
	Price        int64     `json:"price"`
	MakerFee     Amount    `json:"makerFee"`
	TakerFee     Amount    `json:"takerFee"`
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notional returns the USDC micro-unit value of the match.
func (m Match) Notional() Amount {
	return Notional(m.Amount, m.Price)
}

// ChainFill is a fill observed on-chain for an order that may still rest off-chain.
type ChainFill struct {
	Market string `json:"market"`
	Maker  string `json:"maker"`
	Salt   string `json:"salt"`
	Amount Amount `json:"amount"`
	TxHash string `json:"txHash"`
	LogIdx uint   `json:"logIdx"`
	Block  uint64 `json:"block"`
}

// Key identifies the log that produced the fill. It is empty when the fill
// has no transaction.
func (f ChainFill) Key() string {
	if f.TxHash == "" {
		return ""
	}
	return strings.ToLower(f.TxHash) + ":" + strconv.FormatUint(uint64(f.LogIdx), 10)
}
