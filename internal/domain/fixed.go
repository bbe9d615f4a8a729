package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/holiman/uint256"
)

const (
	// PriceScale is one full unit of price (1 USDC per outcome share).
	PriceScale int64 = 1_000_000
	// AmountDecimals is the fixed-point precision of order amounts.
	AmountDecimals = 18
)

var amountScale = uint256.NewInt(1_000_000_000_000_000_000)

// Amount is an 18-decimal fixed-point quantity backed by a 256-bit integer.
// The zero value is zero. Amount is immutable; arithmetic returns new values.
type Amount struct {
	u uint256.Int
}

// NewAmount returns an amount of v base units.
func NewAmount(v uint64) Amount {
	var a Amount
	a.u.SetUint64(v)
	return a
}

// Units returns whole units scaled to 18 decimals.
func Units(v uint64) Amount {
	var a Amount
	a.u.Mul(uint256.NewInt(v), amountScale)
	return a
}

// ParseAmount parses a base-10 integer string of base units.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if err := a.u.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("amount %q: %w", s, err)
	}
	return a, nil
}

// AmountFromBig converts b, failing on negative or overflowing values.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount %s: negative", b)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, fmt.Errorf("amount %s: overflows 256 bits", b)
	}
	return Amount{u: *u}, nil
}

func (a Amount) IsZero() bool { return a.u.IsZero() }
func (a Amount) Cmp(b Amount) int { return a.u.Cmp(&b.u) }
func (a Amount) Lt(b Amount) bool { return a.u.Lt(&b.u) }
func (a Amount) Gt(b Amount) bool { return a.u.Gt(&b.u) }
func (a Amount) Eq(b Amount) bool { return a.u.Eq(&b.u) }
func (a Amount) String() string { return a.u.Dec() }
func (a Amount) Big() *big.Int { return a.u.ToBig() }
func (a Amount) Uint256() *uint256.Int { return new(uint256.Int).Set(&a.u) }

func (a Amount) Add(b Amount) Amount {
	var r Amount
	r.u.Add(&a.u, &b.u)
	return r
}

// Sub returns a-b, clamped at zero.
func (a Amount) Sub(b Amount) Amount {
	if a.Lt(b) {
		return Amount{}
	}
	var r Amount
	r.u.Sub(&a.u, &b.u)
	return r
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if b.Lt(a) {
		return b
	}
	return a
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.u.Dec())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare integers as well.
		s = string(data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Notional returns amount*price/1e18, the USDC micro-unit value of a fill.
func Notional(amount Amount, price int64) Amount {
	if price <= 0 {
		return Amount{}
	}
	var out Amount
	out.u.MulDivOverflow(&amount.u, uint256.NewInt(uint64(price)), amountScale)
	return out
}

// MulPrice returns amount*price without rescaling. Sums of these products are
// exact, unlike sums of Notional.
func MulPrice(amount Amount, price int64) Amount {
	if price <= 0 {
		return Amount{}
	}
	var out Amount
	out.u.Mul(&amount.u, uint256.NewInt(uint64(price)))
	return out
}

// Fee applies bps to notional with half-up rounding.
func Fee(notional Amount, bps int64) Amount {
	if bps <= 0 || notional.IsZero() {
		return Amount{}
	}
	var out Amount
	out.u.Mul(&notional.u, uint256.NewInt(uint64(bps)))
	out.u.Add(&out.u, uint256.NewInt(5000))
	out.u.Div(&out.u, uint256.NewInt(10000))
	return out
}

// FormatPrice renders ticks as a decimal string, e.g. 400000 -> "0.400000".
func FormatPrice(ticks int64) string {
	whole := ticks / PriceScale
	frac := ticks % PriceScale
	if frac < 0 {
		frac = -frac
	}
	return strconv.FormatInt(whole, 10) + "." + fmt.Sprintf("%06d", frac)
}
