package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Quantity is a price or amount as sent by clients. A quoted integer is in
// base units; a JSON number or a quoted value with a decimal point is in
// display units and is scaled exactly.
type Quantity struct {
	raw     string
	display bool
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = Quantity{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		*q = Quantity{raw: s, display: strings.ContainsAny(s, ".eE")}
		return nil
	}
	*q = Quantity{raw: string(data), display: true}
	return nil
}

// IsZero reports whether the field was absent.
func (q Quantity) IsZero() bool { return q.raw == "" }

func (q Quantity) scaled(places int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(q.raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if q.display {
		d = d.Shift(places)
	}
	if !d.IsInteger() {
		return decimal.Decimal{}, fmt.Errorf("%s has more than %d decimal places", q.raw, places)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s is negative", q.raw)
	}
	return d, nil
}

// Price converts q into 1e6 ticks.
func (q Quantity) Price() (int64, error) {
	d, err := q.scaled(6)
	if err != nil {
		return 0, domain.Invalid(domain.RejectInvalidPrice, "price: %v", err)
	}
	b := d.BigInt()
	if !b.IsInt64() {
		return 0, domain.Invalid(domain.RejectInvalidPrice, "price %s out of range", q.raw)
	}
	return b.Int64(), nil
}

// Amount converts q into 18-decimal base units.
func (q Quantity) Amount() (domain.Amount, error) {
	d, err := q.scaled(18)
	if err != nil {
		return domain.Amount{}, domain.Invalid(domain.RejectInvalidAmount, "amount: %v", err)
	}
	a, err := domain.AmountFromBig(d.BigInt())
	if err != nil {
		return domain.Amount{}, domain.Invalid(domain.RejectInvalidAmount, "amount: %v", err)
	}
	return a, nil
}
