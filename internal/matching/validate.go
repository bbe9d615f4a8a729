package matching

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Config holds matching limits and fees. Exposure caps are in USDC micro
// units; zero disables a cap.
type Config struct {
	ChainID            int64
	VerifyingContracts []string
	MaxOutcomes        int
	MinPrice           int64
	MaxPrice           int64
	TickSize           int64
	MinOrderAmount     domain.Amount
	MaxOrderAmount     domain.Amount
	MakerFeeBps        int64
	TakerFeeBps        int64
	MaxOrdersPerBook   int
	MaxOrdersPerUser   int
	GTDMaxExpiry       time.Duration
	DepthLevels        int
	MaxLongExposure    int64
	MaxShortExposure   int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutcomes:      32,
		MinPrice:         1,
		MaxPrice:         domain.PriceScale - 1,
		TickSize:         1,
		MinOrderAmount:   domain.NewAmount(1_000_000_000_000),
		MaxOrderAmount:   domain.Units(1000),
		MaxOrdersPerBook: 10_000,
		MaxOrdersPerUser: 100,
		GTDMaxExpiry:     90 * 24 * time.Hour,
		DepthLevels:      20,
	}
}

// validate checks every field that does not depend on book state. It
// normalizes maker, contract, and salt in place.
func (c Config) validate(o *domain.Order, now time.Time) *domain.Rejection {
	chainID, _, ok := domain.ParseMarketKey(o.Market)
	if !ok {
		return domain.Invalid(domain.RejectInvalidMarketKey, "market key %q is not chainId:eventId", o.Market)
	}
	if chainID != o.ChainID || (c.ChainID != 0 && o.ChainID != c.ChainID) {
		return domain.Invalid(domain.RejectInvalidChainID, "chain id %d not accepted", o.ChainID)
	}
	if o.Outcome < 0 || o.Outcome >= c.MaxOutcomes {
		return domain.Invalid(domain.RejectInvalidOutcomeIndex, "outcome %d out of range", o.Outcome)
	}
	if !common.IsHexAddress(o.VerifyingContract) {
		return domain.Invalid(domain.RejectInvalidVerifyingAddress, "verifying contract is not an address")
	}
	o.VerifyingContract = strings.ToLower(o.VerifyingContract)
	if len(c.VerifyingContracts) > 0 && !containsFold(c.VerifyingContracts, o.VerifyingContract) {
		return domain.Invalid(domain.RejectInvalidVerifyingAddress, "verifying contract %s not allowed", o.VerifyingContract)
	}
	if !common.IsHexAddress(o.Maker) {
		return domain.Invalid(domain.RejectInvalidMaker, "maker is not an address")
	}
	o.Maker = strings.ToLower(o.Maker)

	salt, err := uint256.FromDecimal(o.Salt)
	if err != nil || salt.IsZero() {
		return domain.Invalid(domain.RejectInvalidSalt, "salt must be a positive integer")
	}
	o.Salt = salt.Dec()

	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return domain.Invalid(domain.RejectInvalidSide, "side %q", o.Side)
	}
	if o.Price < c.MinPrice || o.Price > c.MaxPrice {
		return domain.Invalid(domain.RejectInvalidPrice, "price %d outside [%d, %d]", o.Price, c.MinPrice, c.MaxPrice)
	}
	if c.TickSize > 1 && o.Price%c.TickSize != 0 {
		return domain.Invalid(domain.RejectInvalidTickSize, "price %d not a multiple of %d", o.Price, c.TickSize)
	}
	if o.Amount.Lt(c.MinOrderAmount) || o.Amount.Gt(c.MaxOrderAmount) {
		return domain.Invalid(domain.RejectInvalidAmount, "amount %s outside [%s, %s]", o.Amount, c.MinOrderAmount, c.MaxOrderAmount)
	}
	if o.TimeInForce == "" {
		o.TimeInForce = domain.TimeInForceGTC
	}
	if !o.TimeInForce.Valid() {
		return domain.Invalid(domain.RejectInvalidTimeInForce, "time in force %q", o.TimeInForce)
	}
	if o.PostOnly && !o.TimeInForce.Rests() {
		return domain.Invalid(domain.RejectInvalidPostOnly, "postOnly requires GTC or GTD")
	}
	if o.Expiry < 0 {
		return domain.Invalid(domain.RejectInvalidExpiry, "negative expiry")
	}
	if o.TimeInForce == domain.TimeInForceGTD {
		if o.Expiry == 0 {
			return domain.Invalid(domain.RejectInvalidExpiry, "GTD requires an expiry")
		}
		if c.GTDMaxExpiry > 0 && o.Expiry > now.Add(c.GTDMaxExpiry).Unix() {
			return domain.Invalid(domain.RejectInvalidExpiry, "GTD expiry beyond %s", c.GTDMaxExpiry)
		}
	}
	if o.ExpiredAt(now) {
		return domain.Invalid(domain.RejectOrderExpired, "order expired at %d", o.Expiry)
	}
	if o.Signature == "" {
		return domain.Invalid(domain.RejectInvalidSignature, "missing signature")
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func isAddress(s string) bool {
	return common.IsHexAddress(s)
}
