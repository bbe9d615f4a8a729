package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSigningFailed    = errors.New("signing failed")
	ErrLockHeld         = errors.New("lock already held")
	ErrNotLeader        = errors.New("not leader")
	ErrNotReady         = errors.New("engine not ready")
	ErrLeaseLost        = errors.New("lease lost")
	ErrDenied           = errors.New("denied")
	ErrQuotaExceeded    = errors.New("gasless quota exceeded")
	ErrSettlementFailed = errors.New("settlement failed")
	ErrCorruptLog       = errors.New("corrupt event log")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RejectCode is the machine-readable reason a command was refused.
type RejectCode string

const (
	RejectMarketClosed            RejectCode = "MARKET_CLOSED"
	RejectInvalidPrice            RejectCode = "INVALID_PRICE"
	RejectDuplicateSalt           RejectCode = "DUPLICATE_SALT"
	RejectPostOnlyWouldCross      RejectCode = "POST_ONLY_WOULD_CROSS"
	RejectRiskLimitExceeded       RejectCode = "RISK_LIMIT_EXCEEDED"
	RejectInvalidMarketKey        RejectCode = "INVALID_MARKET_KEY"
	RejectInvalidOutcomeIndex     RejectCode = "INVALID_OUTCOME_INDEX"
	RejectInvalidChainID          RejectCode = "INVALID_CHAIN_ID"
	RejectInvalidVerifyingAddress RejectCode = "INVALID_VERIFYING_CONTRACT"
	RejectInvalidMaker            RejectCode = "INVALID_MAKER"
	RejectInvalidSalt             RejectCode = "INVALID_SALT"
	RejectInvalidExpiry           RejectCode = "INVALID_EXPIRY"
	RejectInvalidSignature        RejectCode = "INVALID_SIGNATURE"
	RejectInvalidTickSize         RejectCode = "INVALID_TICK_SIZE"
	RejectInvalidAmount           RejectCode = "INVALID_AMOUNT"
	RejectInvalidTimeInForce      RejectCode = "INVALID_TIME_IN_FORCE"
	RejectInvalidPostOnly         RejectCode = "INVALID_POST_ONLY"
	RejectInvalidSide             RejectCode = "INVALID_SIDE"
	RejectOrderExpired            RejectCode = "ORDER_EXPIRED"
	RejectFOKNotFillable          RejectCode = "FOK_NOT_FILLABLE"
	RejectOrderNotFound           RejectCode = "ORDER_NOT_FOUND"
	RejectTooManyOrders           RejectCode = "TOO_MANY_ORDERS"
)

// RejectKind separates malformed input from valid input the current state refuses.
type RejectKind string

const (
	RejectKindValidation RejectKind = "validation"
	RejectKindState      RejectKind = "state"
)

// Rejection is a synchronous, non-retryable refusal of a command.
type Rejection struct {
	Code    RejectCode
	Kind    RejectKind
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Invalid builds a validation rejection.
func Invalid(code RejectCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Kind: RejectKindValidation, Message: fmt.Sprintf(format, args...)}
}

// Refused builds a state rejection.
func Refused(code RejectCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Kind: RejectKindState, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsRetryable reports whether the caller should retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotLeader) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrLeaseLost)
}
