// Package settlement bridges off-chain matches to the chain: it ingests
// contract events into the engine and submits gasless fills for users.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Chain is the subset of an Ethereum JSON-RPC client the bridge uses.
// *ethclient.Client satisfies it.
type Chain interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

var _ Chain = (*ethclient.Client)(nil)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", url, err)
	}
	return c, nil
}

const marketABIJSON = `[
  {"type":"event","name":"OrderFilledSigned","anonymous":false,"inputs":[
    {"name":"maker","type":"address","indexed":true},
    {"name":"taker","type":"address","indexed":true},
    {"name":"outcomeIndex","type":"uint256","indexed":false},
    {"name":"isBuy","type":"bool","indexed":false},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false},
    {"name":"salt","type":"uint256","indexed":false}]},
  {"type":"event","name":"OrderSaltCanceled","anonymous":false,"inputs":[
    {"name":"maker","type":"address","indexed":true},
    {"name":"salt","type":"uint256","indexed":false}]},
  {"type":"event","name":"Resolved","anonymous":false,"inputs":[
    {"name":"outcomeIndex","type":"uint256","indexed":false}]},
  {"type":"event","name":"Invalidated","anonymous":false,"inputs":[]},
  {"type":"function","name":"fillOrderSigned","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"order","type":"tuple","components":[
      {"name":"maker","type":"address"},
      {"name":"outcomeIndex","type":"uint256"},
      {"name":"isBuy","type":"bool"},
      {"name":"price","type":"uint256"},
      {"name":"amount","type":"uint256"},
      {"name":"salt","type":"uint256"},
      {"name":"expiry","type":"uint256"}]},
    {"name":"signature","type":"bytes"},
    {"name":"fillAmount","type":"uint256"}]}
]`

const permitABIJSON = `[
  {"type":"function","name":"permit","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"owner","type":"address"},
    {"name":"spender","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"v","type":"uint8"},
    {"name":"r","type":"bytes32"},
    {"name":"s","type":"bytes32"}]}
]`

var (
	marketABI = mustABI(marketABIJSON)
	permitABI = mustABI(permitABIJSON)

	topicFilled      = marketABI.Events["OrderFilledSigned"].ID
	topicCanceled    = marketABI.Events["OrderSaltCanceled"].ID
	topicResolved    = marketABI.Events["Resolved"].ID
	topicInvalidated = marketABI.Events["Invalidated"].ID
)

func mustABI(raw string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return a
}

// orderTuple mirrors the on-chain Order struct for ABI packing.
type orderTuple struct {
	Maker        common.Address
	OutcomeIndex *big.Int
	IsBuy        bool
	Price        *big.Int
	Amount       *big.Int
	Salt         *big.Int
	Expiry       *big.Int
}

func packFill(o domain.Order, fillAmount domain.Amount) ([]byte, error) {
	salt, ok := new(big.Int).SetString(o.Salt, 10)
	if !ok {
		return nil, fmt.Errorf("settlement: salt %q is not an integer", o.Salt)
	}
	tuple := orderTuple{
		Maker:        common.HexToAddress(o.Maker),
		OutcomeIndex: big.NewInt(int64(o.Outcome)),
		IsBuy:        o.Side == domain.OrderSideBuy,
		Price:        big.NewInt(o.Price),
		Amount:       o.Amount.Big(),
		Salt:         salt,
		Expiry:       big.NewInt(o.Expiry),
	}
	data, err := marketABI.Pack("fillOrderSigned", tuple, common.FromHex(o.Signature), fillAmount.Big())
	if err != nil {
		return nil, fmt.Errorf("settlement: pack fill: %w", err)
	}
	return data, nil
}

func packPermit(p domain.Permit) ([]byte, error) {
	sig := common.FromHex(p.Signature)
	if len(sig) != 65 {
		return nil, fmt.Errorf("settlement: permit signature is %d bytes: %w", len(sig), domain.ErrInvalidSignature)
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	data, err := permitABI.Pack("permit",
		common.HexToAddress(p.Owner),
		common.HexToAddress(p.Spender),
		p.Value.Big(),
		big.NewInt(p.Deadline),
		v, r, s,
	)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack permit: %w", err)
	}
	return data, nil
}

// filledEvent holds the non-indexed fields of OrderFilledSigned.
type filledEvent struct {
	OutcomeIndex *big.Int
	IsBuy        bool
	Price        *big.Int
	Amount       *big.Int
	Fee          *big.Int
	Salt         *big.Int
}

type canceledEvent struct {
	Salt *big.Int
}

type resolvedEvent struct {
	OutcomeIndex *big.Int
}
