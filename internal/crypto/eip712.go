// Package crypto verifies EIP-712 order, cancel, and permit signatures,
// signs operator transactions, and loads the operator key.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

// Domain name and version shared by orders and cancels.
const (
	DomainName    = "Foresight Market"
	DomainVersion = "1"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderType = []apitypes.Type{
	{Name: "maker", Type: "address"},
	{Name: "outcomeIndex", Type: "uint256"},
	{Name: "isBuy", Type: "bool"},
	{Name: "price", Type: "uint256"},
	{Name: "amount", Type: "uint256"},
	{Name: "salt", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
}

var cancelType = []apitypes.Type{
	{Name: "maker", Type: "address"},
	{Name: "salt", Type: "uint256"},
}

var permitType = []apitypes.Type{
	{Name: "owner", Type: "address"},
	{Name: "spender", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
}

// TokenDomain identifies the EIP-2612 collateral token.
type TokenDomain struct {
	Name    string
	Version string
	ChainID int64
	Address string
}

func typedDomain(name, version string, chainID int64, contract string) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
		VerifyingContract: strings.ToLower(contract),
	}
}

func digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("crypto: hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("crypto: hash %s: %w", td.PrimaryType, err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return ethcrypto.Keccak256(raw), nil
}

// OrderDigest returns the EIP-712 digest a maker signs for o.
func OrderDigest(o domain.Order) ([]byte, error) {
	salt, ok := new(big.Int).SetString(o.Salt, 10)
	if !ok {
		return nil, fmt.Errorf("crypto: invalid salt %q", o.Salt)
	}
	return digest(apitypes.TypedData{
		Types:       apitypes.Types{"EIP712Domain": domainType, "Order": orderType},
		PrimaryType: "Order",
		Domain:      typedDomain(DomainName, DomainVersion, o.ChainID, o.VerifyingContract),
		Message: apitypes.TypedDataMessage{
			"maker":        strings.ToLower(o.Maker),
			"outcomeIndex": big.NewInt(int64(o.Outcome)),
			"isBuy":        o.Side == domain.OrderSideBuy,
			"price":        big.NewInt(o.Price),
			"amount":       o.Amount.Big(),
			"salt":         salt,
			"expiry":       big.NewInt(o.Expiry),
		},
	})
}

// CancelDigest returns the EIP-712 digest of a CancelSaltRequest.
func CancelDigest(chainID int64, contract, maker, salt string) ([]byte, error) {
	s, ok := new(big.Int).SetString(salt, 10)
	if !ok {
		return nil, fmt.Errorf("crypto: invalid salt %q", salt)
	}
	return digest(apitypes.TypedData{
		Types:       apitypes.Types{"EIP712Domain": domainType, "CancelSaltRequest": cancelType},
		PrimaryType: "CancelSaltRequest",
		Domain:      typedDomain(DomainName, DomainVersion, chainID, contract),
		Message: apitypes.TypedDataMessage{
			"maker": strings.ToLower(maker),
			"salt":  s,
		},
	})
}

// PermitDigest returns the EIP-2612 permit digest for token.
func PermitDigest(token TokenDomain, p domain.Permit) ([]byte, error) {
	return digest(apitypes.TypedData{
		Types:       apitypes.Types{"EIP712Domain": domainType, "Permit": permitType},
		PrimaryType: "Permit",
		Domain:      typedDomain(token.Name, token.Version, token.ChainID, token.Address),
		Message: apitypes.TypedDataMessage{
			"owner":    strings.ToLower(p.Owner),
			"spender":  strings.ToLower(p.Spender),
			"value":    p.Value.Big(),
			"nonce":    p.Nonce.Big(),
			"deadline": big.NewInt(p.Deadline),
		},
	})
}

// Recover returns the address that produced sig over digest. v may be
// 0/1 or 27/28.
func Recover(digest []byte, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: signature is not hex: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto: signature length %d, want 65", len(raw))
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 65-byte signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

func expect(digest []byte, sig, want string) error {
	got, err := Recover(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if !strings.EqualFold(got.Hex(), want) {
		return fmt.Errorf("%w: recovered %s, expected %s", domain.ErrInvalidSignature, got.Hex(), want)
	}
	return nil
}

// Verifier checks EIP-712 signatures against the claimed signer.
type Verifier struct{}

// NewVerifier returns a Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// VerifyOrder checks that o.Signature recovers to o.Maker.
func (v *Verifier) VerifyOrder(o domain.Order) error {
	d, err := OrderDigest(o)
	if err != nil {
		return err
	}
	return expect(d, o.Signature, o.Maker)
}

// VerifyCancel checks that a cancel was signed by its maker.
func (v *Verifier) VerifyCancel(c matching.CancelCommand) error {
	if c.VerifyingContract == "" {
		return errors.New("crypto: cancel without verifying contract")
	}
	d, err := CancelDigest(c.ChainID, c.VerifyingContract, c.Maker, c.Salt)
	if err != nil {
		return err
	}
	return expect(d, c.Signature, c.Maker)
}

// VerifyPermit checks that a permit was signed by its owner.
func (v *Verifier) VerifyPermit(token TokenDomain, p domain.Permit) error {
	d, err := PermitDigest(token, p)
	if err != nil {
		return err
	}
	return expect(d, p.Signature, p.Owner)
}

var _ matching.SignatureVerifier = (*Verifier)(nil)
