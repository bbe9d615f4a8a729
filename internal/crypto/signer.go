package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the operator key that pays gas for gasless settlement.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewSigner creates a Signer for chainID.
func NewSigner(key *ecdsa.PrivateKey, chainID int64) *Signer {
	id := big.NewInt(chainID)
	return &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}
}

// Address returns the operator address.
func (s *Signer) Address() common.Address { return s.address }

// ChainID returns the chain the signer targets.
func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// SignTx signs tx for the configured chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx: %w", err)
	}
	return signed, nil
}

// SignDigest signs a 32-byte digest with v in {27, 28}.
func (s *Signer) SignDigest(digest []byte) (string, error) {
	return Sign(s.key, digest)
}
