package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

const contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func signedOrder(t *testing.T) domain.Order {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	o := domain.Order{
		Market:            "137:btc-100k",
		Outcome:           1,
		Side:              domain.OrderSideBuy,
		Price:             420_000,
		Amount:            domain.Units(25),
		Expiry:            1_900_000_000,
		Maker:             ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Salt:              "123456789012345678901234567890",
		ChainID:           137,
		VerifyingContract: contract,
	}
	d, err := OrderDigest(o)
	if err != nil {
		t.Fatal(err)
	}
	if o.Signature, err = Sign(key, d); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestVerifyOrder(t *testing.T) {
	v := NewVerifier()
	o := signedOrder(t)
	if err := v.VerifyOrder(o); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}

	lower := o
	lower.Maker = strings.ToLower(o.Maker)
	lower.VerifyingContract = "0x" + strings.ToUpper(o.VerifyingContract[2:])
	if err := v.VerifyOrder(lower); err != nil {
		t.Fatalf("address case changed the digest: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*domain.Order)
	}{
		{"price", func(o *domain.Order) { o.Price++ }},
		{"side", func(o *domain.Order) { o.Side = domain.OrderSideSell }},
		{"amount", func(o *domain.Order) { o.Amount = domain.Units(26) }},
		{"outcome", func(o *domain.Order) { o.Outcome = 0 }},
		{"chain", func(o *domain.Order) { o.ChainID = 1 }},
		{"contract", func(o *domain.Order) { o.VerifyingContract = "0x0000000000000000000000000000000000000001" }},
		{"maker", func(o *domain.Order) { o.Maker = "0x0000000000000000000000000000000000000002" }},
		{"truncated", func(o *domain.Order) { o.Signature = o.Signature[:40] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := o
			tt.mutate(&bad)
			if err := v.VerifyOrder(bad); !errors.Is(err, domain.ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestRecoverAcceptsLowV(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	digest := ethcrypto.Keccak256([]byte("digest"))
	raw, err := ethcrypto.Sign(digest, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Recover(digest, common.Bytes2Hex(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("recovered %s", got.Hex())
	}
}

func TestVerifyCancel(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	maker := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	d, err := CancelDigest(137, contract, maker, "77")
	if err != nil {
		t.Fatal(err)
	}
	sig, err := Sign(key, d)
	if err != nil {
		t.Fatal(err)
	}
	c := matching.CancelCommand{Market: "137:btc-100k", Maker: maker, Salt: "77", Signature: sig, ChainID: 137, VerifyingContract: contract}
	v := NewVerifier()
	if err := v.VerifyCancel(c); err != nil {
		t.Fatalf("valid cancel rejected: %v", err)
	}
	c.Salt = "78"
	if err := v.VerifyCancel(c); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("cancel for another salt accepted: %v", err)
	}
	c.Salt, c.VerifyingContract = "77", ""
	if err := v.VerifyCancel(c); err == nil {
		t.Fatal("cancel without a domain contract accepted")
	}
}

func TestVerifyPermit(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	token := TokenDomain{Name: "USD Coin", Version: "2", ChainID: 137, Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"}
	p := domain.Permit{
		Owner:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Spender:  contract,
		Value:    domain.NewAmount(5_000_000),
		Nonce:    domain.NewAmount(0),
		Deadline: 1_900_000_000,
	}
	d, err := PermitDigest(token, p)
	if err != nil {
		t.Fatal(err)
	}
	if p.Signature, err = Sign(key, d); err != nil {
		t.Fatal(err)
	}
	v := NewVerifier()
	if err := v.VerifyPermit(token, p); err != nil {
		t.Fatalf("valid permit rejected: %v", err)
	}
	p.Value = domain.NewAmount(5_000_001)
	if err := v.VerifyPermit(token, p); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("tampered permit accepted: %v", err)
	}
}

func TestEncryptDecryptKey(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	blob, err := EncryptKey(key, "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptKey(blob, "correct horse")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !got.Equal(key) {
		t.Fatal("decrypted key differs")
	}
	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := EncryptKey(key, ""); err == nil {
		t.Fatal("empty password accepted")
	}
}

func TestDecryptLegacyPBKDF2File(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	salt := []byte("0123456789abcdef")
	derived := pbkdf2.Key([]byte("pw"), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, _ := aes.NewCipher(derived)
	gcm, _ := cipher.NewGCM(block)
	nonce := make([]byte, gcm.NonceSize())
	blob, _ := json.Marshal(keyFile{
		Version:    1,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), nil)),
	})
	got, err := DecryptKey(blob, "pw")
	if err != nil {
		t.Fatalf("decrypt legacy file: %v", err)
	}
	if !got.Equal(key) {
		t.Fatal("legacy key differs")
	}
}

func TestLoadKey(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	raw := "0x" + common.Bytes2Hex(ethcrypto.FromECDSA(key))
	got, err := LoadKey(KeyConfig{RawPrivateKey: raw})
	if err != nil || !got.Equal(key) {
		t.Fatalf("raw key: %v", err)
	}
	if _, err := LoadKey(KeyConfig{}); err == nil {
		t.Fatal("empty config accepted")
	}
	if _, err := LoadKey(KeyConfig{RawPrivateKey: "zz"}); err == nil {
		t.Fatal("bad hex accepted")
	}
}

func TestSignerSignTx(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	s := NewSigner(key, 137)
	to := common.HexToAddress(contract)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.ChainID(),
		Nonce:     3,
		GasTipCap: big.NewInt(30_000_000_000),
		GasFeeCap: big.NewInt(60_000_000_000),
		Gas:       250_000,
		To:        &to,
		Data:      []byte{0xde, 0xad},
	})
	signed, err := s.SignTx(tx)
	if err != nil {
		t.Fatal(err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), signed)
	if err != nil {
		t.Fatal(err)
	}
	if from != s.Address() {
		t.Fatalf("sender %s, want %s", from.Hex(), s.Address().Hex())
	}
}

func TestForwardAuth(t *testing.T) {
	a := NewForwardAuth("cluster-secret", 10*time.Second)
	now := time.Unix(1_800_000_000, 0)
	a.now = func() time.Time { return now }

	h := http.Header{}
	a.Sign(h, http.MethodPost, "/api/orders", "203.0.113.9", "node-b")
	ip, forwarded, err := a.Verify(h, http.MethodPost, "/api/orders")
	if err != nil || !forwarded || ip != "203.0.113.9" {
		t.Fatalf("verify: ip=%q forwarded=%v err=%v", ip, forwarded, err)
	}

	if _, _, err := a.Verify(h, http.MethodPost, "/api/orders/cancel"); !errors.Is(err, ErrBadForward) {
		t.Fatalf("path change accepted: %v", err)
	}
	spoofed := h.Clone()
	spoofed.Set(HeaderForwardedFor, "198.51.100.1")
	if _, _, err := a.Verify(spoofed, http.MethodPost, "/api/orders"); !errors.Is(err, ErrBadForward) {
		t.Fatalf("spoofed ip accepted: %v", err)
	}
	now = now.Add(time.Minute)
	if _, _, err := a.Verify(h, http.MethodPost, "/api/orders"); !errors.Is(err, ErrBadForward) {
		t.Fatalf("stale forward accepted: %v", err)
	}
	if _, forwarded, err := a.Verify(http.Header{}, http.MethodPost, "/api/orders"); forwarded || err != nil {
		t.Fatalf("plain request: forwarded=%v err=%v", forwarded, err)
	}
	if _, _, err := NewForwardAuth("", 0).Verify(h, http.MethodPost, "/api/orders"); !errors.Is(err, ErrBadForward) {
		t.Fatalf("node without secret trusted forward: %v", err)
	}
}
