package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	kdfScrypt = "scrypt"
	kdfPBKDF2 = "pbkdf2-sha256"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	pbkdf2Iterations = 480_000

	saltLen   = 16
	aesKeyLen = 32
	keyFileV  = 2
)

// keyFile is the on-disk format of an encrypted operator key. Version 1
// files predate the kdf field and always use PBKDF2.
type keyFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where the operator key comes from.
type KeyConfig struct {
	// RawPrivateKey is a hex key, with or without 0x. It wins over the file.
	RawPrivateKey string
	// EncryptedKeyPath is a file written by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string
}

func deriveKey(kdf string, password, salt []byte) ([]byte, error) {
	switch kdf {
	case kdfScrypt:
		return scrypt.Key(password, salt, scryptN, scryptR, scryptP, aesKeyLen)
	case kdfPBKDF2:
		return pbkdf2.Key(password, salt, pbkdf2Iterations, aesKeyLen, sha256.New), nil
	default:
		return nil, fmt.Errorf("crypto: unknown kdf %q", kdf)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals key with password using scrypt and AES-256-GCM.
func EncryptKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	derived, err := deriveKey(kdfScrypt, []byte(password), salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(derived)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), nil)
	return json.MarshalIndent(keyFile{
		Version:    keyFileV,
		KDF:        kdfScrypt,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey or by the older
// PBKDF2 format.
func DecryptKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	kdf := f.KDF
	switch {
	case f.Version == 1:
		kdf = kdfPBKDF2
	case f.Version != keyFileV:
		return nil, fmt.Errorf("crypto: unsupported key file version %d", f.Version)
	}

	var salt, nonce, sealed []byte
	for _, field := range []struct {
		dst  *[]byte
		src  string
		name string
	}{{&salt, f.Salt, "salt"}, {&nonce, f.Nonce, "nonce"}, {&sealed, f.Ciphertext, "ciphertext"}} {
		b, err := base64.StdEncoding.DecodeString(field.src)
		if err != nil {
			return nil, fmt.Errorf("crypto: decoding %s: %w", field.name, err)
		}
		*field.dst = b
	}

	derived, err := deriveKey(kdf, []byte(password), salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(derived)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return ethcrypto.ToECDSA(plain)
}

// LoadKey resolves the operator key: the raw key first, then the
// encrypted file.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if cfg.RawPrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.RawPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid raw private key: %w", err)
		}
		return key, nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}
	return nil, errors.New("crypto: no operator key configured (set raw key or encrypted key path)")
}
