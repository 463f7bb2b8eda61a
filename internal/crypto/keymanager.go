// Package crypto resolves the key that deploys and funds exploit contracts
// on forks, and stores it encrypted at rest.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyfileVersion = 2
	kdfName        = "pbkdf2-sha256"
	defaultIters   = 480_000
	// minIters rejects files whose header was tampered down to a weak KDF.
	minIters = 100_000
)

// Keyfile is the sealed deployer key as written to disk. The address is
// stored in clear so operators can fund it without the password, and is
// bound to the ciphertext as associated data.
type Keyfile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	KDF        string         `json:"kdf"`
	Iterations int            `json:"iterations"`
	Salt       hexutil.Bytes  `json:"salt"`
	Nonce      hexutil.Bytes  `json:"nonce"`
	Ciphertext hexutil.Bytes  `json:"ciphertext"`
}

var (
	// ErrNoKey is returned by LoadKey when no key source is configured.
	ErrNoKey = errors.New("crypto: no deployer key configured")
	// ErrBadPassword covers a wrong password and a corrupted keyfile alike.
	ErrBadPassword = errors.New("crypto: wrong password or corrupted keyfile")
)

// KeyConfig names where the deployer key comes from. At most one of
// RawPrivateKey and EncryptedKeyPath should be set.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x.
	RawPrivateKey string

	// EncryptedKeyPath is a file written by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string
}

func parseHexKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid deployer key: %w", err)
	}
	return key, nil
}

func aead(password string, salt []byte, iters int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iters, 32, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals a hex private key under password with AES-256-GCM, the
// AES key derived by PBKDF2-HMAC-SHA256. It returns the keyfile JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	key, err := parseHexKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	kf := Keyfile{
		Version:    keyfileVersion,
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey),
		KDF:        kdfName,
		Iterations: defaultIters,
		Salt:       make([]byte, 16),
	}
	if _, err := rand.Read(kf.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := aead(password, kf.Salt, kf.Iterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	kf.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(kf.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	kf.Ciphertext = gcm.Seal(nil, kf.Nonce, ethcrypto.FromECDSA(key), kf.Address.Bytes())
	return json.MarshalIndent(kf, "", "  ")
}

// DecryptKey opens a keyfile produced by EncryptKey and checks the key
// matches the recorded address.
func DecryptKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var kf Keyfile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&kf); err != nil {
		return nil, fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	switch {
	case kf.Version != keyfileVersion:
		return nil, fmt.Errorf("crypto: unsupported keyfile version %d", kf.Version)
	case kf.KDF != kdfName:
		return nil, fmt.Errorf("crypto: unsupported kdf %q", kf.KDF)
	case kf.Iterations < minIters:
		return nil, fmt.Errorf("crypto: kdf iterations %d below %d", kf.Iterations, minIters)
	}

	gcm, err := aead(password, kf.Salt, kf.Iterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	if len(kf.Nonce) != gcm.NonceSize() {
		return nil, ErrBadPassword
	}
	plain, err := gcm.Open(nil, kf.Nonce, kf.Ciphertext, kf.Address.Bytes())
	if err != nil {
		return nil, ErrBadPassword
	}
	key, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealed key: %w", err)
	}
	if ethcrypto.PubkeyToAddress(key.PublicKey) != kf.Address {
		return nil, ErrBadPassword
	}
	return key, nil
}

// LoadKey resolves the deployer key: the raw key first, then the encrypted
// file. It returns ErrNoKey when neither is set; callers on a local fork
// then fall back to the fork's prefunded development account.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return parseHexKey(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read keyfile: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return nil, ErrNoKey
	}
}
