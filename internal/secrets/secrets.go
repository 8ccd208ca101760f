// Package secrets seals wallet signing keys at rest.
//
// Key material is encrypted with AES-256-GCM under a service-wide secret
// and stored as hex(nonce || ciphertext) on the wallet record. Plaintext
// keys exist in memory only while a transaction is being signed.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoSecret      = errors.New("secrets: service secret not configured")
	ErrInvalidCipher = errors.New("secrets: ciphertext malformed or tampered")
)

// Codec seals and opens wallet signing keys.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the sealing key from the service secret with SHA-256.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext and returns hex(nonce || ciphertext).
func (c *Codec) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	return hex.EncodeToString(c.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open decrypts ciphertext produced by Seal.
func (c *Codec) Open(encrypted string) ([]byte, error) {
	raw, err := hex.DecodeString(encrypted)
	if err != nil || len(raw) < c.aead.NonceSize() {
		return nil, ErrInvalidCipher
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidCipher
	}
	return plain, nil
}

// SealHexKey parses a hex private key (0x prefix optional) and seals it.
func (c *Codec) SealHexKey(hexKey string) (string, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("secrets: invalid private key: %w", err)
	}
	return c.Seal(gethcrypto.FromECDSA(key))
}

// OpenKey decrypts sealed key material and parses the signing key.
func (c *Codec) OpenKey(encrypted string) (*ecdsa.PrivateKey, error) {
	raw, err := c.Open(encrypted)
	if err != nil {
		return nil, err
	}
	key, err := gethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets: invalid key material: %w", err)
	}
	return key, nil
}

// Address derives the chain address a sealed key controls.
func (c *Codec) Address(encrypted string) (string, error) {
	key, err := c.OpenKey(encrypted)
	if err != nil {
		return "", err
	}
	return gethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
