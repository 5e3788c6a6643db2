// Package vault provides authenticated encryption for opaque crypto state
// blobs (pickles) with a process-lifetime master key.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/meridianhq/meridian/backend/internal/crypto"
)

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = chacha20poly1305.KeySize

var (
	// ErrEncryption indicates a seal failure (bad key material or RNG failure).
	ErrEncryption = errors.New("vault: encryption failed")
	// ErrDecryption indicates an open failure (tag mismatch, truncated nonce).
	ErrDecryption = errors.New("vault: decryption failed")
	// ErrClosed indicates the vault key has already been wiped.
	ErrClosed = errors.New("vault: closed")
)

// Vault seals and opens pickle blobs with a 256-bit key and 96-bit random
// nonces. The same plaintext sealed twice yields different ciphertexts.
type Vault struct {
	key    []byte
	closed bool
}

// New constructs a vault from a 32-byte master key. The key slice is copied;
// the caller may wipe its own copy afterwards.
func New(key []byte) (*Vault, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, MasterKeySize, len(key))
	}
	owned := make([]byte, MasterKeySize)
	copy(owned, key)
	return &Vault{key: owned}, nil
}

// NewFromHex constructs a vault from a 64-character hex master key, the
// format used for the startup secret.
func NewFromHex(keyHex string) (*Vault, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex master key: %v", ErrEncryption, err)
	}
	defer crypto.Wipe(raw)
	return New(raw)
}

// Seal encrypts plaintext with a freshly drawn random nonce.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	if v.closed {
		return nil, nil, ErrClosed
	}
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: rng failure: %v", ErrEncryption, err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts a sealed blob. Fails on tag mismatch or a nonce of the wrong
// length.
func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	if v.closed {
		return nil, ErrClosed
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length: expected %d, got %d",
			ErrDecryption, chacha20poly1305.NonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// Close wipes the master key. All further calls fail with ErrClosed.
func (v *Vault) Close() {
	if v.closed {
		return
	}
	crypto.Wipe(v.key)
	v.closed = true
}
