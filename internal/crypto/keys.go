package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the byte length of X25519 public and private keys.
const KeySize = 32

// ErrInvalidKey indicates a key that is malformed or has the wrong length.
var ErrInvalidKey = errors.New("crypto: invalid key")

// X25519Private is a Curve25519 private scalar, clamped per RFC 7748.
type X25519Private [KeySize]byte

// X25519Public is a Curve25519 public key.
type X25519Public [KeySize]byte

// Slice returns the key bytes as a slice.
func (k X25519Private) Slice() []byte { return k[:] }

// Slice returns the key bytes as a slice.
func (k X25519Public) Slice() []byte { return k[:] }

// Base64 returns the unpadded standard base64 encoding of the public key.
func (k X25519Public) Base64() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

// ParseX25519Public decodes an unpadded standard base64 public key.
func ParseX25519Public(encoded string) (X25519Public, error) {
	var pub X25519Public
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return pub, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// GenerateX25519 returns a fresh Curve25519 key pair.
func GenerateX25519() (X25519Private, X25519Public, error) {
	var priv X25519Private
	var pub X25519Public
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	clamp(&priv)
	raw, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], raw)
	return priv, pub, nil
}

// DH computes the X25519 shared secret between priv and pub.
func DH(priv X25519Private, pub X25519Public) ([KeySize]byte, error) {
	var out [KeySize]byte
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// GenerateEd25519 returns a fresh Ed25519 signing key pair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodeEd25519Public returns the unpadded base64 encoding of an Ed25519 public key.
func EncodeEd25519Public(pub ed25519.PublicKey) string {
	return base64.RawStdEncoding.EncodeToString(pub)
}

// ParseEd25519Public decodes an unpadded base64 Ed25519 public key.
func ParseEd25519Public(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func clamp(k *X25519Private) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
