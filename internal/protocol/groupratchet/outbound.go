// Package groupratchet implements the forward-only symmetric ratchet used
// for room messages. One outbound session per (room, device) encrypts with a
// per-message index; receivers import the exported session key and can
// decrypt any index at or above the export point, never below it.
package groupratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/meridianhq/meridian/backend/internal/crypto"
)

const (
	chainKeySize = 32

	labelAdvance = "meridian.gr.advance.v1"
	labelMessage = "meridian.gr.msg.v1"
)

var (
	// ErrDecryptFailed indicates an AEAD or signature failure on a group message.
	ErrDecryptFailed = errors.New("groupratchet: decryption failed")
	// ErrBadSessionKey indicates an exported session key that cannot be parsed.
	ErrBadSessionKey = errors.New("groupratchet: invalid session key")
	// ErrPickle indicates a pickle that failed to (de)serialize.
	ErrPickle = errors.New("groupratchet: pickle error")
)

// UnknownIndexError is returned when a ciphertext's index precedes the
// earliest ratchet position this session knows. Callers can request an
// earlier key from the sender.
type UnknownIndexError struct {
	Index           uint32
	FirstKnownIndex uint32
}

func (e *UnknownIndexError) Error() string {
	return fmt.Sprintf("groupratchet: message index %d below first known index %d", e.Index, e.FirstKnownIndex)
}

// OutboundSession is the sender side of a group ratchet: a chain key that
// only advances, a message index, and an Ed25519 pair that signs every
// ciphertext. The session id is derived from the signing public key.
type OutboundSession struct {
	SessionID      string             `json:"session_id"`
	SigningPrivate ed25519.PrivateKey `json:"signing_private"`
	SigningPublic  ed25519.PublicKey  `json:"signing_public"`
	ChainKey       []byte             `json:"chain_key"`
	Index          uint32             `json:"index"`
}

// NewOutboundSession creates a session with a random initial chain key.
func NewOutboundSession() (*OutboundSession, error) {
	chainKey := make([]byte, chainKeySize)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, err
	}
	signingPub, signingPriv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &OutboundSession{
		SessionID:      base64.RawStdEncoding.EncodeToString(signingPub),
		SigningPrivate: signingPriv,
		SigningPublic:  signingPub,
		ChainKey:       chainKey,
		Index:          0,
	}, nil
}

// MessageIndex is the index the next Encrypt call will use.
func (s *OutboundSession) MessageIndex() uint32 { return s.Index }

// SessionKey exports the ratchet at its current position. A receiver that
// imports it can decrypt from this index onward and nothing earlier.
func (s *OutboundSession) SessionKey() (string, error) {
	export := exportedKey{
		SessionID:     s.SessionID,
		Index:         s.Index,
		ChainKey:      s.ChainKey,
		SigningPublic: s.SigningPublic,
	}
	raw, err := json.Marshal(export)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// Encrypt seals plaintext at the current index, signs the result, and
// advances the ratchet.
func (s *OutboundSession) Encrypt(plaintext []byte) (*Ciphertext, error) {
	mk := messageKey(s.ChainKey)
	body, err := seal(mk, s.Index, plaintext)
	crypto.Wipe(mk)
	if err != nil {
		return nil, err
	}

	msg := &Ciphertext{
		SessionID:    s.SessionID,
		MessageIndex: s.Index,
		Body:         body,
	}
	msg.Signature = ed25519.Sign(s.SigningPrivate, msg.signedBytes())

	next := advanceChain(s.ChainKey)
	crypto.Wipe(s.ChainKey)
	s.ChainKey = next
	s.Index++
	return msg, nil
}

// Pickle serializes the session for vault sealing.
func (s *OutboundSession) Pickle() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	return raw, nil
}

// OutboundFromPickle restores an outbound session.
func OutboundFromPickle(raw []byte) (*OutboundSession, error) {
	var session OutboundSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	return &session, nil
}

// Wipe zeroes the session's secret material.
func (s *OutboundSession) Wipe() {
	crypto.Wipe(s.ChainKey)
	crypto.Wipe(s.SigningPrivate)
}

// exportedKey is the serialized form of a shared session key.
type exportedKey struct {
	SessionID     string            `json:"session_id"`
	Index         uint32            `json:"index"`
	ChainKey      []byte            `json:"chain_key"`
	SigningPublic ed25519.PublicKey `json:"signing_public"`
}

func advanceChain(chainKey []byte) []byte {
	return expand(chainKey, labelAdvance)
}

func messageKey(chainKey []byte) []byte {
	return expand(chainKey, labelMessage)
}

func expand(chainKey []byte, label string) []byte {
	r := hkdf.New(sha256.New, chainKey, nil, []byte(label))
	out := make([]byte, chainKeySize)
	_, _ = io.ReadFull(r, out)
	return out
}

func seal(mk []byte, index uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], index)
	return aead.Seal(nil, nonce, plaintext, indexAD(index)), nil
}

func open(mk []byte, index uint32, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], index)
	plaintext, err := aead.Open(nil, nonce, body, indexAD(index))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func indexAD(index uint32) []byte {
	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], index)
	return ad[:]
}
