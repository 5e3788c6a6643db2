package groupratchet

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/meridian/backend/internal/crypto"
)

// InboundSession is the receiver side of a group ratchet, anchored at the
// index the session key was exported from. The stored chain key never moves
// below FirstKnownIndex.
type InboundSession struct {
	SessionID       string            `json:"session_id"`
	SigningPublic   ed25519.PublicKey `json:"signing_public"`
	FirstKnownIndex uint32            `json:"first_known_index"`
	ChainKey        []byte            `json:"chain_key"`
}

// NewInboundSession builds an inbound session from an exported session key.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	var export exportedKey
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	if len(export.ChainKey) != chainKeySize {
		return nil, fmt.Errorf("%w: chain key must be %d bytes", ErrBadSessionKey, chainKeySize)
	}
	if len(export.SigningPublic) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad signing key length", ErrBadSessionKey)
	}
	if export.SessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrBadSessionKey)
	}
	return &InboundSession{
		SessionID:       export.SessionID,
		SigningPublic:   export.SigningPublic,
		FirstKnownIndex: export.Index,
		ChainKey:        export.ChainKey,
	}, nil
}

// Decrypt verifies the signature, walks the chain forward from the first
// known index to the message index, and opens the body. Indices below the
// anchor fail with UnknownIndexError.
func (s *InboundSession) Decrypt(msg *Ciphertext) ([]byte, error) {
	if msg.SessionID != s.SessionID {
		return nil, fmt.Errorf("%w: session id mismatch", ErrDecryptFailed)
	}
	if !ed25519.Verify(s.SigningPublic, msg.signedBytes(), msg.Signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrDecryptFailed)
	}
	if msg.MessageIndex < s.FirstKnownIndex {
		return nil, &UnknownIndexError{Index: msg.MessageIndex, FirstKnownIndex: s.FirstKnownIndex}
	}

	chain := make([]byte, chainKeySize)
	copy(chain, s.ChainKey)
	for i := s.FirstKnownIndex; i < msg.MessageIndex; i++ {
		next := advanceChain(chain)
		crypto.Wipe(chain)
		chain = next
	}
	mk := messageKey(chain)
	crypto.Wipe(chain)

	plaintext, err := open(mk, msg.MessageIndex, msg.Body)
	crypto.Wipe(mk)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Pickle serializes the session for vault sealing.
func (s *InboundSession) Pickle() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	return raw, nil
}

// InboundFromPickle restores an inbound session.
func InboundFromPickle(raw []byte) (*InboundSession, error) {
	var session InboundSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	return &session, nil
}

// Wipe zeroes the session's chain key.
func (s *InboundSession) Wipe() {
	crypto.Wipe(s.ChainKey)
}
