package dratchet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianhq/meridian/backend/internal/crypto"
)

// ErrExpectedPreKey indicates a first message that cannot bootstrap a session.
var ErrExpectedPreKey = errors.New("dratchet: expected pre-key message for new session")

// preKeyInit is the handshake data an outbound session repeats in its first
// message so late receivers can bootstrap.
type preKeyInit struct {
	IdentityKey  crypto.X25519Public `json:"identity_key"`
	EphemeralKey crypto.X25519Public `json:"ephemeral_key"`
	OneTimeKeyID string              `json:"one_time_key_id"`
}

// Session is one side of an established pairwise ratchet. Sessions are stored
// only as vault-sealed pickles and mutate in place as messages flow.
type Session struct {
	State          State       `json:"state"`
	Pending        *preKeyInit `json:"pending,omitempty"`
	AssociatedData []byte      `json:"associated_data"`
}

// NewOutboundSession bootstraps a session toward a peer using its identity
// key and a freshly claimed one-time key. The session's first encrypted
// message will be a pre-key message.
func NewOutboundSession(account *Account, theirIdentity, theirOneTimeKey crypto.X25519Public, oneTimeKeyID string) (*Session, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(ephPriv[:])

	dh1, err := crypto.DH(account.IdentityPrivate, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ephPriv, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ephPriv, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	root := deriveRoot(dh1, dh2, dh3)
	crypto.Wipe(dh1[:])
	crypto.Wipe(dh2[:])
	crypto.Wipe(dh3[:])

	state, err := initInitiator(root, theirIdentity)
	crypto.Wipe(root)
	if err != nil {
		return nil, err
	}

	return &Session{
		State: state,
		Pending: &preKeyInit{
			IdentityKey:  account.IdentityPublic,
			EphemeralKey: ephPub,
			OneTimeKeyID: oneTimeKeyID,
		},
		AssociatedData: sessionAD(account.IdentityPublic, theirIdentity),
	}, nil
}

// NewInboundSession bootstraps a session from a received pre-key message,
// consuming the referenced one-time key from the account, and decrypts the
// first message. The caller must re-pickle the account in the same
// transaction as the new session.
func NewInboundSession(account *Account, theirIdentity crypto.X25519Public, msg *Message) (*Session, []byte, error) {
	if msg.Type != MessageTypePreKey {
		return nil, nil, ErrExpectedPreKey
	}
	if len(msg.IdentityKey) != crypto.KeySize || len(msg.EphemeralKey) != crypto.KeySize {
		return nil, nil, fmt.Errorf("%w: bad handshake key length", ErrMalformedMessage)
	}
	var senderIdentity, senderEphemeral crypto.X25519Public
	copy(senderIdentity[:], msg.IdentityKey)
	copy(senderEphemeral[:], msg.EphemeralKey)
	if senderIdentity != theirIdentity {
		return nil, nil, fmt.Errorf("%w: identity key mismatch", crypto.ErrInvalidKey)
	}

	oneTimeKey, err := account.takeOneTimeKey(msg.OneTimeKeyID)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(oneTimeKey.Private[:])

	dh1, err := crypto.DH(oneTimeKey.Private, senderIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := crypto.DH(account.IdentityPrivate, senderEphemeral)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := crypto.DH(oneTimeKey.Private, senderEphemeral)
	if err != nil {
		return nil, nil, err
	}
	root := deriveRoot(dh1, dh2, dh3)
	crypto.Wipe(dh1[:])
	crypto.Wipe(dh2[:])
	crypto.Wipe(dh3[:])

	if len(msg.Header.RatchetKey) != crypto.KeySize {
		crypto.Wipe(root)
		return nil, nil, fmt.Errorf("%w: bad ratchet key length", ErrMalformedMessage)
	}
	var senderRatchet crypto.X25519Public
	copy(senderRatchet[:], msg.Header.RatchetKey)

	state, err := initResponder(root, account.IdentityPrivate, senderRatchet)
	crypto.Wipe(root)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		State:          state,
		AssociatedData: sessionAD(senderIdentity, account.IdentityPublic),
	}
	plaintext, err := session.Decrypt(msg)
	if err != nil {
		return nil, nil, err
	}
	return session, plaintext, nil
}

// Encrypt advances the ratchet and produces the next wire message. The first
// message a session ever produces is a pre-key message.
func (s *Session) Encrypt(plaintext []byte) (*Message, error) {
	header, ciphertext, err := ratchetEncrypt(&s.State, s.AssociatedData, plaintext)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Type:       MessageTypeNormal,
		Header:     header,
		Ciphertext: ciphertext,
	}
	if s.Pending != nil {
		msg.Type = MessageTypePreKey
		msg.IdentityKey = s.Pending.IdentityKey.Slice()
		msg.EphemeralKey = s.Pending.EphemeralKey.Slice()
		msg.OneTimeKeyID = s.Pending.OneTimeKeyID
		s.Pending = nil
	}
	return msg, nil
}

// Decrypt opens a wire message and advances the ratchet. Pre-key messages on
// an established session decrypt like normal messages: the handshake fields
// are a bootstrap hint, not a reset.
func (s *Session) Decrypt(msg *Message) ([]byte, error) {
	plaintext, err := ratchetDecrypt(&s.State, s.AssociatedData, msg.Header, msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	// A round trip proves the peer holds the session; stop repeating the
	// handshake data.
	s.Pending = nil
	return plaintext, nil
}

// Pickle serializes the session for vault sealing.
func (s *Session) Pickle() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	return raw, nil
}

// SessionFromPickle restores a session from its serialized form.
func SessionFromPickle(raw []byte) (*Session, error) {
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	if session.State.Skipped == nil {
		session.State.Skipped = make(map[string][]byte)
	}
	return &session, nil
}

// Wipe zeroes the session's key material.
func (s *Session) Wipe() {
	crypto.Wipe(s.State.RootKey)
	crypto.Wipe(s.State.DHPrivate[:])
	crypto.Wipe(s.State.SendChainKey)
	crypto.Wipe(s.State.ReceiveChainKey)
	for id, mk := range s.State.Skipped {
		crypto.Wipe(mk)
		delete(s.State.Skipped, id)
	}
}

// sessionAD binds both identities into the AEAD associated data for the
// session's lifetime, ordered initiator then responder.
func sessionAD(initiator, responder crypto.X25519Public) []byte {
	ad := make([]byte, 0, 2*crypto.KeySize)
	ad = append(ad, initiator[:]...)
	ad = append(ad, responder[:]...)
	return ad
}
