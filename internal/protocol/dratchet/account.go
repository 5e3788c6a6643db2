package dratchet

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/backend/internal/crypto"
)

var (
	// ErrUnknownOneTimeKey indicates a pre-key message referencing a one-time
	// key this account no longer holds.
	ErrUnknownOneTimeKey = errors.New("dratchet: unknown one-time key")
	// ErrPickle indicates a pickle that failed to (de)serialize. Treated as
	// data corruption by callers.
	ErrPickle = errors.New("dratchet: pickle error")
)

// OneTimeKeyPair is a single one-time key held by an account. The private
// half never leaves the account pickle.
type OneTimeKeyPair struct {
	ID      string               `json:"id"`
	Private crypto.X25519Private `json:"private"`
	Public  crypto.X25519Public  `json:"public"`
}

// PublicOneTimeKey is the shareable half of a one-time key.
type PublicOneTimeKey struct {
	ID     string
	Public crypto.X25519Public
}

// Account is the long-lived per-device crypto state: an X25519 identity pair,
// an Ed25519 signing pair, and the pool of one-time keys. Accounts are stored
// only as vault-sealed pickles.
type Account struct {
	IdentityPrivate crypto.X25519Private      `json:"identity_private"`
	IdentityPublic  crypto.X25519Public       `json:"identity_public"`
	SigningPrivate  ed25519.PrivateKey        `json:"signing_private"`
	SigningPublic   ed25519.PublicKey         `json:"signing_public"`
	Unpublished     map[string]OneTimeKeyPair `json:"unpublished_one_time_keys"`
	Published       map[string]OneTimeKeyPair `json:"published_one_time_keys"`
}

// NewAccount generates a fresh account with no one-time keys.
func NewAccount() (*Account, error) {
	identityPriv, identityPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	signingPub, signingPriv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &Account{
		IdentityPrivate: identityPriv,
		IdentityPublic:  identityPub,
		SigningPrivate:  signingPriv,
		SigningPublic:   signingPub,
		Unpublished:     make(map[string]OneTimeKeyPair),
		Published:       make(map[string]OneTimeKeyPair),
	}, nil
}

// GenerateOneTimeKeys adds count fresh one-time keys to the unpublished set.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for i := 0; i < count; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		id := uuid.NewString()
		a.Unpublished[id] = OneTimeKeyPair{ID: id, Private: priv, Public: pub}
	}
	return nil
}

// UnpublishedKeys lists the public halves of keys not yet uploaded.
func (a *Account) UnpublishedKeys() []PublicOneTimeKey {
	keys := make([]PublicOneTimeKey, 0, len(a.Unpublished))
	for _, pair := range a.Unpublished {
		keys = append(keys, PublicOneTimeKey{ID: pair.ID, Public: pair.Public})
	}
	return keys
}

// MarkKeysPublished moves every unpublished key into the published set.
func (a *Account) MarkKeysPublished() {
	for id, pair := range a.Unpublished {
		a.Published[id] = pair
		delete(a.Unpublished, id)
	}
}

// takeOneTimeKey removes and returns the one-time key with the given id.
// Consuming a key is permanent: a second take of the same id fails.
func (a *Account) takeOneTimeKey(id string) (OneTimeKeyPair, error) {
	if pair, ok := a.Published[id]; ok {
		delete(a.Published, id)
		return pair, nil
	}
	if pair, ok := a.Unpublished[id]; ok {
		delete(a.Unpublished, id)
		return pair, nil
	}
	return OneTimeKeyPair{}, fmt.Errorf("%w: %s", ErrUnknownOneTimeKey, id)
}

// Pickle serializes the account for vault sealing.
func (a *Account) Pickle() ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	return raw, nil
}

// AccountFromPickle restores an account from its serialized form.
func AccountFromPickle(raw []byte) (*Account, error) {
	var account Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickle, err)
	}
	if account.Unpublished == nil {
		account.Unpublished = make(map[string]OneTimeKeyPair)
	}
	if account.Published == nil {
		account.Published = make(map[string]OneTimeKeyPair)
	}
	return &account, nil
}

// Wipe zeroes the account's private key material.
func (a *Account) Wipe() {
	crypto.Wipe(a.IdentityPrivate[:])
	crypto.Wipe(a.SigningPrivate)
	for id, pair := range a.Unpublished {
		crypto.Wipe(pair.Private[:])
		delete(a.Unpublished, id)
	}
	for id, pair := range a.Published {
		crypto.Wipe(pair.Private[:])
		delete(a.Published, id)
	}
}
