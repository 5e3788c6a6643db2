// Package pairwise implements device enrollment, one-time key publishing and
// claiming, and 1:1 ratchet sessions. All durable state passes through the
// vault; plaintext key material exists only for the span of one operation.
package pairwise

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/backend/internal/crypto"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/locking"
	"github.com/meridianhq/meridian/backend/internal/protocol/dratchet"
	"github.com/meridianhq/meridian/backend/internal/vault"
)

var (
	// ErrInvalidArgument indicates a missing or malformed caller input.
	ErrInvalidArgument = errors.New("pairwise: invalid argument")
	// ErrSelfTarget indicates an operation pointing a device at itself.
	ErrSelfTarget = errors.New("pairwise: device cannot target itself")

	errMissingStore = errors.New("pairwise: key store is required")
	errMissingVault = errors.New("pairwise: vault is required")
)

// DeviceKeys is the public identity bundle of one enrolled device.
type DeviceKeys struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name,omitempty"`
	IdentityKey string `json:"identity_key"`
	SigningKey  string `json:"signing_key"`
}

// ClaimedKey is one consumed one-time key plus the identity material needed
// to bootstrap a session toward its device.
type ClaimedKey struct {
	DeviceID    string `json:"device_id"`
	KeyID       string `json:"key_id"`
	PublicKey   string `json:"public_key"`
	IdentityKey string `json:"identity_key"`
	SigningKey  string `json:"signing_key"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store  *keystore.Store
	Vault  *vault.Vault
	Logger *zap.Logger
}

// Service is the pairwise messaging engine.
type Service struct {
	store  *keystore.Store
	vault  *vault.Vault
	locks  *locking.KeyedMutex
	logger *zap.Logger
}

// NewService validates the config and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Vault == nil {
		return nil, errMissingVault
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		vault:  cfg.Vault,
		locks:  locking.NewKeyedMutex(),
		logger: logger,
	}, nil
}

// Enroll registers a device and mints its long-lived account. Re-enrolling
// an existing device id replaces the account and invalidates every one-time
// key and pairwise session built on the old one.
func (s *Service) Enroll(ctx context.Context, userID, deviceID, deviceName string) (DeviceKeys, error) {
	if userID == "" || deviceID == "" {
		return DeviceKeys{}, fmt.Errorf("%w: user id and device id are required", ErrInvalidArgument)
	}

	unlock := s.locks.Lock(accountKey(deviceID))
	defer unlock()

	account, err := dratchet.NewAccount()
	if err != nil {
		return DeviceKeys{}, err
	}
	defer account.Wipe()

	sealed, nonce, err := s.sealAccount(account)
	if err != nil {
		return DeviceKeys{}, err
	}

	keys := DeviceKeys{
		UserID:      userID,
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		IdentityKey: account.IdentityPublic.Base64(),
		SigningKey:  crypto.EncodeEd25519Public(account.SigningPublic),
	}

	err = s.store.InTransaction(ctx, func(tx *keystore.Store) error {
		if err := tx.UpsertDevice(ctx, keystore.Device{
			DeviceID:    deviceID,
			UserID:      userID,
			DeviceName:  deviceName,
			IdentityKey: keys.IdentityKey,
			SigningKey:  keys.SigningKey,
		}); err != nil {
			return err
		}
		if err := tx.UpsertAccount(ctx, keystore.PairwiseAccount{
			DeviceID:       deviceID,
			PickledAccount: sealed,
			PickleNonce:    nonce,
		}); err != nil {
			return err
		}
		if err := tx.DeleteDeviceOneTimeKeys(ctx, deviceID); err != nil {
			return err
		}
		return tx.DeletePairwiseSessionsForDevice(ctx, deviceID)
	})
	if err != nil {
		return DeviceKeys{}, err
	}

	s.logger.Info("device enrolled",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID))
	return keys, nil
}

// PublishOneTimeKeys mints count fresh one-time keys inside the device's
// account and publishes their public halves for claiming. Returns how many
// keys were actually published.
func (s *Service) PublishOneTimeKeys(ctx context.Context, deviceID string, count int) (int, error) {
	if deviceID == "" {
		return 0, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	if count <= 0 {
		return 0, fmt.Errorf("%w: count must be positive", ErrInvalidArgument)
	}

	unlock := s.locks.Lock(accountKey(deviceID))
	defer unlock()

	published := 0
	err := s.store.InTransaction(ctx, func(tx *keystore.Store) error {
		account, err := s.openAccount(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		defer account.Wipe()

		if err := account.GenerateOneTimeKeys(count); err != nil {
			return err
		}
		uploads := make([]keystore.OneTimeKeyUpload, 0, count)
		for _, key := range account.UnpublishedKeys() {
			uploads = append(uploads, keystore.OneTimeKeyUpload{
				KeyID:     key.ID,
				PublicKey: key.Public.Base64(),
			})
		}
		account.MarkKeysPublished()

		inserted, err := tx.InsertOneTimeKeys(ctx, deviceID, uploads)
		if err != nil {
			return err
		}

		sealed, nonce, err := s.sealAccount(account)
		if err != nil {
			return err
		}
		if err := tx.UpdateAccountPickle(ctx, deviceID, sealed, nonce); err != nil {
			return err
		}
		if err := tx.IncrementPublishedOTKCount(ctx, deviceID, inserted); err != nil {
			return err
		}
		published = inserted
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("one-time keys published",
		zap.String("device_id", deviceID),
		zap.Int("count", published))
	return published, nil
}

// ClaimOneTimeKey consumes one of the target device's one-time keys on
// behalf of the claimer and returns it with the target's identity bundle.
func (s *Service) ClaimOneTimeKey(ctx context.Context, targetDeviceID, claimerDeviceID string) (ClaimedKey, error) {
	if targetDeviceID == "" || claimerDeviceID == "" {
		return ClaimedKey{}, fmt.Errorf("%w: target and claimer device ids are required", ErrInvalidArgument)
	}
	if targetDeviceID == claimerDeviceID {
		return ClaimedKey{}, ErrSelfTarget
	}

	device, err := s.store.LoadDevice(ctx, targetDeviceID)
	if err != nil {
		return ClaimedKey{}, err
	}
	keyID, publicKey, err := s.store.ClaimOneTimeKey(ctx, targetDeviceID, claimerDeviceID)
	if err != nil {
		return ClaimedKey{}, err
	}
	return ClaimedKey{
		DeviceID:    targetDeviceID,
		KeyID:       keyID,
		PublicKey:   publicKey,
		IdentityKey: device.IdentityKey,
		SigningKey:  device.SigningKey,
	}, nil
}

// CreateOutboundSession claims a one-time key from the target device and
// establishes a fresh outbound session toward it, replacing any existing
// session with that peer. Returns the peer's identity key, which addresses
// the session from now on.
func (s *Service) CreateOutboundSession(ctx context.Context, ourDeviceID, theirDeviceID string) (string, error) {
	if ourDeviceID == "" || theirDeviceID == "" {
		return "", fmt.Errorf("%w: both device ids are required", ErrInvalidArgument)
	}
	if ourDeviceID == theirDeviceID {
		return "", ErrSelfTarget
	}

	claimed, err := s.ClaimOneTimeKey(ctx, theirDeviceID, ourDeviceID)
	if err != nil {
		return "", err
	}
	theirIdentity, err := crypto.ParseX25519Public(claimed.IdentityKey)
	if err != nil {
		return "", err
	}
	theirOneTimeKey, err := crypto.ParseX25519Public(claimed.PublicKey)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(sessionKey(ourDeviceID, claimed.IdentityKey))
	defer unlock()

	account, err := s.openAccount(ctx, s.store, ourDeviceID)
	if err != nil {
		return "", err
	}
	defer account.Wipe()

	session, err := dratchet.NewOutboundSession(account, theirIdentity, theirOneTimeKey, claimed.KeyID)
	if err != nil {
		return "", err
	}
	defer session.Wipe()

	sealed, nonce, err := s.sealSession(session)
	if err != nil {
		return "", err
	}
	if err := s.store.SavePairwiseSession(ctx, keystore.PairwiseSession{
		OurDeviceID:      ourDeviceID,
		TheirIdentityKey: claimed.IdentityKey,
		PickledSession:   sealed,
		PickleNonce:      nonce,
	}); err != nil {
		return "", err
	}

	s.logger.Info("outbound session established",
		zap.String("device_id", ourDeviceID),
		zap.String("peer_device_id", theirDeviceID))
	return claimed.IdentityKey, nil
}

// Encrypt encrypts plaintext for the peer behind theirIdentityKey and
// returns the wire payload. The session must already exist.
func (s *Service) Encrypt(ctx context.Context, ourDeviceID, theirIdentityKey string, plaintext []byte) ([]byte, error) {
	if ourDeviceID == "" || theirIdentityKey == "" {
		return nil, fmt.Errorf("%w: device id and peer identity key are required", ErrInvalidArgument)
	}

	unlock := s.locks.Lock(sessionKey(ourDeviceID, theirIdentityKey))
	defer unlock()

	row, err := s.store.LoadPairwiseSession(ctx, ourDeviceID, theirIdentityKey)
	if err != nil {
		return nil, err
	}
	session, err := s.openSession(row)
	if err != nil {
		return nil, err
	}
	defer session.Wipe()

	message, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	payload, err := message.Encode()
	if err != nil {
		return nil, err
	}

	sealed, nonce, err := s.sealSession(session)
	if err != nil {
		return nil, err
	}
	if err := s.store.SavePairwiseSession(ctx, keystore.PairwiseSession{
		OurDeviceID:      ourDeviceID,
		TheirIdentityKey: theirIdentityKey,
		PickledSession:   sealed,
		PickleNonce:      nonce,
	}); err != nil {
		return nil, err
	}
	return payload, nil
}

// Decrypt decrypts a wire payload from the peer behind theirIdentityKey.
// A pre-key message establishes a fresh inbound session, consuming the
// referenced one-time key from our account in the same transaction that
// stores the session; any prior session with that peer is replaced.
func (s *Service) Decrypt(ctx context.Context, ourDeviceID, theirIdentityKey string, payload []byte) ([]byte, error) {
	if ourDeviceID == "" || theirIdentityKey == "" {
		return nil, fmt.Errorf("%w: device id and peer identity key are required", ErrInvalidArgument)
	}

	message, err := dratchet.DecodeMessage(payload)
	if err != nil {
		return nil, err
	}

	if message.Type == dratchet.MessageTypePreKey {
		return s.decryptPreKey(ctx, ourDeviceID, theirIdentityKey, message)
	}

	unlock := s.locks.Lock(sessionKey(ourDeviceID, theirIdentityKey))
	defer unlock()

	row, err := s.store.LoadPairwiseSession(ctx, ourDeviceID, theirIdentityKey)
	if err != nil {
		return nil, err
	}
	session, err := s.openSession(row)
	if err != nil {
		return nil, err
	}
	defer session.Wipe()

	plaintext, err := session.Decrypt(message)
	if err != nil {
		return nil, err
	}

	sealed, nonce, err := s.sealSession(session)
	if err != nil {
		return nil, err
	}
	if err := s.store.SavePairwiseSession(ctx, keystore.PairwiseSession{
		OurDeviceID:      ourDeviceID,
		TheirIdentityKey: theirIdentityKey,
		PickledSession:   sealed,
		PickleNonce:      nonce,
	}); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) decryptPreKey(ctx context.Context, ourDeviceID, theirIdentityKey string, message *dratchet.Message) ([]byte, error) {
	theirIdentity, err := crypto.ParseX25519Public(theirIdentityKey)
	if err != nil {
		return nil, err
	}

	unlockAccount := s.locks.Lock(accountKey(ourDeviceID))
	defer unlockAccount()
	unlockSession := s.locks.Lock(sessionKey(ourDeviceID, theirIdentityKey))
	defer unlockSession()

	var plaintext []byte
	err = s.store.InTransaction(ctx, func(tx *keystore.Store) error {
		account, err := s.openAccount(ctx, tx, ourDeviceID)
		if err != nil {
			return err
		}
		defer account.Wipe()

		session, firstPlaintext, err := dratchet.NewInboundSession(account, theirIdentity, message)
		if err != nil {
			return err
		}
		defer session.Wipe()

		sealedAccount, accountNonce, err := s.sealAccount(account)
		if err != nil {
			return err
		}
		if err := tx.UpdateAccountPickle(ctx, ourDeviceID, sealedAccount, accountNonce); err != nil {
			return err
		}

		sealedSession, sessionNonce, err := s.sealSession(session)
		if err != nil {
			return err
		}
		if err := tx.SavePairwiseSession(ctx, keystore.PairwiseSession{
			OurDeviceID:      ourDeviceID,
			TheirIdentityKey: theirIdentityKey,
			PickledSession:   sealedSession,
			PickleNonce:      sessionNonce,
		}); err != nil {
			return err
		}

		plaintext = firstPlaintext
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("inbound session established",
		zap.String("device_id", ourDeviceID))
	return plaintext, nil
}

// DeviceKeysForUser lists the identity bundles of a user's enrolled devices.
func (s *Service) DeviceKeysForUser(ctx context.Context, userID string) ([]DeviceKeys, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	devices, err := s.store.ListUserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys := make([]DeviceKeys, 0, len(devices))
	for _, device := range devices {
		keys = append(keys, DeviceKeys{
			UserID:      device.UserID,
			DeviceID:    device.DeviceID,
			DeviceName:  device.DeviceName,
			IdentityKey: device.IdentityKey,
			SigningKey:  device.SigningKey,
		})
	}
	return keys, nil
}

// DeviceKeysForDevice returns the identity bundle of a single device.
func (s *Service) DeviceKeysForDevice(ctx context.Context, deviceID string) (DeviceKeys, error) {
	if deviceID == "" {
		return DeviceKeys{}, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	device, err := s.store.LoadDevice(ctx, deviceID)
	if err != nil {
		return DeviceKeys{}, err
	}
	return DeviceKeys{
		UserID:      device.UserID,
		DeviceID:    device.DeviceID,
		DeviceName:  device.DeviceName,
		IdentityKey: device.IdentityKey,
		SigningKey:  device.SigningKey,
	}, nil
}

// OneTimeKeyCount reports how many of a device's one-time keys remain
// claimable. Clients replenish when this runs low.
func (s *Service) OneTimeKeyCount(ctx context.Context, deviceID string) (int64, error) {
	if deviceID == "" {
		return 0, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	return s.store.CountUnclaimedOneTimeKeys(ctx, deviceID)
}

func (s *Service) sealAccount(account *dratchet.Account) (sealed, nonce []byte, err error) {
	pickle, err := account.Pickle()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(pickle)
	return s.vault.Seal(pickle)
}

func (s *Service) openAccount(ctx context.Context, store *keystore.Store, deviceID string) (*dratchet.Account, error) {
	row, err := store.LoadAccount(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	pickle, err := s.vault.Open(row.PickledAccount, row.PickleNonce)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(pickle)
	return dratchet.AccountFromPickle(pickle)
}

func (s *Service) sealSession(session *dratchet.Session) (sealed, nonce []byte, err error) {
	pickle, err := session.Pickle()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(pickle)
	return s.vault.Seal(pickle)
}

func (s *Service) openSession(row keystore.PairwiseSession) (*dratchet.Session, error) {
	pickle, err := s.vault.Open(row.PickledSession, row.PickleNonce)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(pickle)
	return dratchet.SessionFromPickle(pickle)
}

func accountKey(deviceID string) string {
	return "account:" + deviceID
}

func sessionKey(ourDeviceID, theirIdentityKey string) string {
	return "session:" + ourDeviceID + ":" + theirIdentityKey
}
