// Package group implements per-room sender ratchets: one rotating outbound
// session per (room, device) and one inbound session per imported room key.
package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/backend/internal/crypto"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/locking"
	"github.com/meridianhq/meridian/backend/internal/protocol/groupratchet"
	"github.com/meridianhq/meridian/backend/internal/vault"
)

// Algorithm identifies the group ratchet scheme on the wire.
const Algorithm = "m.megolm.v1.aes-sha2"

var (
	// ErrInvalidArgument indicates a missing or malformed caller input.
	ErrInvalidArgument = errors.New("group: invalid argument")

	errMissingStore = errors.New("group: key store is required")
	errMissingVault = errors.New("group: vault is required")
)

// RoomKey is the shareable description of one outbound session: everything
// a recipient needs to build the matching inbound session.
type RoomKey struct {
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	Algorithm  string `json:"algorithm"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store  *keystore.Store
	Vault  *vault.Vault
	Policy RotationPolicy
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the group messaging engine.
type Service struct {
	store  *keystore.Store
	vault  *vault.Vault
	policy RotationPolicy
	locks  *locking.KeyedMutex
	clock  func() time.Time
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		vault:  cfg.Vault,
		policy: cfg.Policy.Normalize(),
		locks:  locking.NewKeyedMutex(),
		clock:  clock,
		logger: logger,
	}, nil
}

// CreateOutboundSession mints a fresh sender session for (room, device),
// replacing any existing one, and returns its room key for distribution.
// The exported key starts at index 0, so recipients can decrypt the whole
// session.
func (s *Service) CreateOutboundSession(ctx context.Context, roomID, deviceID string) (RoomKey, error) {
	if roomID == "" || deviceID == "" {
		return RoomKey{}, fmt.Errorf("%w: room id and device id are required", ErrInvalidArgument)
	}

	unlock := s.locks.Lock(outboundKey(roomID, deviceID))
	defer unlock()

	session, err := groupratchet.NewOutboundSession()
	if err != nil {
		return RoomKey{}, err
	}
	defer session.Wipe()

	sessionKey, err := session.SessionKey()
	if err != nil {
		return RoomKey{}, err
	}
	sealed, nonce, err := s.sealOutbound(session)
	if err != nil {
		return RoomKey{}, err
	}

	if err := s.store.ReplaceGroupOutbound(ctx, keystore.GroupOutboundSession{
		RoomID:         roomID,
		DeviceID:       deviceID,
		SessionID:      session.SessionID,
		PickledSession: sealed,
		PickleNonce:    nonce,
		MaxMessages:    s.policy.MaxMessages,
		MaxAgeSeconds:  int(s.policy.MaxAge / time.Second),
	}); err != nil {
		return RoomKey{}, err
	}

	s.logger.Info("group session created",
		zap.String("room_id", roomID),
		zap.String("device_id", deviceID),
		zap.String("session_id", session.SessionID))
	return RoomKey{
		RoomID:     roomID,
		SessionID:  session.SessionID,
		SessionKey: sessionKey,
		Algorithm:  Algorithm,
	}, nil
}

// ExportRoomKey exports the sender session at its current index. A late
// joiner importing this key can decrypt from here on but nothing earlier.
func (s *Service) ExportRoomKey(ctx context.Context, roomID, deviceID string) (RoomKey, error) {
	if roomID == "" || deviceID == "" {
		return RoomKey{}, fmt.Errorf("%w: room id and device id are required", ErrInvalidArgument)
	}

	unlock := s.locks.Lock(outboundKey(roomID, deviceID))
	defer unlock()

	row, err := s.store.LoadGroupOutbound(ctx, roomID, deviceID)
	if err != nil {
		return RoomKey{}, err
	}
	session, err := s.openOutbound(row)
	if err != nil {
		return RoomKey{}, err
	}
	defer session.Wipe()

	sessionKey, err := session.SessionKey()
	if err != nil {
		return RoomKey{}, err
	}
	return RoomKey{
		RoomID:     roomID,
		SessionID:  session.SessionID,
		SessionKey: sessionKey,
		Algorithm:  Algorithm,
	}, nil
}

// Encrypt encrypts one room event with the device's sender session. If the
// session has hit a rotation limit the call fails with
// *SessionNeedsRotationError without encrypting; the caller must create and
// distribute a new session first.
func (s *Service) Encrypt(ctx context.Context, roomID, deviceID string, plaintext []byte) ([]byte, error) {
	if roomID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: room id and device id are required", ErrInvalidArgument)
	}

	unlock := s.locks.Lock(outboundKey(roomID, deviceID))
	defer unlock()

	row, err := s.store.LoadGroupOutbound(ctx, roomID, deviceID)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	policy := RotationPolicy{
		MaxMessages: row.MaxMessages,
		MaxAge:      time.Duration(row.MaxAgeSeconds) * time.Second,
	}.Normalize()
	if policy.NeedsRotation(row.MessageCount, row.CreatedAt, now) {
		return nil, &SessionNeedsRotationError{
			RoomID:       roomID,
			DeviceID:     deviceID,
			MessageCount: row.MessageCount,
			MaxMessages:  policy.MaxMessages,
			Age:          now.Sub(row.CreatedAt),
			MaxAge:       policy.MaxAge,
		}
	}

	session, err := s.openOutbound(row)
	if err != nil {
		return nil, err
	}
	defer session.Wipe()

	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	payload, err := ciphertext.Encode()
	if err != nil {
		return nil, err
	}

	sealed, nonce, err := s.sealOutbound(session)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveGroupOutbound(ctx, roomID, deviceID, sealed, nonce, 1); err != nil {
		return nil, err
	}
	return payload, nil
}

// ImportRoomKey installs an inbound session from a received room key.
// Importing the same session id again is idempotent; the lowest
// first-known index sticks.
func (s *Service) ImportRoomKey(ctx context.Context, ourDeviceID, roomID, senderIdentityKey, sessionKey string) error {
	if ourDeviceID == "" || roomID == "" || sessionKey == "" {
		return fmt.Errorf("%w: device id, room id, and session key are required", ErrInvalidArgument)
	}

	session, err := groupratchet.NewInboundSession(sessionKey)
	if err != nil {
		return err
	}
	defer session.Wipe()

	unlock := s.locks.Lock(inboundKey(ourDeviceID, session.SessionID))
	defer unlock()

	sealed, nonce, err := s.sealInbound(session)
	if err != nil {
		return err
	}
	if err := s.store.UpsertGroupInbound(ctx, keystore.GroupInboundSession{
		OurDeviceID:       ourDeviceID,
		SessionID:         session.SessionID,
		RoomID:            roomID,
		SenderIdentityKey: senderIdentityKey,
		PickledSession:    sealed,
		PickleNonce:       nonce,
		FirstKnownIndex:   int(session.FirstKnownIndex),
	}); err != nil {
		return err
	}

	s.logger.Debug("room key imported",
		zap.String("device_id", ourDeviceID),
		zap.String("room_id", roomID),
		zap.String("session_id", session.SessionID),
		zap.Uint32("first_known_index", session.FirstKnownIndex))
	return nil
}

// Decrypt decrypts one room event using the inbound session named by the
// payload's session id. Returns the room the event belongs to alongside the
// plaintext. Messages below the session's first known index fail with
// *groupratchet.UnknownIndexError.
func (s *Service) Decrypt(ctx context.Context, ourDeviceID string, payload []byte) (string, []byte, error) {
	if ourDeviceID == "" {
		return "", nil, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}

	ciphertext, err := groupratchet.DecodeCiphertext(payload)
	if err != nil {
		return "", nil, err
	}

	unlock := s.locks.Lock(inboundKey(ourDeviceID, ciphertext.SessionID))
	defer unlock()

	row, err := s.store.LoadGroupInbound(ctx, ourDeviceID, ciphertext.SessionID)
	if err != nil {
		return "", nil, err
	}
	session, err := s.openInbound(row)
	if err != nil {
		return "", nil, err
	}
	defer session.Wipe()

	plaintext, err := session.Decrypt(ciphertext)
	if err != nil {
		return "", nil, err
	}

	sealed, nonce, err := s.sealInbound(session)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.SaveGroupInboundPickle(ctx, ourDeviceID, ciphertext.SessionID, sealed, nonce); err != nil {
		return "", nil, err
	}
	return row.RoomID, plaintext, nil
}

func (s *Service) sealOutbound(session *groupratchet.OutboundSession) (sealed, nonce []byte, err error) {
	pickle, err := session.Pickle()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(pickle)
	return s.vault.Seal(pickle)
}

func (s *Service) openOutbound(row keystore.GroupOutboundSession) (*groupratchet.OutboundSession, error) {
	pickle, err := s.vault.Open(row.PickledSession, row.PickleNonce)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(pickle)
	return groupratchet.OutboundFromPickle(pickle)
}

func (s *Service) sealInbound(session *groupratchet.InboundSession) (sealed, nonce []byte, err error) {
	pickle, err := session.Pickle()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(pickle)
	return s.vault.Seal(pickle)
}

func (s *Service) openInbound(row keystore.GroupInboundSession) (*groupratchet.InboundSession, error) {
	pickle, err := s.vault.Open(row.PickledSession, row.PickleNonce)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(pickle)
	return groupratchet.InboundFromPickle(pickle)
}

func outboundKey(roomID, deviceID string) string {
	return "group-out:" + roomID + ":" + deviceID
}

func inboundKey(ourDeviceID, sessionID string) string {
	return "group-in:" + ourDeviceID + ":" + sessionID
}
