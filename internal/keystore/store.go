package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDeviceNotFound indicates an unknown device id.
	ErrDeviceNotFound = errors.New("keystore: device not found")
	// ErrAccountNotFound indicates a device without a sealed account.
	ErrAccountNotFound = errors.New("keystore: account not found")
	// ErrSessionNotFound indicates a missing pairwise or group session row.
	ErrSessionNotFound = errors.New("keystore: session not found")
	// ErrNoOneTimeKey indicates a claim against a device with no unclaimed keys.
	ErrNoOneTimeKey = errors.New("keystore: no one-time key available")

	errMissingDatabase = errors.New("keystore: database handle is required")
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store wraps the relational handle with the persistence primitives the
// engines need. All multi-row updates run inside an InTransaction boundary.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the config and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// InTransaction runs fn against a Store bound to a single transaction.
// Returning an error aborts the transaction and discards all effects.
func (s *Store) InTransaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, clock: s.clock, logger: s.logger})
	})
}

// UpsertDevice creates the device row or refreshes its identity material and
// last-seen time on re-enroll.
func (s *Store) UpsertDevice(ctx context.Context, device Device) error {
	device.LastSeenAt = s.clock().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "device_name", "identity_key", "signing_key", "last_seen_at",
		}),
	}).Create(&device).Error
}

// LoadDevice fetches a device by id.
func (s *Store) LoadDevice(ctx context.Context, deviceID string) (Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return device, err
}

// ListUserDevices returns every enrolled device for a user.
func (s *Store) ListUserDevices(ctx context.Context, userID string) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("device_id ASC").
		Find(&devices).Error
	return devices, err
}

// UpsertAccount stores or replaces a device's sealed account pickle.
func (s *Store) UpsertAccount(ctx context.Context, account PairwiseAccount) error {
	account.UpdatedAt = s.clock().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pickled_account", "pickle_nonce", "published_otk_count", "updated_at",
		}),
	}).Create(&account).Error
}

// LoadAccount fetches a device's sealed account.
func (s *Store) LoadAccount(ctx context.Context, deviceID string) (PairwiseAccount, error) {
	var account PairwiseAccount
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PairwiseAccount{}, fmt.Errorf("%w: %s", ErrAccountNotFound, deviceID)
	}
	return account, err
}

// UpdateAccountPickle rewrites a device's sealed account in place, keeping
// the published count unchanged.
func (s *Store) UpdateAccountPickle(ctx context.Context, deviceID string, pickled, nonce []byte) error {
	result := s.db.WithContext(ctx).Model(&PairwiseAccount{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"pickled_account": pickled,
			"pickle_nonce":    nonce,
			"updated_at":      s.clock().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, deviceID)
	}
	return nil
}

// OneTimeKeyUpload is one (key id, public key) pair headed for storage.
type OneTimeKeyUpload struct {
	KeyID     string
	PublicKey string
}

// InsertOneTimeKeys stores the uploads, skipping rows whose (device, key id)
// already exists, and returns the count actually inserted.
func (s *Store) InsertOneTimeKeys(ctx context.Context, deviceID string, uploads []OneTimeKeyUpload) (int, error) {
	now := s.clock().UTC()
	inserted := 0
	for _, upload := range uploads {
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "key_id"}},
			DoNothing: true,
		}).Create(&OneTimeKey{
			DeviceID:  deviceID,
			KeyID:     upload.KeyID,
			PublicKey: upload.PublicKey,
			CreatedAt: now,
		})
		if result.Error != nil {
			return inserted, result.Error
		}
		inserted += int(result.RowsAffected)
	}
	return inserted, nil
}

// IncrementPublishedOTKCount bumps the account's published counter by n.
func (s *Store) IncrementPublishedOTKCount(ctx context.Context, deviceID string, n int) error {
	return s.db.WithContext(ctx).Model(&PairwiseAccount{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"published_otk_count": gorm.Expr("published_otk_count + ?", n),
			"updated_at":          s.clock().UTC(),
		}).Error
}

// ClaimOneTimeKey atomically picks and marks the oldest unclaimed key for
// the target device. The locking selector skips rows already locked by a
// concurrent claimant, so claims never block on contention.
func (s *Store) ClaimOneTimeKey(ctx context.Context, targetDeviceID, claimerDeviceID string) (keyID, publicKey string, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row OneTimeKey
		selectErr := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("device_id = ? AND NOT claimed", targetDeviceID).
			Order("created_at ASC, id ASC").
			Take(&row).Error
		if errors.Is(selectErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: device %s", ErrNoOneTimeKey, targetDeviceID)
		}
		if selectErr != nil {
			return selectErr
		}

		now := s.clock().UTC()
		update := tx.Model(&OneTimeKey{}).
			Where("id = ? AND NOT claimed", row.ID).
			Updates(map[string]any{
				"claimed":              true,
				"claimed_by_device_id": claimerDeviceID,
				"claimed_at":           now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return fmt.Errorf("%w: device %s", ErrNoOneTimeKey, targetDeviceID)
		}

		keyID = row.KeyID
		publicKey = row.PublicKey
		return nil
	})
	return keyID, publicKey, err
}

// CountUnclaimedOneTimeKeys reports how many keys remain claimable.
func (s *Store) CountUnclaimedOneTimeKeys(ctx context.Context, deviceID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&OneTimeKey{}).
		Where("device_id = ? AND NOT claimed", deviceID).
		Count(&count).Error
	return count, err
}

// DeleteDeviceOneTimeKeys removes every key row for a device. Used on
// re-enroll so a replaced account leaves no orphaned keys behind.
func (s *Store) DeleteDeviceOneTimeKeys(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Delete(&OneTimeKey{}).Error
}

// SavePairwiseSession upserts a sealed pairwise session pickle.
func (s *Store) SavePairwiseSession(ctx context.Context, session PairwiseSession) error {
	session.LastUsedAt = s.clock().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "our_device_id"}, {Name: "their_identity_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pickled_session", "pickle_nonce", "last_used_at",
		}),
	}).Create(&session).Error
}

// LoadPairwiseSession fetches a sealed pairwise session.
func (s *Store) LoadPairwiseSession(ctx context.Context, ourDeviceID, theirIdentityKey string) (PairwiseSession, error) {
	var session PairwiseSession
	err := s.db.WithContext(ctx).
		Where("our_device_id = ? AND their_identity_key = ?", ourDeviceID, theirIdentityKey).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PairwiseSession{}, fmt.Errorf("%w: pairwise %s -> %s", ErrSessionNotFound, ourDeviceID, theirIdentityKey)
	}
	return session, err
}

// DeletePairwiseSessionsForDevice drops every pairwise session owned by a
// device. Used on re-enroll: sessions built on the old account are unusable.
func (s *Store) DeletePairwiseSessionsForDevice(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).
		Where("our_device_id = ?", deviceID).
		Delete(&PairwiseSession{}).Error
}

// ReplaceGroupOutbound installs a fresh outbound group session row,
// resetting the message count and creation time.
func (s *Store) ReplaceGroupOutbound(ctx context.Context, session GroupOutboundSession) error {
	session.CreatedAt = s.clock().UTC()
	session.MessageCount = 0
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_id", "pickled_session", "pickle_nonce",
			"message_count", "max_messages", "max_age_seconds", "created_at",
		}),
	}).Create(&session).Error
}

// LoadGroupOutbound fetches the outbound group session for (room, device).
func (s *Store) LoadGroupOutbound(ctx context.Context, roomID, deviceID string) (GroupOutboundSession, error) {
	var session GroupOutboundSession
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND device_id = ?", roomID, deviceID).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GroupOutboundSession{}, fmt.Errorf("%w: outbound room %s device %s", ErrSessionNotFound, roomID, deviceID)
	}
	return session, err
}

// SaveGroupOutbound rewrites the pickle and increments the message count in
// one statement. The count is monotonically non-decreasing.
func (s *Store) SaveGroupOutbound(ctx context.Context, roomID, deviceID string, pickled, nonce []byte, countDelta int) error {
	result := s.db.WithContext(ctx).Model(&GroupOutboundSession{}).
		Where("room_id = ? AND device_id = ?", roomID, deviceID).
		Updates(map[string]any{
			"pickled_session": pickled,
			"pickle_nonce":    nonce,
			"message_count":   gorm.Expr("message_count + ?", countDelta),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: outbound room %s device %s", ErrSessionNotFound, roomID, deviceID)
	}
	return nil
}

// UpsertGroupInbound stores an inbound group session. Re-importing the same
// session id is idempotent; the lower first-known-index wins, and the pickle
// is only replaced when the incoming key widens access.
func (s *Store) UpsertGroupInbound(ctx context.Context, session GroupInboundSession) error {
	session.CreatedAt = s.clock().UTC()
	keepLower := "CASE WHEN excluded.first_known_index < group_inbound_sessions.first_known_index THEN excluded.%s ELSE group_inbound_sessions.%s END"
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "our_device_id"}, {Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"pickled_session":   gorm.Expr(fmt.Sprintf(keepLower, "pickled_session", "pickled_session")),
			"pickle_nonce":      gorm.Expr(fmt.Sprintf(keepLower, "pickle_nonce", "pickle_nonce")),
			"first_known_index": gorm.Expr("MIN(group_inbound_sessions.first_known_index, excluded.first_known_index)"),
		}),
	}).Create(&session).Error
}

// LoadGroupInbound fetches an inbound group session by session id.
func (s *Store) LoadGroupInbound(ctx context.Context, ourDeviceID, sessionID string) (GroupInboundSession, error) {
	var session GroupInboundSession
	err := s.db.WithContext(ctx).
		Where("our_device_id = ? AND session_id = ?", ourDeviceID, sessionID).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GroupInboundSession{}, fmt.Errorf("%w: inbound session %s device %s", ErrSessionNotFound, sessionID, ourDeviceID)
	}
	return session, err
}

// SaveGroupInboundPickle rewrites an inbound session pickle after a decrypt.
func (s *Store) SaveGroupInboundPickle(ctx context.Context, ourDeviceID, sessionID string, pickled, nonce []byte) error {
	result := s.db.WithContext(ctx).Model(&GroupInboundSession{}).
		Where("our_device_id = ? AND session_id = ?", ourDeviceID, sessionID).
		Updates(map[string]any{
			"pickled_session": pickled,
			"pickle_nonce":    nonce,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: inbound session %s device %s", ErrSessionNotFound, sessionID, ourDeviceID)
	}
	return nil
}
