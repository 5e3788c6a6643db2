// Package keystore persists the encrypted-at-rest crypto state: device
// accounts, one-time keys, pairwise sessions, and group sessions. It owns
// bytes at rest only; the engines own plaintext state for the duration of a
// single operation.
package keystore

import "time"

// Device is the public identity of an enrolled device.
type Device struct {
	DeviceID    string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DeviceName  string    `gorm:"column:device_name;size:320"`
	IdentityKey string    `gorm:"column:identity_key;size:64;not null"`
	SigningKey  string    `gorm:"column:signing_key;size:64;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing enrolled devices.
func (Device) TableName() string {
	return "devices"
}

// PairwiseAccount is a device's vault-sealed account pickle.
type PairwiseAccount struct {
	DeviceID          string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	PickledAccount    []byte    `gorm:"column:pickled_account;not null"`
	PickleNonce       []byte    `gorm:"column:pickle_nonce;not null"`
	PublishedOTKCount int       `gorm:"column:published_otk_count;not null;default:0"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing sealed device accounts.
func (PairwiseAccount) TableName() string {
	return "pairwise_accounts"
}

// OneTimeKey is a published one-time key row. Each row is claimed at most
// once and never reissued.
type OneTimeKey struct {
	ID                uint       `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID          string     `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_otk_device_key,priority:1"`
	KeyID             string     `gorm:"column:key_id;size:64;not null;uniqueIndex:idx_otk_device_key,priority:2"`
	PublicKey         string     `gorm:"column:public_key;size:64;not null"`
	Claimed           bool       `gorm:"column:claimed;not null;default:false"`
	ClaimedByDeviceID string     `gorm:"column:claimed_by_device_id;size:190"`
	ClaimedAt         *time.Time `gorm:"column:claimed_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
}

// TableName exposes the table backing one-time keys.
func (OneTimeKey) TableName() string {
	return "one_time_keys"
}

// PairwiseSession is a vault-sealed pairwise ratchet pickle, keyed by our
// device and the peer's identity key.
type PairwiseSession struct {
	OurDeviceID      string    `gorm:"column:our_device_id;primaryKey;size:190;not null"`
	TheirIdentityKey string    `gorm:"column:their_identity_key;primaryKey;size:64;not null"`
	PickledSession   []byte    `gorm:"column:pickled_session;not null"`
	PickleNonce      []byte    `gorm:"column:pickle_nonce;not null"`
	LastUsedAt       time.Time `gorm:"column:last_used_at"`
}

// TableName exposes the table backing pairwise sessions.
func (PairwiseSession) TableName() string {
	return "pairwise_sessions"
}

// GroupOutboundSession is the per-(room, device) sender ratchet row with its
// rotation bookkeeping.
type GroupOutboundSession struct {
	RoomID         string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	DeviceID       string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	SessionID      string    `gorm:"column:session_id;size:64;not null;index"`
	PickledSession []byte    `gorm:"column:pickled_session;not null"`
	PickleNonce    []byte    `gorm:"column:pickle_nonce;not null"`
	MessageCount   int       `gorm:"column:message_count;not null;default:0"`
	MaxMessages    int       `gorm:"column:max_messages;not null"`
	MaxAgeSeconds  int       `gorm:"column:max_age_seconds;not null"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName exposes the table backing outbound group sessions.
func (GroupOutboundSession) TableName() string {
	return "group_outbound_sessions"
}

// GroupInboundSession is a receiver ratchet row, keyed by our device and the
// sender's session id.
type GroupInboundSession struct {
	OurDeviceID       string    `gorm:"column:our_device_id;primaryKey;size:190;not null"`
	SessionID         string    `gorm:"column:session_id;primaryKey;size:64;not null"`
	RoomID            string    `gorm:"column:room_id;size:190;not null;index"`
	SenderIdentityKey string    `gorm:"column:sender_identity_key;size:64;not null"`
	PickledSession    []byte    `gorm:"column:pickled_session;not null"`
	PickleNonce       []byte    `gorm:"column:pickle_nonce;not null"`
	FirstKnownIndex   int       `gorm:"column:first_known_index;not null;default:0"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

// TableName exposes the table backing inbound group sessions.
func (GroupInboundSession) TableName() string {
	return "group_inbound_sessions"
}
