// Package todevice implements the store-and-forward queue for encrypted
// device-to-device events. Payloads arrive already encrypted; the queue
// never inspects them.
package todevice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTTL bounds how long an unread event stays queued.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrMessageNotFound indicates an ack for an unknown or foreign message.
	ErrMessageNotFound = errors.New("todevice: message not found")

	errMissingDatabase = errors.New("todevice: database handle is required")
)

// Message is one queued event addressed to a single device. The user
// columns are denormalised from the device rows so the queue can be
// audited and queried per user without a join.
type Message struct {
	MessageID         string     `gorm:"column:message_id;primaryKey;size:36;not null"`
	SenderUserID      string     `gorm:"column:sender_user_id;size:190"`
	SenderDeviceID    string     `gorm:"column:sender_device_id;size:190;not null"`
	RecipientUserID   string     `gorm:"column:recipient_user_id;size:190;index"`
	RecipientDeviceID string     `gorm:"column:recipient_device_id;size:190;not null;index"`
	EventType         string     `gorm:"column:event_type;size:190;not null"`
	Payload           []byte     `gorm:"column:payload;not null"`
	Delivered         bool       `gorm:"column:delivered;not null;default:false"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	ExpiresAt         time.Time  `gorm:"column:expires_at;index"`
}

// TableName exposes the table backing queued device events.
func (Message) TableName() string {
	return "to_device_messages"
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	TTL      time.Duration
}

// Queue stores encrypted events until their recipient reads and acks them.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	ttl    time.Duration
}

// NewQueue validates the config and returns a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
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
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{db: cfg.Database, clock: clock, logger: logger, ttl: ttl}, nil
}

// Event is one envelope handed to Enqueue. The payload must already be
// encrypted for the recipient device.
type Event struct {
	SenderUserID      string
	SenderDeviceID    string
	RecipientUserID   string
	RecipientDeviceID string
	EventType         string
	Payload           []byte
}

// Enqueue stores one event for a recipient device and returns its id.
func (q *Queue) Enqueue(ctx context.Context, event Event) (string, error) {
	now := q.clock().UTC()
	message := Message{
		MessageID:         uuid.NewString(),
		SenderUserID:      event.SenderUserID,
		SenderDeviceID:    event.SenderDeviceID,
		RecipientUserID:   event.RecipientUserID,
		RecipientDeviceID: event.RecipientDeviceID,
		EventType:         event.EventType,
		Payload:           event.Payload,
		CreatedAt:         now,
		ExpiresAt:         now.Add(q.ttl),
	}
	if err := q.db.WithContext(ctx).Create(&message).Error; err != nil {
		return "", err
	}
	return message.MessageID, nil
}

// ReadForUser returns pending events across all of a user's devices in
// arrival order. Delivered and expired events are excluded.
func (q *Queue) ReadForUser(ctx context.Context, recipientUserID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []Message
	err := q.db.WithContext(ctx).
		Where("recipient_user_id = ? AND NOT delivered AND expires_at > ?", recipientUserID, q.clock().UTC()).
		Order("created_at ASC, message_id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Read returns the recipient's pending events in arrival order. Delivered
// and expired events are excluded; reading does not ack.
func (q *Queue) Read(ctx context.Context, recipientDeviceID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []Message
	err := q.db.WithContext(ctx).
		Where("recipient_device_id = ? AND NOT delivered AND expires_at > ?", recipientDeviceID, q.clock().UTC()).
		Order("created_at ASC, message_id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Ack marks one message delivered. Only the addressed recipient can ack,
// and acking twice is an error.
func (q *Queue) Ack(ctx context.Context, recipientDeviceID, messageID string) error {
	now := q.clock().UTC()
	result := q.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ? AND recipient_device_id = ? AND NOT delivered", messageID, recipientDeviceID).
		Updates(map[string]any{
			"delivered":    true,
			"delivered_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// CleanupExpired deletes delivered and expired rows, returning how many
// were removed. Intended to run on a timer.
func (q *Queue) CleanupExpired(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("delivered OR expires_at <= ?", q.clock().UTC()).
		Delete(&Message{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		q.logger.Debug("purged queued device events", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
