package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianhq/meridian/backend/internal/todevice"
)

const (
	migrationBackfillQueueExpiry = "2026-08-12_backfill_to_device_expiry"
	migrationBackfillQueueUsers  = "2026-08-31_backfill_to_device_users"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillQueueExpiry, apply: backfillQueueExpiry},
		{name: migrationBackfillQueueUsers, apply: backfillQueueUsers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillQueueExpiry stamps an expiry on queue rows created before the
// expires_at column existed, so the sweeper can reclaim them.
func backfillQueueExpiry(db *gorm.DB) error {
	return db.Model(&todevice.Message{}).
		Where("expires_at <= created_at").
		Update("expires_at", gorm.Expr("datetime(created_at, '+7 days')")).Error
}

// backfillQueueUsers fills the denormalised user columns on queue rows
// written before those columns existed, joining through the device table.
func backfillQueueUsers(db *gorm.DB) error {
	err := db.Exec(`UPDATE to_device_messages
		SET sender_user_id = COALESCE(
			(SELECT user_id FROM devices WHERE devices.device_id = to_device_messages.sender_device_id), '')
		WHERE sender_user_id IS NULL OR sender_user_id = ''`).Error
	if err != nil {
		return err
	}
	return db.Exec(`UPDATE to_device_messages
		SET recipient_user_id = COALESCE(
			(SELECT user_id FROM devices WHERE devices.device_id = to_device_messages.recipient_device_id), '')
		WHERE recipient_user_id IS NULL OR recipient_user_id = ''`).Error
}
