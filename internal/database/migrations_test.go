package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/todevice"
)

func TestApplyMigrationsBackfillsQueueExpiry(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&keystore.Device{}, &todevice.Message{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	message := todevice.Message{
		MessageID:         "msg-1",
		SenderDeviceID:    "dev-a",
		RecipientDeviceID: "dev-b",
		EventType:         "m.room_key",
		Payload:           []byte("blob"),
		CreatedAt:         time.Date(2026, time.February, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := database.Create(&message).Error; err != nil {
		testContext.Fatalf("failed to insert message: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored todevice.Message
	if err := database.Where("message_id = ?", message.MessageID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if !stored.ExpiresAt.After(stored.CreatedAt) {
		testContext.Fatalf("expected expiry after creation, got %s", stored.ExpiresAt)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillQueueExpiry).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsQueueUsers(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&keystore.Device{}, &todevice.Message{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	devices := []keystore.Device{
		{DeviceID: "dev-a", UserID: "alice", IdentityKey: "ik-a", SigningKey: "sk-a"},
		{DeviceID: "dev-b", UserID: "bob", IdentityKey: "ik-b", SigningKey: "sk-b"},
	}
	for _, device := range devices {
		if err := database.Create(&device).Error; err != nil {
			testContext.Fatalf("failed to insert device: %v", err)
		}
	}

	created := time.Date(2026, time.February, 1, 10, 0, 0, 0, time.UTC)
	messages := []todevice.Message{
		{
			MessageID:         "msg-known",
			SenderDeviceID:    "dev-a",
			RecipientDeviceID: "dev-b",
			EventType:         "m.room_key",
			Payload:           []byte("blob"),
			CreatedAt:         created,
			ExpiresAt:         created.Add(time.Hour),
		},
		{
			MessageID:         "msg-orphan",
			SenderDeviceID:    "dev-gone",
			RecipientDeviceID: "dev-b",
			EventType:         "m.room_key",
			Payload:           []byte("blob"),
			CreatedAt:         created,
			ExpiresAt:         created.Add(time.Hour),
		},
	}
	for _, message := range messages {
		if err := database.Create(&message).Error; err != nil {
			testContext.Fatalf("failed to insert message: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored todevice.Message
	if err := database.Where("message_id = ?", "msg-known").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if stored.SenderUserID != "alice" || stored.RecipientUserID != "bob" {
		testContext.Fatalf("expected user columns filled from devices, got %+v", stored)
	}

	var orphan todevice.Message
	if err := database.Where("message_id = ?", "msg-orphan").Take(&orphan).Error; err != nil {
		testContext.Fatalf("failed to reload orphan message: %v", err)
	}
	if orphan.SenderUserID != "" || orphan.RecipientUserID != "bob" {
		testContext.Fatalf("expected orphan sender left empty, got %+v", orphan)
	}
}
