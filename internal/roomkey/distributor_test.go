package roomkey

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/meridianhq/meridian/backend/internal/group"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/pairwise"
	"github.com/meridianhq/meridian/backend/internal/todevice"
	"github.com/meridianhq/meridian/backend/internal/vault"
)

type testStack struct {
	pairwise    *pairwise.Service
	group       *group.Service
	queue       *todevice.Queue
	distributor *Distributor
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	dsn := fmt.Sprintf("file:roomkey_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&keystore.Device{}, &keystore.PairwiseAccount{}, &keystore.OneTimeKey{},
		&keystore.PairwiseSession{}, &keystore.GroupOutboundSession{}, &keystore.GroupInboundSession{},
		&todevice.Message{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := keystore.NewStore(keystore.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	sealer, err := vault.New(bytes.Repeat([]byte{0x37}, vault.MasterKeySize))
	if err != nil {
		t.Fatalf("failed to build vault: %v", err)
	}
	pairwiseService, err := pairwise.NewService(pairwise.ServiceConfig{Store: store, Vault: sealer})
	if err != nil {
		t.Fatalf("failed to build pairwise service: %v", err)
	}
	groupService, err := group.NewService(group.ServiceConfig{Store: store, Vault: sealer})
	if err != nil {
		t.Fatalf("failed to build group service: %v", err)
	}
	queue, err := todevice.NewQueue(todevice.QueueConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	distributor, err := NewDistributor(DistributorConfig{Pairwise: pairwiseService, Queue: queue})
	if err != nil {
		t.Fatalf("failed to build distributor: %v", err)
	}
	return &testStack{pairwise: pairwiseService, group: groupService, queue: queue, distributor: distributor}
}

func (s *testStack) enroll(t *testing.T, userID, deviceID string, otkCount int) pairwise.DeviceKeys {
	t.Helper()
	keys, err := s.pairwise.Enroll(context.Background(), userID, deviceID, "")
	if err != nil {
		t.Fatalf("enroll %s: %v", deviceID, err)
	}
	if otkCount > 0 {
		if _, err := s.pairwise.PublishOneTimeKeys(context.Background(), deviceID, otkCount); err != nil {
			t.Fatalf("publish %s: %v", deviceID, err)
		}
	}
	return keys
}

func TestDistributeAndDecryptGroupMessage(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	alice := stack.enroll(t, "alice", "alice-dev", 0)
	stack.enroll(t, "bob", "bob-phone", 2)
	stack.enroll(t, "bob", "bob-laptop", 2)

	roomKey, err := stack.group.CreateOutboundSession(ctx, "room-1", "alice-dev")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	results, err := stack.distributor.Distribute(ctx, "alice-dev", roomKey, []string{"bob"})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 targets, got %+v", results)
	}
	for _, result := range results {
		if result.Err() != nil || result.MessageID == "" {
			t.Fatalf("expected delivery, got %+v", result)
		}
	}

	// Each of Bob's devices reads its copy, unwraps the envelope, and joins
	// the group session.
	for _, deviceID := range []string{"bob-phone", "bob-laptop"} {
		messages, err := stack.queue.Read(ctx, deviceID, 0)
		if err != nil {
			t.Fatalf("read %s: %v", deviceID, err)
		}
		if len(messages) != 1 || messages[0].EventType != EventTypeRoomKey {
			t.Fatalf("expected one room key event for %s, got %+v", deviceID, messages)
		}
		if messages[0].SenderUserID != "alice" || messages[0].RecipientUserID != "bob" {
			t.Fatalf("expected user columns on queued event, got %+v", messages[0])
		}

		decrypted, err := stack.pairwise.Decrypt(ctx, deviceID, alice.IdentityKey, messages[0].Payload)
		if err != nil {
			t.Fatalf("decrypt envelope on %s: %v", deviceID, err)
		}
		envelope, err := DecodeEnvelope(decrypted)
		if err != nil {
			t.Fatalf("decode envelope on %s: %v", deviceID, err)
		}
		if envelope.RoomID != "room-1" || envelope.SessionID != roomKey.SessionID {
			t.Fatalf("unexpected envelope %+v", envelope)
		}
		if err := stack.group.ImportRoomKey(ctx, deviceID, envelope.RoomID, alice.IdentityKey, envelope.SessionKey); err != nil {
			t.Fatalf("import on %s: %v", deviceID, err)
		}
		if err := stack.queue.Ack(ctx, deviceID, messages[0].MessageID); err != nil {
			t.Fatalf("ack on %s: %v", deviceID, err)
		}
	}

	payload, err := stack.group.Encrypt(ctx, "room-1", "alice-dev", []byte("hello room"))
	if err != nil {
		t.Fatalf("group encrypt: %v", err)
	}
	for _, deviceID := range []string{"bob-phone", "bob-laptop"} {
		roomID, plaintext, err := stack.group.Decrypt(ctx, deviceID, payload)
		if err != nil {
			t.Fatalf("group decrypt on %s: %v", deviceID, err)
		}
		if roomID != "room-1" || string(plaintext) != "hello room" {
			t.Fatalf("unexpected result on %s: room=%s plaintext=%q", deviceID, roomID, plaintext)
		}
	}
}

func TestDistributeSkipsUserWithoutDevices(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	stack.enroll(t, "alice", "alice-dev", 0)
	roomKey, err := stack.group.CreateOutboundSession(ctx, "room-1", "alice-dev")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	results, err := stack.distributor.Distribute(ctx, "alice-dev", roomKey, []string{"ghost"})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("expected skipped target, got %+v", results)
	}
}

func TestDistributeReportsPerTargetFailure(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	stack.enroll(t, "alice", "alice-dev", 0)
	stack.enroll(t, "bob", "bob-ready", 1)
	stack.enroll(t, "bob", "bob-empty", 0) // never published one-time keys

	roomKey, err := stack.group.CreateOutboundSession(ctx, "room-1", "alice-dev")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	results, err := stack.distributor.Distribute(ctx, "alice-dev", roomKey, []string{"bob"})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	outcomes := map[string]Result{}
	for _, result := range results {
		outcomes[result.DeviceID] = result
	}
	if outcomes["bob-ready"].Err() != nil || outcomes["bob-ready"].MessageID == "" {
		t.Fatalf("expected delivery to bob-ready, got %+v", outcomes["bob-ready"])
	}
	if outcomes["bob-empty"].Err() == nil {
		t.Fatalf("expected failure for bob-empty, got %+v", outcomes["bob-empty"])
	}
}

func TestDistributeExcludesSenderDevice(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	stack.enroll(t, "alice", "alice-dev", 0)
	stack.enroll(t, "alice", "alice-tablet", 1)

	roomKey, err := stack.group.CreateOutboundSession(ctx, "room-1", "alice-dev")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	results, err := stack.distributor.Distribute(ctx, "alice-dev", roomKey, []string{"alice"})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(results) != 1 || results[0].DeviceID != "alice-tablet" {
		t.Fatalf("expected only the other device targeted, got %+v", results)
	}
}

func TestDecodeEnvelopeRejectsForeignEvents(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":"m.other"}`)); err == nil {
		t.Fatalf("expected rejection of non room key event")
	}
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Fatalf("expected rejection of malformed payload")
	}
}
