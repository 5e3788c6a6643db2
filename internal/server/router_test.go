package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/meridianhq/meridian/backend/internal/group"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/pairwise"
	"github.com/meridianhq/meridian/backend/internal/roomkey"
	"github.com/meridianhq/meridian/backend/internal/todevice"
	"github.com/meridianhq/meridian/backend/internal/vault"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	handler, _ := newTestHandlerWithNotifier(t)
	return handler
}

func newTestHandlerWithNotifier(t *testing.T) (http.Handler, *Notifier) {
	t.Helper()

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	sealer, err := vault.New(bytes.Repeat([]byte{0x11}, vault.MasterKeySize))
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
	distributor, err := roomkey.NewDistributor(roomkey.DistributorConfig{Pairwise: pairwiseService, Queue: queue})
	if err != nil {
		t.Fatalf("failed to build distributor: %v", err)
	}

	notifier := NewNotifier()
	handler, err := NewHTTPHandler(Dependencies{
		Pairwise:    pairwiseService,
		Group:       groupService,
		Queue:       queue,
		Distributor: distributor,
		Notifier:    notifier,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, notifier
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	decoded := map[string]json.RawMessage{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func unmarshalField[T any](t *testing.T, fields map[string]json.RawMessage, name string) T {
	t.Helper()
	var value T
	raw, ok := fields[name]
	if !ok {
		t.Fatalf("response missing field %q", name)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("decode field %q: %v", name, err)
	}
	return value
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	recorder, _ := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestEnrollAndListDevices(t *testing.T) {
	handler := newTestHandler(t)

	recorder, fields := doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{
		"user_id": "alice", "device_id": "alice-dev", "device_name": "laptop",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	identityKey := unmarshalField[string](t, fields, "identity_key")
	if identityKey == "" {
		t.Fatalf("expected identity key in response")
	}

	recorder, fields = doJSON(t, handler, http.MethodGet, "/e2ee/users/alice/devices", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	devices := unmarshalField[[]pairwise.DeviceKeys](t, fields, "devices")
	if len(devices) != 1 || devices[0].IdentityKey != identityKey {
		t.Fatalf("expected enrolled device listed, got %+v", devices)
	}
}

func TestEnrollRejectsMissingFields(t *testing.T) {
	handler := newTestHandler(t)
	recorder, _ := doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{"user_id": "alice"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestOneTimeKeyLifecycleOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	for _, enroll := range []map[string]string{
		{"user_id": "alice", "device_id": "alice-dev"},
		{"user_id": "bob", "device_id": "bob-dev"},
	} {
		if recorder, _ := doJSON(t, handler, http.MethodPost, "/e2ee/devices", enroll); recorder.Code != http.StatusCreated {
			t.Fatalf("enroll failed: %d", recorder.Code)
		}
	}

	recorder, fields := doJSON(t, handler, http.MethodPost, "/e2ee/devices/bob-dev/one-time-keys", map[string]int{"count": 2})
	if recorder.Code != http.StatusOK {
		t.Fatalf("publish failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if published := unmarshalField[int](t, fields, "published"); published != 2 {
		t.Fatalf("expected 2 published, got %d", published)
	}

	recorder, fields = doJSON(t, handler, http.MethodGet, "/e2ee/devices/bob-dev/one-time-keys", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("count failed: %d", recorder.Code)
	}
	if count := unmarshalField[int](t, fields, "count"); count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	recorder, fields = doJSON(t, handler, http.MethodPost, "/e2ee/one-time-keys/claim", map[string]string{
		"target_device_id": "bob-dev", "claimer_device_id": "alice-dev",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("claim failed: %d", recorder.Code)
	}
	if key := unmarshalField[string](t, fields, "public_key"); key == "" {
		t.Fatalf("expected claimed key material")
	}

	// Exhaust the pool and observe the claim failing.
	doJSON(t, handler, http.MethodPost, "/e2ee/one-time-keys/claim", map[string]string{
		"target_device_id": "bob-dev", "claimer_device_id": "alice-dev",
	})
	recorder, _ = doJSON(t, handler, http.MethodPost, "/e2ee/one-time-keys/claim", map[string]string{
		"target_device_id": "bob-dev", "claimer_device_id": "alice-dev",
	})
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410 once exhausted, got %d", recorder.Code)
	}
}

func TestPairwiseMessagingOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	_, aliceFields := doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{"user_id": "alice", "device_id": "alice-dev"})
	aliceIdentity := unmarshalField[string](t, aliceFields, "identity_key")
	doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{"user_id": "bob", "device_id": "bob-dev"})
	doJSON(t, handler, http.MethodPost, "/e2ee/devices/bob-dev/one-time-keys", map[string]int{"count": 1})

	recorder, fields := doJSON(t, handler, http.MethodPost, "/e2ee/sessions/pairwise", map[string]string{
		"our_device_id": "alice-dev", "their_device_id": "bob-dev",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("session create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	bobIdentity := unmarshalField[string](t, fields, "their_identity_key")

	recorder, fields = doJSON(t, handler, http.MethodPost, "/e2ee/messages/encrypt", map[string]any{
		"device_id": "alice-dev", "their_identity_key": bobIdentity, "plaintext": []byte("hello"),
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("encrypt failed: %d %s", recorder.Code, recorder.Body.String())
	}
	payload := unmarshalField[[]byte](t, fields, "payload")

	recorder, fields = doJSON(t, handler, http.MethodPost, "/e2ee/messages/decrypt", map[string]any{
		"device_id": "bob-dev", "their_identity_key": aliceIdentity, "payload": payload,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("decrypt failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if plaintext := unmarshalField[[]byte](t, fields, "plaintext"); string(plaintext) != "hello" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestGroupFlowOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	_, aliceFields := doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{"user_id": "alice", "device_id": "alice-dev"})
	aliceIdentity := unmarshalField[string](t, aliceFields, "identity_key")
	doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{"user_id": "bob", "device_id": "bob-dev"})
	doJSON(t, handler, http.MethodPost, "/e2ee/devices/bob-dev/one-time-keys", map[string]int{"count": 2})

	// Create the room session and fan the key out to Bob in one call.
	recorder, fields := doJSON(t, handler, http.MethodPost, "/e2ee/rooms/room-1/sessions", map[string]any{
		"device_id": "alice-dev", "share_with": []string{"bob"},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("room session create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	sessionID := unmarshalField[string](t, fields, "session_id")
	distribution := unmarshalField[[]roomkey.Result](t, fields, "distribution")
	if len(distribution) != 1 || distribution[0].MessageID == "" {
		t.Fatalf("expected delivery to bob-dev, got %+v", distribution)
	}

	// Bob reads the queue, unwraps the room key, and imports it.
	recorder, fields = doJSON(t, handler, http.MethodGet, "/e2ee/devices/bob-dev/messages", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("read failed: %d", recorder.Code)
	}
	type queuedMessage struct {
		MessageID string `json:"message_id"`
		EventType string `json:"event_type"`
		Payload   []byte `json:"payload"`
	}
	messages := unmarshalField[[]queuedMessage](t, fields, "messages")
	if len(messages) != 1 || messages[0].EventType != roomkey.EventTypeRoomKey {
		t.Fatalf("expected one room key event, got %+v", messages)
	}

	recorder, fields = doJSON(t, handler, http.MethodPost, "/e2ee/messages/decrypt", map[string]any{
		"device_id": "bob-dev", "their_identity_key": aliceIdentity, "payload": messages[0].Payload,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("envelope decrypt failed: %d %s", recorder.Code, recorder.Body.String())
	}
	envelope, err := roomkey.DecodeEnvelope(unmarshalField[[]byte](t, fields, "plaintext"))
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.SessionID != sessionID {
		t.Fatalf("expected envelope for session %s, got %+v", sessionID, envelope)
	}

	recorder, _ = doJSON(t, handler, http.MethodPost, "/e2ee/rooms/keys", map[string]string{
		"device_id": "bob-dev", "room_id": envelope.RoomID,
		"sender_identity_key": aliceIdentity, "session_key": envelope.SessionKey,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("import failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder, _ = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/e2ee/devices/bob-dev/messages/%s/ack", messages[0].MessageID), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("ack failed: %d", recorder.Code)
	}

	// Alice posts an encrypted room event; Bob decrypts it.
	recorder, fields = doJSON(t, handler, http.MethodPost, "/e2ee/rooms/room-1/encrypt", map[string]any{
		"device_id": "alice-dev", "plaintext": []byte("hello room"),
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("group encrypt failed: %d %s", recorder.Code, recorder.Body.String())
	}
	payload := unmarshalField[[]byte](t, fields, "payload")

	recorder, fields = doJSON(t, handler, http.MethodPost, "/e2ee/rooms/decrypt", map[string]any{
		"device_id": "bob-dev", "payload": payload,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("group decrypt failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if roomID := unmarshalField[string](t, fields, "room_id"); roomID != "room-1" {
		t.Fatalf("unexpected room %q", roomID)
	}
	if plaintext := unmarshalField[[]byte](t, fields, "plaintext"); string(plaintext) != "hello room" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestGroupEncryptReportsRotation(t *testing.T) {
	handler := newTestHandler(t)

	doJSON(t, handler, http.MethodPost, "/e2ee/devices", map[string]string{"user_id": "alice", "device_id": "alice-dev"})

	// A session capped by the stock policy keeps working; force the limit by
	// driving a tiny policy through a dedicated service is covered in the
	// group package tests. Here the missing-session path is exercised.
	recorder, _ := doJSON(t, handler, http.MethodPost, "/e2ee/rooms/room-1/encrypt", map[string]any{
		"device_id": "alice-dev", "plaintext": []byte("x"),
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without session, got %d", recorder.Code)
	}
}

func TestNotifierDeliversToSubscriber(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := notifier.Subscribe(ctx, "bob-dev")
	defer cleanup()

	notifier.Publish(Notification{DeviceID: "bob-dev", EventType: EventRoomKey, MessageID: "msg-1", Timestamp: time.Now()})
	notifier.Publish(Notification{DeviceID: "other-dev", EventType: EventRoomKey, MessageID: "msg-2", Timestamp: time.Now()})

	select {
	case notification := <-stream:
		if notification.MessageID != "msg-1" {
			t.Fatalf("unexpected notification %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a notification")
	}

	select {
	case notification := <-stream:
		t.Fatalf("unexpected second notification %+v", notification)
	default:
	}
}

func TestSendToDeviceOverHTTP(t *testing.T) {
	handler, notifier := newTestHandlerWithNotifier(t)

	for _, enroll := range []map[string]string{
		{"user_id": "alice", "device_id": "alice-dev"},
		{"user_id": "bob", "device_id": "bob-dev"},
	} {
		recorder, _ := doJSON(t, handler, http.MethodPost, "/e2ee/devices", enroll)
		if recorder.Code != http.StatusCreated {
			t.Fatalf("enroll %v: got %d", enroll, recorder.Code)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := notifier.Subscribe(ctx, "bob-dev")
	defer cleanup()

	recorder, fields := doJSON(t, handler, http.MethodPost, "/e2ee/devices/bob-dev/messages", map[string]any{
		"sender_device_id": "alice-dev",
		"event_type":       "m.custom.ping",
		"payload":          []byte("sealed-blob"),
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	messageID := unmarshalField[string](t, fields, "message_id")
	if messageID == "" {
		t.Fatalf("expected message id in response")
	}

	select {
	case notification := <-stream:
		if notification.EventType != EventToDevice || notification.MessageID != messageID {
			t.Fatalf("unexpected notification %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a to-device notification")
	}

	recorder, fields = doJSON(t, handler, http.MethodGet, "/e2ee/devices/bob-dev/messages", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("read: got %d", recorder.Code)
	}
	type queuedMessage struct {
		MessageID     string `json:"message_id"`
		SenderUser    string `json:"sender_user"`
		SenderDevice  string `json:"sender_device_id"`
		RecipientUser string `json:"recipient_user"`
		EventType     string `json:"event_type"`
		Payload       []byte `json:"payload"`
	}
	messages := unmarshalField[[]queuedMessage](t, fields, "messages")
	if len(messages) != 1 || messages[0].MessageID != messageID {
		t.Fatalf("expected the queued message, got %+v", messages)
	}
	if messages[0].SenderUser != "alice" || messages[0].RecipientUser != "bob" {
		t.Fatalf("expected user columns in response, got %+v", messages[0])
	}
	if string(messages[0].Payload) != "sealed-blob" {
		t.Fatalf("unexpected payload %q", messages[0].Payload)
	}

	// The user-scoped read sees the same event across bob's devices.
	recorder, fields = doJSON(t, handler, http.MethodGet, "/e2ee/users/bob/messages", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("user read: got %d", recorder.Code)
	}
	messages = unmarshalField[[]queuedMessage](t, fields, "messages")
	if len(messages) != 1 || messages[0].MessageID != messageID {
		t.Fatalf("expected user-scoped read to match, got %+v", messages)
	}

	recorder, _ = doJSON(t, handler, http.MethodPost, "/e2ee/devices/bob-dev/messages", map[string]any{
		"sender_device_id": "ghost-dev",
		"event_type":       "m.custom.ping",
		"payload":          []byte("x"),
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sender, got %d", recorder.Code)
	}
}
