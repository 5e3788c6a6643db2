// Package roomkey fans a group session key out to recipient devices, one
// pairwise-encrypted to-device event per target.
package roomkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/backend/internal/group"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/pairwise"
	"github.com/meridianhq/meridian/backend/internal/todevice"
)

// EventTypeRoomKey tags a to-device event carrying a room key envelope.
const EventTypeRoomKey = "m.room_key"

// DefaultConcurrency bounds how many targets are processed in parallel.
const DefaultConcurrency = 4

var (
	// ErrInvalidArgument indicates a missing or malformed caller input.
	ErrInvalidArgument = errors.New("roomkey: invalid argument")

	errMissingPairwise = errors.New("roomkey: pairwise service is required")
	errMissingQueue    = errors.New("roomkey: to-device queue is required")
)

// Envelope is the plaintext payload of one room key event. It is encrypted
// pairwise per recipient device before it touches the queue.
type Envelope struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	Algorithm  string `json:"algorithm"`
}

// DecodeEnvelope parses a decrypted room key event.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if envelope.Type != EventTypeRoomKey || envelope.SessionID == "" || envelope.SessionKey == "" {
		return Envelope{}, fmt.Errorf("%w: not a room key envelope", ErrInvalidArgument)
	}
	return envelope, nil
}

// Result records the outcome of delivering a room key to one target device.
// Exactly one of MessageID and Err is set unless the target was skipped.
type Result struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	MessageID string `json:"message_id,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`

	err error
}

// Err returns the delivery error for this target, if any.
func (r Result) Err() error { return r.err }

// DistributorConfig configures a Distributor.
type DistributorConfig struct {
	Pairwise    *pairwise.Service
	Queue       *todevice.Queue
	Concurrency int
	Logger      *zap.Logger
}

// Distributor delivers room keys over pairwise channels.
type Distributor struct {
	pairwise    *pairwise.Service
	queue       *todevice.Queue
	concurrency int
	logger      *zap.Logger
}

// NewDistributor validates the config and returns a Distributor.
func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if cfg.Pairwise == nil {
		return nil, errMissingPairwise
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		pairwise:    cfg.Pairwise,
		queue:       cfg.Queue,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Distribute delivers the room key to every enrolled device of the given
// users, skipping the sender's own device. Targets that cannot be reached,
// such as a device with no one-time keys left, are reported in their Result
// without failing the rest of the fan-out. The returned error covers only
// infrastructure failures like listing devices.
func (d *Distributor) Distribute(ctx context.Context, senderDeviceID string, key group.RoomKey, userIDs []string) ([]Result, error) {
	if senderDeviceID == "" || key.SessionKey == "" {
		return nil, fmt.Errorf("%w: sender device id and room key are required", ErrInvalidArgument)
	}

	sender, err := d.pairwise.DeviceKeysForDevice(ctx, senderDeviceID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(Envelope{
		Type:       EventTypeRoomKey,
		RoomID:     key.RoomID,
		SessionID:  key.SessionID,
		SessionKey: key.SessionKey,
		Algorithm:  key.Algorithm,
	})
	if err != nil {
		return nil, err
	}

	var targets []Result
	for _, userID := range userIDs {
		devices, err := d.pairwise.DeviceKeysForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			d.logger.Warn("room key target has no enrolled devices",
				zap.String("user_id", userID),
				zap.String("room_id", key.RoomID))
			targets = append(targets, Result{UserID: userID, Skipped: true, Error: "no enrolled devices"})
			continue
		}
		for _, device := range devices {
			if device.DeviceID == senderDeviceID {
				continue
			}
			targets = append(targets, Result{UserID: device.UserID, DeviceID: device.DeviceID})
		}
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(d.concurrency)
	for i := range targets {
		if targets[i].Skipped {
			continue
		}
		result := &targets[i]
		grp.Go(func() error {
			d.deliver(grpCtx, sender, result, payload)
			return nil
		})
	}
	// Workers record per-target failures instead of returning them.
	_ = grp.Wait()

	for i := range targets {
		if targets[i].err != nil {
			d.logger.Warn("room key delivery failed",
				zap.String("room_id", key.RoomID),
				zap.String("device_id", targets[i].DeviceID),
				zap.Error(targets[i].err))
		}
	}
	return targets, nil
}

func (d *Distributor) deliver(ctx context.Context, sender pairwise.DeviceKeys, result *Result, payload []byte) {
	encrypted, err := d.encryptFor(ctx, sender.DeviceID, result.DeviceID, payload)
	if err != nil {
		result.err = err
		result.Error = err.Error()
		return
	}
	messageID, err := d.queue.Enqueue(ctx, todevice.Event{
		SenderUserID:      sender.UserID,
		SenderDeviceID:    sender.DeviceID,
		RecipientUserID:   result.UserID,
		RecipientDeviceID: result.DeviceID,
		EventType:         EventTypeRoomKey,
		Payload:           encrypted,
	})
	if err != nil {
		result.err = err
		result.Error = err.Error()
		return
	}
	result.MessageID = messageID
}

// encryptFor reuses the existing pairwise session with the target and
// bootstraps one when none exists yet.
func (d *Distributor) encryptFor(ctx context.Context, senderDeviceID, targetDeviceID string, payload []byte) ([]byte, error) {
	device, err := d.pairwise.DeviceKeysForDevice(ctx, targetDeviceID)
	if err != nil {
		return nil, err
	}

	encrypted, err := d.pairwise.Encrypt(ctx, senderDeviceID, device.IdentityKey, payload)
	if err == nil {
		return encrypted, nil
	}
	if !errors.Is(err, keystore.ErrSessionNotFound) {
		return nil, err
	}

	identityKey, err := d.pairwise.CreateOutboundSession(ctx, senderDeviceID, targetDeviceID)
	if err != nil {
		return nil, err
	}
	return d.pairwise.Encrypt(ctx, senderDeviceID, identityKey, payload)
}
