package server

import (
	"context"
	"sync"
	"time"
)

const (
	// EventToDevice signals that a new to-device message is waiting.
	EventToDevice = "to-device"
	// EventRoomKey signals that the waiting message carries a room key.
	EventRoomKey = "room-key"
)

// Notification tells a connected device that its queue has new content.
// Payloads stay in the queue; the notification carries ids only.
type Notification struct {
	DeviceID  string    `json:"device_id"`
	EventType string    `json:"event_type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier fans queue notifications out to connected devices. Slow
// subscribers drop notifications rather than block publishers; the queue
// remains the source of truth.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Notification
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for a device's notifications until ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, deviceID string) (<-chan Notification, func()) {
	if deviceID == "" {
		ch := make(chan Notification)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     n.nextSequence(),
		stream: make(chan Notification, n.bufferSize),
	}
	n.register(deviceID, sub)
	cleanup := func() {
		n.unregister(deviceID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers a notification to every subscriber of its device.
func (n *Notifier) Publish(notification Notification) {
	if notification.DeviceID == "" || notification.EventType == "" {
		return
	}
	n.mu.RLock()
	subs := n.subscribers[notification.DeviceID]
	if len(subs) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	n.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- notification:
		default:
		}
	}
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) register(deviceID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[deviceID]; !ok {
		n.subscribers[deviceID] = make(map[int64]*subscriber)
	}
	n.subscribers[deviceID][sub.id] = sub
}

func (n *Notifier) unregister(deviceID string, subscriberID int64) {
	n.mu.Lock()
	subs := n.subscribers[deviceID]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(n.subscribers, deviceID)
		}
	}
	n.mu.Unlock()
}
