package group

import (
	"fmt"
	"time"
)

// Rotation defaults. A session that has encrypted this many messages or
// lived this long must be replaced before it encrypts again.
const (
	DefaultMaxMessages = 1000
	DefaultMaxAge      = 7 * 24 * time.Hour
)

// RotationPolicy caps the lifetime of one outbound group session.
type RotationPolicy struct {
	MaxMessages int
	MaxAge      time.Duration
}

// DefaultRotationPolicy returns the stock limits.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{MaxMessages: DefaultMaxMessages, MaxAge: DefaultMaxAge}
}

// Normalize fills zero or negative limits with the defaults.
func (p RotationPolicy) Normalize() RotationPolicy {
	if p.MaxMessages <= 0 {
		p.MaxMessages = DefaultMaxMessages
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	return p
}

// NeedsRotation reports whether a session with the given message count and
// creation time has exhausted either limit.
func (p RotationPolicy) NeedsRotation(messageCount int, createdAt, now time.Time) bool {
	if messageCount >= p.MaxMessages {
		return true
	}
	return now.Sub(createdAt) >= p.MaxAge
}

// SessionNeedsRotationError tells the caller to mint and redistribute a new
// session before encrypting again. Encryption never silently rotates: the
// new session key must reach recipients first or their decrypts would fail.
type SessionNeedsRotationError struct {
	RoomID       string
	DeviceID     string
	MessageCount int
	MaxMessages  int
	Age          time.Duration
	MaxAge       time.Duration
}

func (e *SessionNeedsRotationError) Error() string {
	return fmt.Sprintf("group: session for room %s device %s needs rotation (%d/%d messages, age %s/%s)",
		e.RoomID, e.DeviceID, e.MessageCount, e.MaxMessages, e.Age.Round(time.Second), e.MaxAge)
}
