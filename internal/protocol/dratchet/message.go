package dratchet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags the pairwise wire union.
type MessageType string

const (
	// MessageTypePreKey carries the handshake data needed to bootstrap a new
	// inbound session alongside the first ciphertext.
	MessageTypePreKey MessageType = "pre_key"
	// MessageTypeNormal is a plain ratchet message on an established session.
	MessageTypeNormal MessageType = "normal"
)

// ErrMalformedMessage indicates bytes that do not decode to a pairwise message.
var ErrMalformedMessage = errors.New("dratchet: malformed message")

// Header travels with every ciphertext and drives the receiving ratchet.
type Header struct {
	RatchetKey    []byte `json:"dh_pub"`
	PreviousCount uint32 `json:"pn"`
	Counter       uint32 `json:"n"`
}

// Message is the pairwise wire format: a PreKey|Normal tagged union. PreKey
// messages additionally carry the initiator's identity and ephemeral keys and
// the id of the consumed one-time key.
type Message struct {
	Type         MessageType `json:"type"`
	IdentityKey  []byte      `json:"identity_key,omitempty"`
	EphemeralKey []byte      `json:"ephemeral_key,omitempty"`
	OneTimeKeyID string      `json:"one_time_key_id,omitempty"`
	Header       Header      `json:"header"`
	Ciphertext   []byte      `json:"ciphertext"`
}

// Encode renders the message to bytes for transport or queueing.
func (m *Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return raw, nil
}

// DecodeMessage parses a pairwise message from bytes.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case MessageTypePreKey, MessageTypeNormal:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if len(msg.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformedMessage)
	}
	return &msg, nil
}
