package groupratchet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Ciphertext is the group wire format: the header carries the session id and
// message index, the body is AEAD ciphertext, and the whole frame is signed
// by the sender's session signing key.
type Ciphertext struct {
	SessionID    string `json:"session_id"`
	MessageIndex uint32 `json:"message_index"`
	Body         []byte `json:"body"`
	Signature    []byte `json:"signature"`
}

// Encode renders the ciphertext to bytes for transport.
func (c *Ciphertext) Encode() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return raw, nil
}

// DecodeCiphertext parses a group ciphertext from bytes.
func DecodeCiphertext(raw []byte) (*Ciphertext, error) {
	var msg Ciphertext
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if msg.SessionID == "" || len(msg.Body) == 0 {
		return nil, fmt.Errorf("%w: incomplete ciphertext", ErrDecryptFailed)
	}
	return &msg, nil
}

// signedBytes is the canonical byte string covered by the signature.
func (c *Ciphertext) signedBytes() []byte {
	out := make([]byte, 0, len(c.SessionID)+4+len(c.Body))
	out = append(out, c.SessionID...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], c.MessageIndex)
	out = append(out, idx[:]...)
	out = append(out, c.Body...)
	return out
}
