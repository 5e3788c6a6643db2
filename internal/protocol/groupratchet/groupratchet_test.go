package groupratchet

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	outbound, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	inbound, err := NewInboundSession(sessionKey)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}
	if inbound.FirstKnownIndex != 0 {
		t.Fatalf("expected first known index 0, got %d", inbound.FirstKnownIndex)
	}

	for i := 0; i < 10; i++ {
		want := fmt.Sprintf("room message %d", i)
		msg, err := outbound.Encrypt([]byte(want))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if msg.MessageIndex != uint32(i) {
			t.Fatalf("expected index %d, got %d", i, msg.MessageIndex)
		}
		got, err := inbound.Decrypt(msg)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if string(got) != want {
			t.Fatalf("message %d mismatch: %q", i, got)
		}
	}
}

func TestLateJoinerCannotDecryptEarlierIndices(t *testing.T) {
	outbound, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}

	var early *Ciphertext
	for i := 0; i < 5; i++ {
		msg, err := outbound.Encrypt([]byte(fmt.Sprintf("early %d", i)))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if i == 3 {
			early = msg
		}
	}

	// Export at index 5.
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	inbound, err := NewInboundSession(sessionKey)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}
	if inbound.FirstKnownIndex != 5 {
		t.Fatalf("expected first known index 5, got %d", inbound.FirstKnownIndex)
	}

	var unknown *UnknownIndexError
	if _, err := inbound.Decrypt(early); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownIndexError, got %v", err)
	} else if unknown.Index != 3 || unknown.FirstKnownIndex != 5 {
		t.Fatalf("unexpected error detail: %+v", unknown)
	}

	current, err := outbound.Encrypt([]byte("at index five"))
	if err != nil {
		t.Fatalf("encrypt current: %v", err)
	}
	got, err := inbound.Decrypt(current)
	if err != nil {
		t.Fatalf("decrypt current: %v", err)
	}
	if string(got) != "at index five" {
		t.Fatalf("plaintext mismatch: %q", got)
	}
}

func TestOutOfOrderDecryptAboveAnchor(t *testing.T) {
	outbound, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	inbound, err := NewInboundSession(sessionKey)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}

	first, _ := outbound.Encrypt([]byte("zero"))
	second, _ := outbound.Encrypt([]byte("one"))

	if got, err := inbound.Decrypt(second); err != nil || string(got) != "one" {
		t.Fatalf("decrypt index 1: %q %v", got, err)
	}
	if got, err := inbound.Decrypt(first); err != nil || string(got) != "zero" {
		t.Fatalf("decrypt index 0 after 1: %q %v", got, err)
	}
}

func TestRejectsTamperedSignature(t *testing.T) {
	outbound, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	inbound, err := NewInboundSession(sessionKey)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}

	msg, err := outbound.Encrypt([]byte("signed"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	msg.Signature[0] ^= 0x01
	if _, err := inbound.Decrypt(msg); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestForwardSecrecyAfterAdvance(t *testing.T) {
	outbound, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}

	captured, err := outbound.Encrypt([]byte("captured at index zero"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// The current state exports at index 1; an inbound built from it must
	// not decrypt the index-0 capture.
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	inbound, err := NewInboundSession(sessionKey)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}
	var unknown *UnknownIndexError
	if _, err := inbound.Decrypt(captured); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownIndexError, got %v", err)
	}
}

func TestPicklesRoundTrip(t *testing.T) {
	outbound, err := NewOutboundSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}
	if _, err := outbound.Encrypt([]byte("advance once")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, err := outbound.Pickle()
	if err != nil {
		t.Fatalf("pickle outbound: %v", err)
	}
	restored, err := OutboundFromPickle(raw)
	if err != nil {
		t.Fatalf("unpickle outbound: %v", err)
	}
	if restored.MessageIndex() != 1 {
		t.Fatalf("expected index 1 after restore, got %d", restored.MessageIndex())
	}
	if !bytes.Equal(restored.ChainKey, outbound.ChainKey) {
		t.Fatalf("chain key mismatch after restore")
	}

	sessionKey, err := restored.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	inbound, err := NewInboundSession(sessionKey)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}
	inRaw, err := inbound.Pickle()
	if err != nil {
		t.Fatalf("pickle inbound: %v", err)
	}
	restoredIn, err := InboundFromPickle(inRaw)
	if err != nil {
		t.Fatalf("unpickle inbound: %v", err)
	}

	msg, err := restored.Encrypt([]byte("post restore"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := restoredIn.Decrypt(msg)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "post restore" {
		t.Fatalf("plaintext mismatch: %q", got)
	}
}

func TestBadSessionKeyRejected(t *testing.T) {
	cases := []string{
		"",
		"!!!not-base64!!!",
		"aGVsbG8",
	}
	for _, input := range cases {
		if _, err := NewInboundSession(input); !errors.Is(err, ErrBadSessionKey) {
			t.Fatalf("input %q: expected ErrBadSessionKey, got %v", input, err)
		}
	}
}
