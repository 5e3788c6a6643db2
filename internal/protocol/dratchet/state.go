package dratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/meridianhq/meridian/backend/internal/crypto"
)

// Domain separation labels for the ratchet KDF chains.
const (
	labelRoot    = "meridian.dr.root.v1"
	labelRK      = "meridian.dr.rk.v1"
	labelCK      = "meridian.dr.ck.v1"
	maxSkippedMK = 1000
)

var (
	// ErrDecryptFailed indicates an AEAD failure on a ratchet message.
	ErrDecryptFailed = errors.New("dratchet: decryption failed")

	errChainUninitialised = errors.New("dratchet: chain key is uninitialised")
)

// State holds everything the double ratchet tracks between messages.
// It is serialized inside the session pickle.
type State struct {
	RootKey         []byte               `json:"root_key"`
	DHPrivate       crypto.X25519Private `json:"dh_private"`
	DHPublic        crypto.X25519Public  `json:"dh_public"`
	PeerDHPublic    crypto.X25519Public  `json:"peer_dh_public"`
	SendChainKey    []byte               `json:"send_chain_key,omitempty"`
	ReceiveChainKey []byte               `json:"receive_chain_key,omitempty"`
	SendCount       uint32               `json:"send_count"`
	ReceiveCount    uint32               `json:"receive_count"`
	PreviousCount   uint32               `json:"previous_count"`
	Skipped         map[string][]byte    `json:"skipped_keys"`
}

// initInitiator seeds the sending chain from the shared root. The peer's
// identity key stands in as its first ratchet key until the peer replies.
func initInitiator(root []byte, peerIdentity crypto.X25519Public) (State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return State{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return State{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return State{
		RootKey:      newRK,
		DHPrivate:    priv,
		DHPublic:     pub,
		PeerDHPublic: peerIdentity,
		SendChainKey: sendCK,
		Skipped:      make(map[string][]byte),
	}, nil
}

// initResponder seeds the receiving chain using our identity private key and
// the initiator's first ratchet key taken from the pre-key message header.
func initResponder(root []byte, ourIdentityPriv crypto.X25519Private, senderRatchetPub crypto.X25519Public) (State, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return State{}, err
	}
	dh, err := crypto.DH(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return State{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return State{
		RootKey:         newRK,
		DHPrivate:       priv,
		DHPublic:        pub,
		PeerDHPublic:    senderRatchetPub,
		ReceiveChainKey: recvCK,
		Skipped:         make(map[string][]byte),
	}, nil
}

// ratchetEncrypt advances the send chain and seals plaintext. A responder's
// first send performs the deferred DH ratchet step.
func ratchetEncrypt(st *State, ad, plaintext []byte) (Header, []byte, error) {
	if len(st.SendChainKey) == 0 {
		st.PreviousCount = st.SendCount
		st.SendCount = 0

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return Header{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPublic)
		if err != nil {
			return Header{}, nil, err
		}
		newRK, sendCK := kdfRK(st.RootKey, dh[:])
		crypto.Wipe(dh[:])

		st.RootKey = newRK
		st.DHPrivate, st.DHPublic = newPriv, newPub
		st.SendChainKey = sendCK
	}

	mk, err := nextSendKey(st)
	if err != nil {
		return Header{}, nil, err
	}
	header := Header{
		RatchetKey:    st.DHPublic.Slice(),
		PreviousCount: st.PreviousCount,
		Counter:       st.SendCount,
	}

	ciphertext, err := seal(mk, header, ad, plaintext)
	crypto.Wipe(mk)
	if err != nil {
		return Header{}, nil, err
	}
	st.SendCount++
	return header, ciphertext, nil
}

// ratchetDecrypt tries skipped keys, performs a DH ratchet step on a new
// remote key, then opens the message.
func ratchetDecrypt(st *State, ad []byte, header Header, ciphertext []byte) ([]byte, error) {
	if equal32(st.PeerDHPublic[:], header.RatchetKey) {
		skipUntil(st, header.Counter)
		id := skippedKeyID(st.PeerDHPublic, header.Counter)
		if mk, ok := st.Skipped[id]; ok {
			delete(st.Skipped, id)
			plaintext, err := open(mk, header, ad, ciphertext)
			crypto.Wipe(mk)
			if err != nil {
				return nil, err
			}
			if header.Counter+1 > st.ReceiveCount {
				st.ReceiveCount = header.Counter + 1
			}
			return plaintext, nil
		}
	}

	if !equal32(st.PeerDHPublic[:], header.RatchetKey) {
		if len(header.RatchetKey) != crypto.KeySize {
			return nil, fmt.Errorf("%w: bad ratchet key length %d", ErrDecryptFailed, len(header.RatchetKey))
		}
		skipUntil(st, header.PreviousCount)

		var newPeer crypto.X25519Public
		copy(newPeer[:], header.RatchetKey)

		dh, err := crypto.DH(st.DHPrivate, newPeer)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, dh[:])
		crypto.Wipe(dh[:])

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(newPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRK(rk2, dh2[:])
		crypto.Wipe(dh2[:])

		st.PreviousCount = st.SendCount
		st.SendCount, st.ReceiveCount = 0, 0
		st.RootKey = rk3
		st.DHPrivate, st.DHPublic = newPriv, newPub
		st.PeerDHPublic = newPeer
		st.SendChainKey, st.ReceiveChainKey = sendCK, recvCK

		// Earlier messages of the new chain may still be in flight; bank
		// their keys before deriving the one for this counter.
		skipUntil(st, header.Counter)
	}

	mk, err := nextReceiveKey(st)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(mk, header, ad, ciphertext)
	crypto.Wipe(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveCount++
	return plaintext, nil
}

func seal(mk []byte, header Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.Counter)
	return aead.Seal(nil, nonce, plaintext, messageAD(header, ad)), nil
}

func open(mk []byte, header Header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.Counter)
	plaintext, err := aead.Open(nil, nonce, ciphertext, messageAD(header, ad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// messageAD binds the session associated data and the header bytes.
func messageAD(header Header, ad []byte) []byte {
	out := make([]byte, 0, len(ad)+len(header.RatchetKey)+8)
	out = append(out, ad...)
	out = append(out, header.RatchetKey...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], header.PreviousCount)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], header.Counter)
	out = append(out, b[:]...)
	return out
}

// deriveRoot computes the shared session root from the triple-DH transcript.
func deriveRoot(dhs ...[crypto.KeySize]byte) []byte {
	ikm := make([]byte, 0, len(dhs)*crypto.KeySize)
	for i := range dhs {
		ikm = append(ikm, dhs[i][:]...)
	}
	root := hkdfExpand(nil, ikm, labelRoot, 32)
	crypto.Wipe(ikm)
	return root
}

func hkdfExpand(salt, ikm []byte, info string, outLen int) []byte {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, outLen)
	_, _ = io.ReadFull(r, out)
	return out
}

func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	buf := hkdfExpand(rk, dh, labelRK, 64)
	return buf[:32], buf[32:64]
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	buf := hkdfExpand(nil, ck, labelCK, 64)
	return buf[:32], buf[32:64]
}

func nextSendKey(st *State) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendChainKey)
	st.SendChainKey = nextCK
	return mk, nil
}

func nextReceiveKey(st *State) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.ReceiveChainKey)
	st.ReceiveChainKey = nextCK
	return mk, nil
}

func skippedKeyID(peer crypto.X25519Public, n uint32) string {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n)
	return hex.EncodeToString(peer[:]) + ":" + hex.EncodeToString(idx[:])
}

// skipUntil derives and stores message keys up to counter, bounded by
// maxSkippedMK.
func skipUntil(st *State, counter uint32) {
	for st.ReceiveCount < counter {
		mk, err := nextReceiveKey(st)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPublic, st.ReceiveCount)] = mk
		st.ReceiveCount++
	}
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
