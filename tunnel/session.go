// Package tunnel turns a raw transport channel into an authenticated,
// encrypted logical link between two peers. The cipher and key-exchange
// primitives are the usual suspects (x25519, chacha20poly1305, blake2s);
// this package only composes them.
package tunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrAuthRejected    = errors.New("peer authentication rejected")
	ErrReplay          = errors.New("replayed or reordered beyond window")
	ErrDecrypt         = errors.New("frame failed authentication")
)

// Session holds one direction pair of AEAD keys plus replay state.
type Session struct {
	send cipher.AEAD
	recv cipher.AEAD

	sendMu      sync.Mutex
	sendCounter uint64

	replay replayFilter
}

func newSession(sendKey, recvKey [32]byte) (*Session, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Session{send: sendAEAD, recv: recvAEAD}, nil
}

// nextNonce reserves the next send counter. Counter 0 is burned by the
// handshake confirmation tags.
func (s *Session) nextNonce() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.sendCounter++
	return s.sendCounter
}

func nonceBytes(n uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], n)
	return nonce[:]
}

func (s *Session) seal(nonce uint64, aad, plaintext []byte) []byte {
	return s.send.Seal(nil, nonceBytes(nonce), plaintext, aad)
}

func (s *Session) open(nonce uint64, aad, ciphertext []byte) ([]byte, error) {
	pt, err := s.recv.Open(nil, nonceBytes(nonce), ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	// only advance the replay window after authentication succeeds
	if !s.replay.check(nonce) {
		return nil, ErrReplay
	}
	return pt, nil
}

// replayFilter is a 64-wide sliding window over received nonces, in the
// style of RFC 6479. Unordered transports land inside the window; anything
// older is rejected.
type replayFilter struct {
	mu      sync.Mutex
	highest uint64
	bitmap  uint64
}

const replayWindow = 64

func (r *replayFilter) check(n uint64) bool {
	if n == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case n > r.highest:
		shift := n - r.highest
		if shift >= replayWindow {
			r.bitmap = 0
		} else {
			r.bitmap <<= shift
		}
		r.bitmap |= 1
		r.highest = n
		return true
	case r.highest-n >= replayWindow:
		return false
	default:
		bit := uint64(1) << (r.highest - n)
		if r.bitmap&bit != 0 {
			return false
		}
		r.bitmap |= bit
		return true
	}
}

func kdf(label string, parts ...[]byte) [32]byte {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
