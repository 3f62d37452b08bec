package state

import (
	"crypto/rand"
	"encoding/base32"

	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/blake2s"
)

type WfPrivateKey [32]byte
type WfPublicKey [32]byte

func GenerateKey() WfPrivateKey {
	_, key, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return WfPrivateKey(key)
}

func (k WfPrivateKey) Pubkey() WfPublicKey {
	val, err := x25519.PrivateKey(k[:]).PublicKey()
	if err != nil {
		panic(err)
	}
	return WfPublicKey(val)
}

// PeerId is a stable identifier for a mesh participant, derived from its
// public key. It is exactly PeerIdLen characters of lowercase base32.
type PeerId string

const PeerIdLen = 16

var peerIdEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// DerivePeerId hashes the public key down to a short, human-greppable id.
// 10 bytes of blake2s output encode to exactly 16 base32 characters.
func DerivePeerId(pub WfPublicKey) PeerId {
	sum := blake2s.Sum256(pub[:])
	return PeerId(peerIdEncoding.EncodeToString(sum[:10]))
}

func (p PeerId) Valid() bool {
	if len(p) != PeerIdLen {
		return false
	}
	_, err := peerIdEncoding.DecodeString(string(p))
	return err == nil
}
