package tunnel

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// MsgPipe is the minimal message carrier the handshake runs over: either a
// raw transport channel, or handshake-flagged frames routed through a relay.
type MsgPipe interface {
	SendMsg(b []byte) error
	RecvMsg(ctx context.Context) ([]byte, error)
}

// The handshake is a three-DH exchange plus a static-static binding. The
// init tag key mixes es with ss, so a forged init claiming someone else's
// identity fails authentication before the responder commits to anything.
// ee gives forward secrecy and se folds the initiator's static key into the
// session keys. Confirmation tags are AEAD seals over the transcript, so a
// failure on either side surfaces as ErrHandshakeFailed rather than a
// garbled session.

// Initiate runs the initiator side. remotePub is the expected static key of
// the peer being dialed; anyone else on the far end fails authentication.
func Initiate(ctx context.Context, pipe MsgPipe, priv state.WfPrivateKey,
	self state.PeerId, remote state.PeerId, remotePub state.WfPublicKey) (*Session, error) {

	ephPub, ephPriv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	es, err := curve25519.X25519(ephPriv[:], remotePub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ss, err := curve25519.X25519(priv[:], remotePub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	// ss proves possession of the static key claimed in the init message
	k1 := kdf("weft hs1", es, ss)
	tagAEAD, err := chacha20poly1305.New(k1[:])
	if err != nil {
		return nil, err
	}
	selfPub := priv.Pubkey()
	transcript := transcriptInit(self, selfPub[:], ephPub[:])
	tag := tagAEAD.Seal(nil, nonceBytes(0), []byte(self), transcript)

	initMsg, err := protocol.Marshal(&protocol.Message{HandshakeInit: &protocol.Handshake{
		Sender: string(self),
		Static: selfPub[:],
		Eph:    ephPub[:],
		Tag:    tag,
	}})
	if err != nil {
		return nil, err
	}
	if err := pipe.SendMsg(initMsg); err != nil {
		return nil, err
	}

	respRaw, err := pipe.RecvMsg(ctx)
	if err != nil {
		return nil, err
	}
	var respMsg protocol.Message
	if err := protocol.Unmarshal(respRaw, &respMsg); err != nil || respMsg.HandshakeResp == nil {
		return nil, ErrHandshakeFailed
	}
	resp := respMsg.HandshakeResp
	if state.PeerId(resp.Sender) != remote || len(resp.Static) != 32 || len(resp.Eph) != 32 {
		return nil, ErrAuthRejected
	}
	if [32]byte(resp.Static) != remotePub {
		return nil, ErrAuthRejected
	}

	ee, err := curve25519.X25519(ephPriv[:], resp.Eph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	se, err := curve25519.X25519(priv[:], resp.Eph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	master := kdf("weft hs2", es, ee, se)
	sendKey := kdf("weft init", master[:])
	recvKey := kdf("weft resp", master[:])

	// verify the responder's confirmation before trusting the session
	confAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	full := transcriptFull(transcript, resp.Static, resp.Eph)
	if _, err := confAEAD.Open(nil, nonceBytes(0), resp.Tag, full); err != nil {
		return nil, ErrHandshakeFailed
	}

	return newSession(sendKey, recvKey)
}

// Identify peeks at an init message to learn who is knocking, so the
// responder can look the claimed identity up before committing.
func Identify(raw []byte) (state.PeerId, error) {
	var msg protocol.Message
	if err := protocol.Unmarshal(raw, &msg); err != nil || msg.HandshakeInit == nil {
		return "", ErrHandshakeFailed
	}
	id := state.PeerId(msg.HandshakeInit.Sender)
	if !id.Valid() {
		return "", ErrHandshakeFailed
	}
	return id, nil
}

// Respond runs the responder side against an already-received init message.
// remotePub is the static key on record for the claimed sender; a mismatch
// is AuthRejected, a bad confirmation tag is HandshakeFailed.
func Respond(pipe MsgPipe, initRaw []byte, priv state.WfPrivateKey,
	self state.PeerId, remotePub state.WfPublicKey) (*Session, state.PeerId, error) {

	var msg protocol.Message
	if err := protocol.Unmarshal(initRaw, &msg); err != nil || msg.HandshakeInit == nil {
		return nil, "", ErrHandshakeFailed
	}
	init := msg.HandshakeInit
	sender := state.PeerId(init.Sender)
	if len(init.Static) != 32 || len(init.Eph) != 32 || !sender.Valid() {
		return nil, "", ErrHandshakeFailed
	}
	if [32]byte(init.Static) != remotePub {
		return nil, "", ErrAuthRejected
	}

	es, err := curve25519.X25519(priv[:], init.Eph)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ss, err := curve25519.X25519(priv[:], init.Static)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	k1 := kdf("weft hs1", es, ss)
	tagAEAD, err := chacha20poly1305.New(k1[:])
	if err != nil {
		return nil, "", err
	}
	transcript := transcriptInit(sender, init.Static, init.Eph)
	if _, err := tagAEAD.Open(nil, nonceBytes(0), init.Tag, transcript); err != nil {
		return nil, "", ErrHandshakeFailed
	}

	ephPub, ephPriv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	ee, err := curve25519.X25519(ephPriv[:], init.Eph)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	se, err := curve25519.X25519(ephPriv[:], init.Static)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	master := kdf("weft hs2", es, ee, se)
	// mirror of the initiator's directions
	sendKey := kdf("weft resp", master[:])
	recvKey := kdf("weft init", master[:])

	selfPub := priv.Pubkey()
	confAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, "", err
	}
	full := transcriptFull(transcript, selfPub[:], ephPub[:])
	tag := confAEAD.Seal(nil, nonceBytes(0), nil, full)

	respMsg, err := protocol.Marshal(&protocol.Message{HandshakeResp: &protocol.Handshake{
		Sender: string(self),
		Static: selfPub[:],
		Eph:    ephPub[:],
		Tag:    tag,
	}})
	if err != nil {
		return nil, "", err
	}
	if err := pipe.SendMsg(respMsg); err != nil {
		return nil, "", err
	}

	sess, err := newSession(sendKey, recvKey)
	return sess, sender, err
}

func transcriptInit(sender state.PeerId, static, eph []byte) []byte {
	t := make([]byte, 0, len(sender)+64)
	t = append(t, sender...)
	t = append(t, static...)
	t = append(t, eph...)
	return t
}

func transcriptFull(initTranscript, static, eph []byte) []byte {
	t := make([]byte, 0, len(initTranscript)+64)
	t = append(t, initTranscript...)
	t = append(t, static...)
	t = append(t, eph...)
	return t
}
