package protocol

import (
	"encoding/binary"
	"errors"
)

// data-plane frame layout, header in the clear so relays can route without
// holding the end-to-end keys:
//
//	[0]     version
//	[1]     type (control | data)
//	[2]     hop limit, decremented per relay hop, excluded from the AAD
//	[3]     flags
//	[4:20]  source peer id
//	[20:36] destination peer id
//	[36:44] nonce (big endian), also the AEAD nonce counter
//	[44:]   payload (AEAD sealed unless FlagHandshake)
const (
	Version   = 1
	IdLen     = 16
	HeaderLen = 44
)

const (
	FrameControl = byte(0)
	FrameData    = byte(1)
)

const (
	// FlagHandshake marks a cleartext payload carrying key-exchange material.
	FlagHandshake = byte(1 << 0)
)

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrFrameVersion    = errors.New("unsupported frame version")
	ErrFrameBadId      = errors.New("frame has malformed peer id")
	ErrHopLimitReached = errors.New("hop limit exceeded")
)

type Header struct {
	Type     byte
	HopLimit uint8
	Flags    byte
	Src      string
	Dst      string
	Nonce    uint64
}

// AppendFrame serializes the header and payload into buf.
func AppendFrame(buf []byte, h Header, payload []byte) []byte {
	buf = append(buf, Version, h.Type, h.HopLimit, h.Flags)
	buf = append(buf, h.Src...)
	buf = append(buf, h.Dst...)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	return append(buf, payload...)
}

// ParseFrame splits a frame into its header and payload without copying.
func ParseFrame(b []byte) (Header, []byte, error) {
	if len(b) < HeaderLen {
		return Header{}, nil, ErrFrameTooShort
	}
	if b[0] != Version {
		return Header{}, nil, ErrFrameVersion
	}
	h := Header{
		Type:     b[1],
		HopLimit: b[2],
		Flags:    b[3],
		Src:      string(b[4 : 4+IdLen]),
		Dst:      string(b[4+IdLen : 4+2*IdLen]),
		Nonce:    binary.BigEndian.Uint64(b[36:44]),
	}
	return h, b[HeaderLen:], nil
}

// AAD returns the header bytes bound into the AEAD. The hop limit is zeroed
// so relays can decrement it without breaking authentication; everything
// else in the header is tamper-evident end to end.
func AAD(frame []byte) []byte {
	aad := make([]byte, HeaderLen)
	copy(aad, frame[:HeaderLen])
	aad[2] = 0
	return aad
}

// DecrementHop lowers the hop limit in place. Returns ErrHopLimitReached
// when the frame must be dropped instead of forwarded.
func DecrementHop(frame []byte) error {
	if len(frame) < HeaderLen {
		return ErrFrameTooShort
	}
	if frame[2] == 0 {
		return ErrHopLimitReached
	}
	frame[2]--
	return nil
}
