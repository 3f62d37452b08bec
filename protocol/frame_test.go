package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	srcId = "abcdefghijklmnop"
	dstId = "ponmlkjihgfedcba"
)

func TestFrameRoundTrip(t *testing.T) {
	hdr := Header{
		Type:     FrameData,
		HopLimit: 16,
		Flags:    FlagHandshake,
		Src:      srcId,
		Dst:      dstId,
		Nonce:    0xdeadbeefcafe,
	}
	payload := []byte("hello mesh")
	frame := AppendFrame(nil, hdr, payload)
	require.Len(t, frame, HeaderLen+len(payload))

	got, body, err := ParseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)
	assert.Equal(t, payload, body)
}

func TestParseFrameRejects(t *testing.T) {
	_, _, err := ParseFrame(make([]byte, HeaderLen-1))
	assert.ErrorIs(t, err, ErrFrameTooShort)

	frame := AppendFrame(nil, Header{Src: srcId, Dst: dstId}, nil)
	frame[0] = 99
	_, _, err = ParseFrame(frame)
	assert.ErrorIs(t, err, ErrFrameVersion)
}

func TestAADExcludesHopLimit(t *testing.T) {
	hdr := Header{Type: FrameData, HopLimit: 7, Src: srcId, Dst: dstId, Nonce: 42}
	frame := AppendFrame(nil, hdr, []byte("x"))
	before := AAD(frame)

	// a relay hop must not change what the endpoints authenticate
	require.NoError(t, DecrementHop(frame))
	assert.Equal(t, before, AAD(frame))
	assert.Equal(t, byte(0), before[2])

	// anything else in the header is covered
	frame[5] ^= 1
	assert.NotEqual(t, before, AAD(frame))
}

func TestDecrementHop(t *testing.T) {
	frame := AppendFrame(nil, Header{HopLimit: 1, Src: srcId, Dst: dstId}, nil)

	// hop limit 1 allows exactly one more hop
	require.NoError(t, DecrementHop(frame))
	assert.ErrorIs(t, DecrementHop(frame), ErrHopLimitReached)

	assert.ErrorIs(t, DecrementHop(nil), ErrFrameTooShort)
}
