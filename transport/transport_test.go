package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindTCP, KindUDP, KindQUIC, KindWS, KindMem} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("carrier-pigeon")
	assert.Error(t, err)
}

func TestKindProperties(t *testing.T) {
	assert.True(t, KindTCP.Ordered())
	assert.True(t, KindWS.Ordered())
	assert.False(t, KindUDP.Ordered())
	assert.False(t, KindQUIC.Ordered())

	assert.True(t, KindUDP.Punchable())
	assert.True(t, KindQUIC.Punchable())
	assert.False(t, KindTCP.Punchable())
}

func TestRegistry(t *testing.T) {
	n := NewNetwork()
	r := NewRegistry(NewTCP(), n.Backend("a"))

	b, ok := r.Get(KindTCP)
	require.True(t, ok)
	assert.Equal(t, KindTCP, b.Kind())

	_, ok = r.Get(KindQUIC)
	assert.False(t, ok)
	assert.Len(t, r.Kinds(), 2)
}

func TestStreamChannelFraming(t *testing.T) {
	a, b := net.Pipe()
	ca := newStreamChannel(a, KindTCP)
	cb := newStreamChannel(b, KindTCP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := cb.Receive()
		assert.NoError(t, err)
		assert.Equal(t, []byte("one"), got)
		got, err = cb.Receive()
		assert.NoError(t, err)
		assert.Equal(t, []byte("two is longer"), got)
	}()

	require.NoError(t, ca.Send([]byte("one")))
	require.NoError(t, ca.Send([]byte("two is longer")))
	<-done

	require.NoError(t, ca.Close())
	_, err := cb.Receive()
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, cb.Send([]byte("late")), ErrChannelClosed)
}

func TestStreamChannelSizeBounds(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca := newStreamChannel(a, KindTCP)

	assert.ErrorIs(t, ca.Send(nil), ErrMessageSize)
	assert.ErrorIs(t, ca.Send(make([]byte, MaxMessage+1)), ErrMessageSize)
}
