package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDialAndExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNetwork()
	l, err := n.Backend("b").Listen(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", l.Addr())

	dialed, err := n.Backend("a").Dial(ctx, "b")
	require.NoError(t, err)
	accepted, err := l.Accept()
	require.NoError(t, err)

	require.NoError(t, dialed.Send([]byte("hello")))
	got, err := accepted.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, accepted.Send([]byte("back")))
	got, err = dialed.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)

	require.NoError(t, dialed.Close())
	_, err = accepted.Receive()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestMemDialUnknownHost(t *testing.T) {
	n := NewNetwork()
	_, err := n.Backend("a").Dial(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMemCut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNetwork()
	l, err := n.Backend("b").Listen(ctx, "b")
	require.NoError(t, err)

	dialed, err := n.Backend("a").Dial(ctx, "b")
	require.NoError(t, err)
	accepted, err := l.Accept()
	require.NoError(t, err)

	n.Cut("a", "b")

	// dialing across a cut link fails outright
	_, err = n.Backend("a").Dial(ctx, "b")
	assert.ErrorIs(t, err, ErrUnreachable)

	// an existing channel swallows traffic without erroring
	require.NoError(t, dialed.Send([]byte("void")))
	select {
	case msg := <-accepted.(*memChannel).inbox:
		t.Fatalf("message crossed a cut link: %q", msg)
	case <-time.After(20 * time.Millisecond):
	}

	n.Restore("a", "b")
	require.NoError(t, dialed.Send([]byte("alive")))
	got, err := accepted.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("alive"), got)
}

func TestMemLatency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNetwork()
	l, err := n.Backend("b").Listen(ctx, "b")
	require.NoError(t, err)
	dialed, err := n.Backend("a").Dial(ctx, "b")
	require.NoError(t, err)
	accepted, err := l.Accept()
	require.NoError(t, err)

	n.SetLatency("a", "b", 30*time.Millisecond)

	start := time.Now()
	require.NoError(t, dialed.Send([]byte("slow")))
	_, err = accepted.Receive()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestMemListenerClose(t *testing.T) {
	n := NewNetwork()
	l, err := n.Backend("b").Listen(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept()
	assert.ErrorIs(t, err, ErrChannelClosed)

	// address is free for re-binding once closed
	_, err = n.Backend("b").Listen(context.Background(), "b")
	assert.NoError(t, err)
}

func TestMemRejectsOversizeMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNetwork()
	l, err := n.Backend("b").Listen(ctx, "b")
	require.NoError(t, err)
	dialed, err := n.Backend("a").Dial(ctx, "b")
	require.NoError(t, err)
	_, err = l.Accept()
	require.NoError(t, err)

	assert.ErrorIs(t, dialed.Send(nil), ErrMessageSize)
	assert.ErrorIs(t, dialed.Send(make([]byte, MaxMessage+1)), ErrMessageSize)
}
