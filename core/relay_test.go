package core

import (
	"context"
	"sync"
	"testing"

	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayPipeDeliverAndClose(t *testing.T) {
	w := &Weft{relayPipes: make(map[state.PeerId]*relayPipe)}

	pipe, spawn := w.deliverRelayFrame(idB, []byte("hello"))
	assert.True(t, spawn)
	b, err := pipe.RecvMsg(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	// a second frame lands on the same pipe without spawning again
	_, spawn = w.deliverRelayFrame(idB, []byte("again"))
	assert.False(t, spawn)

	w.closeRelayPipe(idB)

	// the buffered frame survives the close, then the pipe reports closed
	b, err = pipe.RecvMsg(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), b)
	_, err = pipe.RecvMsg(context.Background())
	assert.ErrorIs(t, err, transport.ErrChannelClosed)

	// frames for an initiator-claimed pipe never spawn a responder
	w.openRelayPipe(idC, true)
	_, spawn = w.deliverRelayFrame(idC, []byte("x"))
	assert.False(t, spawn)
}

func TestRelayPipeDeliveryDuringTeardown(t *testing.T) {
	w := &Weft{relayPipes: make(map[state.PeerId]*relayPipe)}

	// frames racing the initiator's teardown must never hit a closed inbox
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20000; i++ {
			w.deliverRelayFrame(idB, []byte{0x01})
		}
	}()
	for i := 0; i < 20000; i++ {
		w.openRelayPipe(idB, true)
		w.closeRelayPipe(idB)
	}
	wg.Wait()

	w.closeRelayPipe(idB)
	w.relayMu.Lock()
	assert.Empty(t, w.relayPipes)
	w.relayMu.Unlock()
}
