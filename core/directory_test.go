package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/encodeous/weft/tunnel"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routerFixture wires a State with the router and connectivity modules
// registered but no listeners, so directory handling can be driven directly
// on the test goroutine.
func routerFixture(t *testing.T, peers ...state.PeerCfg) (*state.State, *WeftRouter, *Weft) {
	t.Helper()
	selfKey := state.GenerateKey()
	ccfg := state.CentralCfg{
		Peers: append([]state.PeerCfg{{Name: "self", PubKey: selfKey.Pubkey()}}, peers...),
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &state.State{
		Modules: make(map[string]state.WfModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: make(chan func(*state.State) error, 128),
			CentralCfg:      ccfg,
			LocalCfg:        state.LocalCfg{Key: selfKey},
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
	s.Directory = state.NewDirectoryState(s.Id())

	r := &WeftRouter{FloodDedup: ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](state.FloodDedupTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)}
	w := &Weft{
		env:          s.Env,
		peers:        make(map[state.PeerId]*Peer),
		tunnels:      make(map[uuid.UUID]*tunnel.Tunnel),
		active:       make(map[state.PeerId]*tunnel.Tunnel),
		relayPipes:   make(map[state.PeerId]*relayPipe),
		relayWaiters: make(map[state.Pair[state.PeerId, state.PeerId]]chan bool),
	}
	for i := range s.CentralCfg.Peers {
		cfg := &s.CentralCfg.Peers[i]
		if cfg.Id() == s.Id() {
			continue
		}
		w.peers[cfg.Id()] = newPeer(cfg.Id(), cfg)
	}
	s.Modules[reflect.TypeOf(r).String()] = r
	s.Modules[reflect.TypeOf(w).String()] = w
	t.Cleanup(func() {
		cancel(errors.New("test finished"))
	})
	return s, r, w
}

// memTunnel builds a real tunnel towards a peer over the in-process
// transport and returns the peer's raw channel end, so tests can observe
// exactly what goes out on the wire.
func memTunnel(t *testing.T, selfKey, peerKey state.WfPrivateKey) (*tunnel.Tunnel, transport.Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	net := transport.NewNetwork()
	l, err := net.Backend("peer").Listen(ctx, "peer")
	require.NoError(t, err)
	nearCh, err := net.Backend("self").Dial(ctx, "peer")
	require.NoError(t, err)
	farCh, err := l.Accept()
	require.NoError(t, err)

	selfId := state.DerivePeerId(selfKey.Pubkey())
	peerId := state.DerivePeerId(peerKey.Pubkey())

	type dialRes struct {
		sess *tunnel.Session
		err  error
	}
	res := make(chan dialRes, 1)
	go func() {
		sess, err := tunnel.Initiate(ctx, tunnel.ChannelPipe(nearCh), selfKey, selfId, peerId, peerKey.Pubkey())
		res <- dialRes{sess, err}
	}()
	farPipe := tunnel.ChannelPipe(farCh)
	raw, err := farPipe.RecvMsg(ctx)
	require.NoError(t, err)
	_, _, err = tunnel.Respond(farPipe, raw, peerKey, peerId, selfKey.Pubkey())
	require.NoError(t, err)
	r := <-res
	require.NoError(t, r.err)

	tun := tunnel.New(tunnel.Config{
		Self:    selfId,
		Peer:    peerId,
		Channel: nearCh,
		Session: r.sess,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		tun.Close()
		_ = l.Close()
		cancel()
	})
	return tun, farCh
}

func wireAdvert(origin state.PeerId, seqno uint16, links ...protocol.Link) *protocol.LinkStateAdvert {
	return &protocol.LinkStateAdvert{Origin: string(origin), Seqno: seqno, Links: links}
}

func TestHandleAdvertDuplicateIsIdempotent(t *testing.T) {
	bKey := state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	s, r, _ := routerFixture(t, bCfg)
	b := bCfg.Id()

	adv := wireAdvert(b, 5, protocol.Link{Peer: string(s.Id()), Cost: 10})
	r.handleAdvert(s, b, adv)
	ls := s.Directory.Get(b)
	require.NotNil(t, ls)
	assert.EqualValues(t, 5, ls.Seqno)
	gen := s.Routes().Gen

	// redelivery of the same (origin, seqno) must change nothing
	r.handleAdvert(s, b, adv)
	assert.Same(t, ls, s.Directory.Get(b))
	assert.Equal(t, gen, s.Routes().Gen)
}

func TestHandleAdvertDropsStaleSeqno(t *testing.T) {
	bKey := state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	s, r, _ := routerFixture(t, bCfg)
	b := bCfg.Id()

	r.handleAdvert(s, b, wireAdvert(b, 5, protocol.Link{Peer: string(s.Id()), Cost: 10}))
	require.EqualValues(t, 5, s.Directory.Get(b).Seqno)

	// an older sequence number is a late echo and must not roll back
	r.handleAdvert(s, b, wireAdvert(b, 4, protocol.Link{Peer: string(s.Id()), Cost: 99}))
	assert.EqualValues(t, 5, s.Directory.Get(b).Seqno)
	assert.EqualValues(t, 10, s.Directory.Get(b).Links[0].Cost)

	// a newer one replaces the entry
	r.handleAdvert(s, b, wireAdvert(b, 6, protocol.Link{Peer: string(s.Id()), Cost: 20}))
	assert.EqualValues(t, 6, s.Directory.Get(b).Seqno)
}

func TestHandleAdvertUnknownOriginIgnored(t *testing.T) {
	s, r, _ := routerFixture(t)

	r.handleAdvert(s, idB, wireAdvert(idB, 1))
	assert.Nil(t, s.Directory.Get(idB))
}

func TestHandleAdvertSelfEchoOutruns(t *testing.T) {
	s, r, _ := routerFixture(t)
	s.Directory.SelfSeqno = 3

	// an echo of our own advert at or past our seqno forces a bump and a
	// fresh advert, so the stale state cannot win
	r.handleAdvert(s, idB, wireAdvert(s.Id(), 9))
	assert.EqualValues(t, 9, s.Directory.SelfSeqno)
	assert.True(t, r.advertPending)

	// echoes from our past are simply ignored
	r.handleAdvert(s, idB, wireAdvert(s.Id(), 2))
	assert.EqualValues(t, 9, s.Directory.SelfSeqno)
}

func TestHandleAdvertRefloodsOnce(t *testing.T) {
	bKey, cKey := state.GenerateKey(), state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	cCfg := state.PeerCfg{Name: "c", PubKey: cKey.Pubkey()}
	s, r, w := routerFixture(t, bCfg, cCfg)
	b, c := bCfg.Id(), cCfg.Id()

	tun, farCh := memTunnel(t, s.Key, bKey)
	pb := w.peers[b]
	pb.S = PeerEstablished
	pb.Active = tun
	w.active[b] = tun

	recv := func(timeout time.Duration) []byte {
		got := make(chan []byte, 1)
		go func() {
			if raw, err := farCh.Receive(); err == nil {
				got <- raw
			}
		}()
		select {
		case raw := <-got:
			return raw
		case <-time.After(timeout):
			return nil
		}
	}

	adv := wireAdvert(c, 1, protocol.Link{Peer: string(b), Cost: 10})
	r.handleAdvert(s, c, adv)
	r.handleAdvert(s, c, adv)

	// exactly one copy goes back out towards b
	assert.NotNil(t, recv(time.Second))
	assert.Nil(t, recv(100*time.Millisecond))
}

func TestDegradeDropsRoutesImmediately(t *testing.T) {
	bKey := state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	s, r, w := routerFixture(t, bCfg)
	b := bCfg.Id()

	// keep the degraded probe from instantly recovering the link: make the
	// tunnel look quiet for longer than a probe interval
	old := state.ProbeDelay
	state.ProbeDelay = time.Millisecond
	defer func() { state.ProbeDelay = old }()

	tun, _ := memTunnel(t, s.Key, bKey)
	tun.Start()
	pb := w.peers[b]
	pb.S = PeerEstablished
	pb.Active = tun
	w.active[b] = tun

	s.Directory.ByOrigin[b] = &state.LinkState{
		Origin:    b,
		Seqno:     1,
		Links:     []state.LinkInfo{{Peer: s.Id(), Cost: 10}},
		UpdatedAt: time.Now(),
	}
	require.NoError(t, r.recompute(s))
	_, ok := s.Routes().Next(b)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, w.transition(s, pb, PeerDegraded))

	// the published snapshot is already clean, before any advert runs
	_, ok = s.Routes().Next(b)
	assert.False(t, ok)
}
