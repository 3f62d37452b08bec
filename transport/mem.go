package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Network is an in-process switchboard used by tests and the integration
// harness. Links can be given latency or be cut while channels stay open,
// which exercises the liveness machinery without real sockets.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	latency   map[[2]string]time.Duration
	cut       map[[2]string]bool
	dialSeq   atomic.Uint64
}

func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*memListener),
		latency:   make(map[[2]string]time.Duration),
		cut:       make(map[[2]string]bool),
	}
}

// SetLatency applies one-way delivery delay from a to b.
func (n *Network) SetLatency(a, b string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency[[2]string{a, b}] = d
}

// Cut silently drops traffic in both directions between a and b.
func (n *Network) Cut(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Restore undoes Cut.
func (n *Network) Restore(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]string{a, b})
	delete(n.cut, [2]string{b, a})
}

func (n *Network) linkState(from, to string) (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latency[[2]string{from, to}], n.cut[[2]string{from, to}]
}

// Backend returns the mem backend scoped to one simulated host address.
func (n *Network) Backend(host string) Backend {
	return &memBackend{net: n, host: host}
}

type memBackend struct {
	net  *Network
	host string
}

func (b *memBackend) Kind() Kind { return KindMem }

func (b *memBackend) Dial(ctx context.Context, addr string) (Channel, error) {
	b.net.mu.Lock()
	l, ok := b.net.listeners[addr]
	dead := b.net.cut[[2]string{b.host, addr}]
	b.net.mu.Unlock()
	if !ok || dead {
		return nil, ErrUnreachable
	}
	local := fmt.Sprintf("%s#%d", b.host, b.net.dialSeq.Add(1))
	a, c := newMemPair(b.net, local, addr)
	select {
	case l.incoming <- c:
	case <-l.done:
		return nil, ErrRefused
	case <-ctx.Done():
		return nil, ErrTimeout
	}
	return a, nil
}

func (b *memBackend) Listen(ctx context.Context, bind string) (Listener, error) {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	if _, ok := b.net.listeners[bind]; ok {
		return nil, fmt.Errorf("mem: %s already bound", bind)
	}
	l := &memListener{
		net:      b.net,
		addr:     bind,
		incoming: make(chan Channel, 16),
		done:     make(chan struct{}),
	}
	b.net.listeners[bind] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l, nil
}

type memListener struct {
	net       *Network
	addr      string
	incoming  chan Channel
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept() (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.done:
		return nil, ErrChannelClosed
	}
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
		close(l.done)
	})
	return nil
}

func (l *memListener) Addr() string { return l.addr }

type memChannel struct {
	net       *Network
	local     string
	remote    string
	host      string // the host identity used for link cuts
	peerHost  string
	inbox     chan []byte
	peer      *memChannel
	done      chan struct{}
	closeOnce sync.Once
}

func newMemPair(n *Network, dialAddr, listenAddr string) (*memChannel, *memChannel) {
	a := &memChannel{
		net: n, local: dialAddr, remote: listenAddr,
		host: hostOf(dialAddr), peerHost: listenAddr,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	b := &memChannel{
		net: n, local: listenAddr, remote: dialAddr,
		host: listenAddr, peerHost: hostOf(dialAddr),
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func hostOf(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '#' {
			return addr[:i]
		}
	}
	return addr
}

func (c *memChannel) Send(b []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	if len(b) == 0 || len(b) > MaxMessage {
		return ErrMessageSize
	}
	lat, dead := c.net.linkState(c.host, c.peerHost)
	if dead {
		return nil // silently lost, like the real network
	}
	msg := make([]byte, len(b))
	copy(msg, b)
	deliver := func() {
		select {
		case c.peer.inbox <- msg:
		case <-c.peer.done:
		default:
			// peer not draining, drop
		}
	}
	if lat > 0 {
		time.AfterFunc(lat, deliver)
	} else {
		deliver()
	}
	return nil
}

func (c *memChannel) Receive() ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

func (c *memChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.peer.closeOnce.Do(func() { close(c.peer.done) })
	})
	return nil
}

func (c *memChannel) Kind() Kind         { return KindMem }
func (c *memChannel) LocalAddr() string  { return c.local }
func (c *memChannel) RemoteAddr() string { return c.remote }
