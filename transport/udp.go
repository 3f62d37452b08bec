package transport

import (
	"context"
	"net"
	"net/netip"
	"sync"
)

// MaxDatagram bounds a single datagram message. Anything larger must be
// fragmented by the caller (the tunnel layer never produces frames this big).
const MaxDatagram = 65507

type udpBackend struct{}

func NewUDP() Backend {
	return udpBackend{}
}

func (udpBackend) Kind() Kind { return KindUDP }

func (udpBackend) Dial(ctx context.Context, addr string) (Channel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return &udpDialChannel{conn: conn.(*net.UDPConn)}, nil
}

func (udpBackend) Listen(ctx context.Context, bind string) (Listener, error) {
	config := net.ListenConfig{}
	pc, err := config.ListenPacket(ctx, "udp", bind)
	if err != nil {
		return nil, err
	}
	l := &udpListener{
		conn:     pc.(*net.UDPConn),
		chans:    make(map[netip.AddrPort]*udpAcceptChannel),
		incoming: make(chan *udpAcceptChannel, 16),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// udpDialChannel is a connected UDP socket. A "successful" dial proves
// nothing about reachability; the tunnel handshake above decides that.
type udpDialChannel struct {
	conn *net.UDPConn
}

func (c *udpDialChannel) Send(b []byte) error {
	if len(b) == 0 || len(b) > MaxDatagram {
		return ErrMessageSize
	}
	_, err := c.conn.Write(b)
	return classifyChanErr(err)
}

func (c *udpDialChannel) Receive() ([]byte, error) {
	buf := make([]byte, MaxDatagram)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, classifyChanErr(err)
	}
	return buf[:n], nil
}

func (c *udpDialChannel) Close() error       { return c.conn.Close() }
func (c *udpDialChannel) Kind() Kind         { return KindUDP }
func (c *udpDialChannel) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *udpDialChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// udpListener demultiplexes one UDP socket into per-remote channels.
type udpListener struct {
	conn     *net.UDPConn
	mu       sync.Mutex
	chans    map[netip.AddrPort]*udpAcceptChannel
	incoming chan *udpAcceptChannel
	done     chan struct{}
	closed   bool
}

func (l *udpListener) readLoop() {
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			l.Close()
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		l.mu.Lock()
		ch, ok := l.chans[from]
		if !ok {
			ch = &udpAcceptChannel{
				l:      l,
				remote: from,
				inbox:  make(chan []byte, 128),
				done:   make(chan struct{}),
			}
			l.chans[from] = ch
			select {
			case l.incoming <- ch:
			default:
				// accept queue full, drop the flow
				delete(l.chans, from)
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()

		select {
		case ch.inbox <- msg:
		default:
			// receiver is not draining, drop the datagram
		}
	}
}

func (l *udpListener) Accept() (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.done:
		return nil, ErrChannelClosed
	}
}

func (l *udpListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, ch := range l.chans {
		ch.closeLocked()
	}
	l.chans = map[netip.AddrPort]*udpAcceptChannel{}
	l.mu.Unlock()
	close(l.done)
	return l.conn.Close()
}

func (l *udpListener) Addr() string { return l.conn.LocalAddr().String() }

func (l *udpListener) forget(remote netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chans, remote)
}

type udpAcceptChannel struct {
	l         *udpAcceptChannelOwner
	remote    netip.AddrPort
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// udpAcceptChannelOwner narrows the listener surface a channel needs.
type udpAcceptChannelOwner = udpListener

func (c *udpAcceptChannel) Send(b []byte) error {
	if len(b) == 0 || len(b) > MaxDatagram {
		return ErrMessageSize
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	_, err := c.l.conn.WriteToUDPAddrPort(b, c.remote)
	return classifyChanErr(err)
}

func (c *udpAcceptChannel) Receive() ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

func (c *udpAcceptChannel) Close() error {
	c.l.forget(c.remote)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *udpAcceptChannel) closeLocked() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *udpAcceptChannel) Kind() Kind         { return KindUDP }
func (c *udpAcceptChannel) LocalAddr() string  { return c.l.conn.LocalAddr().String() }
func (c *udpAcceptChannel) RemoteAddr() string { return c.remote.String() }
