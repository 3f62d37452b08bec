package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
)

// MaxMessage bounds a single framed message on stream-like channels.
const MaxMessage = 1 << 20

type tcpBackend struct{}

func NewTCP() Backend {
	return tcpBackend{}
}

func (tcpBackend) Kind() Kind { return KindTCP }

func (tcpBackend) Dial(ctx context.Context, addr string) (Channel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return newStreamChannel(conn, KindTCP), nil
}

func (tcpBackend) Listen(ctx context.Context, bind string) (Listener, error) {
	config := net.ListenConfig{}
	l, err := config.Listen(ctx, "tcp", bind)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l}, nil
}

type tcpListener struct {
	l net.Listener
}

func (t *tcpListener) Accept() (Channel, error) {
	conn, err := t.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	return newStreamChannel(conn, KindTCP), nil
}

func (t *tcpListener) Close() error { return t.l.Close() }
func (t *tcpListener) Addr() string { return t.l.Addr().String() }

// streamChannel frames messages over an ordered byte stream with a 4-byte
// big-endian length prefix, so every Channel is message-oriented.
type streamChannel struct {
	conn net.Conn
	kind Kind
	wmu  sync.Mutex
}

func newStreamChannel(conn net.Conn, kind Kind) *streamChannel {
	return &streamChannel{conn: conn, kind: kind}
}

func (c *streamChannel) Send(b []byte) error {
	if len(b) == 0 || len(b) > MaxMessage {
		return ErrMessageSize
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return classifyChanErr(err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return classifyChanErr(err)
	}
	return nil
}

func (c *streamChannel) Receive() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, classifyChanErr(err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > MaxMessage {
		return nil, ErrMessageSize
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, classifyChanErr(err)
	}
	return data, nil
}

func (c *streamChannel) Close() error       { return c.conn.Close() }
func (c *streamChannel) Kind() Kind         { return c.kind }
func (c *streamChannel) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *streamChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func classifyDialErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errors.Join(ErrTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return errors.Join(ErrRefused, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrUnreachable, err)
}

func classifyChanErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrChannelClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
