package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a transport backend for candidate selection and policy
// decisions. Dispatch on Kind happens once per connection attempt, never
// per packet.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTCP          // reliable stream
	KindUDP          // unreliable datagram
	KindQUIC         // secure datagram
	KindWS           // message-oriented over HTTP upgrade
	KindMem          // in-process, tests and harness only
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindQUIC:
		return "quic"
	case KindWS:
		return "ws"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "tcp":
		return KindTCP, nil
	case "udp":
		return KindUDP, nil
	case "quic":
		return KindQUIC, nil
	case "ws":
		return KindWS, nil
	case "mem":
		return KindMem, nil
	}
	return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
}

// Ordered reports whether the kind guarantees in-order delivery.
func (k Kind) Ordered() bool {
	return k == KindTCP || k == KindWS || k == KindMem
}

// Punchable reports whether simultaneous bidirectional dialing (hole
// punching) is worth attempting for this kind.
func (k Kind) Punchable() bool {
	return k == KindUDP || k == KindQUIC
}

var (
	ErrUnreachable   = errors.New("endpoint unreachable")
	ErrTimeout       = errors.New("transport timeout")
	ErrRefused       = errors.New("connection refused")
	ErrChannelClosed = errors.New("channel closed")
	ErrWouldBlock    = errors.New("send would block")
	ErrMessageSize   = errors.New("message size is invalid")
)

// Channel is a message-oriented byte channel to one remote endpoint.
// Message boundaries are preserved for every kind; ordering is only
// guaranteed when Kind().Ordered() holds.
type Channel interface {
	// Send transmits one message. Returns ErrChannelClosed after Close.
	Send(b []byte) error
	// Receive blocks for the next message. Returns ErrChannelClosed once
	// the channel is torn down.
	Receive() ([]byte, error)
	Close() error
	Kind() Kind
	LocalAddr() string
	RemoteAddr() string
}

// Listener produces inbound channels lazily until closed.
type Listener interface {
	Accept() (Channel, error)
	Close() error
	Addr() string
}

// Backend is one concrete carrier. Implementations hold real sockets and
// must release them deterministically when channels or listeners close.
type Backend interface {
	Kind() Kind
	Dial(ctx context.Context, addr string) (Channel, error)
	Listen(ctx context.Context, bind string) (Listener, error)
}

// Registry holds the enabled backends for this node.
type Registry struct {
	backends map[Kind]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[Kind]Backend)}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

func (r *Registry) Get(k Kind) (Backend, bool) {
	b, ok := r.backends[k]
	return b, ok
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	return kinds
}
