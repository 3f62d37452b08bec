package nic

import (
	"context"
	"sync"
)

// MemDevice is an in-memory Device used by tests and the integration
// harness. Outbound-from-host packets are injected with Inject; packets the
// node delivers locally appear on Delivered.
type MemDevice struct {
	inject    chan []byte
	delivered chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemDevice() *MemDevice {
	return &MemDevice{
		inject:    make(chan []byte, 64),
		delivered: make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// Inject queues a packet as if the host OS wrote it to the interface.
func (d *MemDevice) Inject(b []byte) error {
	select {
	case <-d.done:
		return ErrDeviceClosed
	case d.inject <- b:
		return nil
	}
}

// Delivered yields packets addressed to this node.
func (d *MemDevice) Delivered() <-chan []byte {
	return d.delivered
}

func (d *MemDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case b := <-d.inject:
		return b, nil
	case <-d.done:
		return nil, ErrDeviceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *MemDevice) WritePacket(b []byte) error {
	select {
	case <-d.done:
		return ErrDeviceClosed
	case d.delivered <- b:
		return nil
	default:
		// host not draining, drop like a real interface would
		return nil
	}
}

func (d *MemDevice) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}
