// Package nic is the boundary to the local virtual network device. The core
// consumes a Device capability; creation and teardown of the real interface
// belong to an external collaborator.
package nic

import (
	"context"
	"errors"
)

var ErrDeviceClosed = errors.New("device closed")

// Device reads and writes whole virtual-network packets.
type Device interface {
	// ReadPacket blocks until one packet is available.
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(b []byte) error
	Close() error
}
