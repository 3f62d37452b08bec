package state

import (
	"net/netip"
	"time"
)

// LinkInfo is one directed edge in a link-state vector.
type LinkInfo struct {
	Peer PeerId
	Cost uint32
}

// LinkState is one peer's self-reported view of which peers it reaches
// directly and at what cost, versioned by a monotonically increasing seqno.
type LinkState struct {
	Origin     PeerId
	Seqno      uint16
	Links      []LinkInfo
	Prefixes   []netip.Prefix
	AllowRelay bool
	UpdatedAt  time.Time
}

// Expired reports whether the advertisement went unrefreshed too long.
func (ls *LinkState) Expired(now time.Time) bool {
	return now.Sub(ls.UpdatedAt) > LinkStateExpiry
}

// DirectoryState is the mesh-wide link-state database. It is owned by the
// directory module and mutated only on the dispatch loop.
type DirectoryState struct {
	Self      PeerId
	SelfSeqno uint16
	ByOrigin  map[PeerId]*LinkState
}

func NewDirectoryState(self PeerId) *DirectoryState {
	return &DirectoryState{
		Self:     self,
		ByOrigin: make(map[PeerId]*LinkState),
	}
}

// Get returns the stored advertisement for origin, or nil.
func (d *DirectoryState) Get(origin PeerId) *LinkState {
	return d.ByOrigin[origin]
}

// seqno arithmetic is modulo 2^16 per the usual serial-number rules

func SeqnoLt(a, b uint16) bool {
	x := b - a
	return 0 < x && x < 32768
}

func SeqnoLe(a, b uint16) bool {
	return a == b || SeqnoLt(a, b)
}

func SeqnoGt(a, b uint16) bool {
	return !SeqnoLe(a, b)
}

func SeqnoGe(a, b uint16) bool {
	return !SeqnoLt(a, b)
}

// AddMetric saturates at INFM so only true retractions carry INF.
func AddMetric(a, b uint32) uint32 {
	if a == INF || b == INF {
		return INF
	}
	s := uint64(a) + uint64(b)
	if s >= uint64(INFM) {
		return INFM
	}
	return uint32(s)
}
