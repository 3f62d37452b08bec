package state

import (
	"net/netip"

	"github.com/gaissmai/bart"
)

type PathKind uint8

const (
	PathDirect PathKind = iota
	PathRelayed
)

func (k PathKind) String() string {
	if k == PathDirect {
		return "direct"
	}
	return "relayed"
}

// RouteEntry maps a destination peer to its next hop. Entries are derived
// state, recomputed from the link-state database, never hand-edited.
type RouteEntry struct {
	Dst    PeerId
	Nh     PeerId
	Metric uint32
	Kind   PathKind
	Gen    uint64
}

// RouteTable is an immutable snapshot published with an atomic pointer swap.
// Forwarding tasks share one snapshot; readers never see a partial update.
type RouteTable struct {
	Gen    uint64
	ByPeer map[PeerId]RouteEntry
	ByAddr bart.Table[RouteEntry]
}

// Next returns the route towards a destination peer.
func (t *RouteTable) Next(dst PeerId) (RouteEntry, bool) {
	e, ok := t.ByPeer[dst]
	return e, ok
}

// Lookup resolves a virtual address to the route of its owning peer.
func (t *RouteTable) Lookup(addr netip.Addr) (RouteEntry, bool) {
	return t.ByAddr.Lookup(addr)
}

func (t *RouteTable) Size() int {
	if t == nil {
		return 0
	}
	return len(t.ByPeer)
}
