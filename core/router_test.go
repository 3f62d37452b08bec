package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = state.PeerId("aaaaaaaaaaaaaaaa")
	idB = state.PeerId("bbbbbbbbbbbbbbbb")
	idC = state.PeerId("cccccccccccccccc")
	idD = state.PeerId("dddddddddddddddd")
)

func advert(origin state.PeerId, links ...state.LinkInfo) *state.LinkState {
	return &state.LinkState{
		Origin:    origin,
		Seqno:     1,
		Links:     links,
		UpdatedAt: time.Now(),
	}
}

func dirWith(self state.PeerId, adverts ...*state.LinkState) *state.DirectoryState {
	d := state.NewDirectoryState(self)
	for _, a := range adverts {
		d.ByOrigin[a.Origin] = a
	}
	return d
}

func edgeCost(link uint32) uint32 {
	return state.AddMetric(link, state.HopCost)
}

func TestComputeRoutesDirect(t *testing.T) {
	dir := dirWith(idA, advert(idB, state.LinkInfo{Peer: idA, Cost: 10}))
	table := ComputeRoutes(dir, map[state.PeerId]uint32{idB: 10}, &state.CentralCfg{})

	e, ok := table.Next(idB)
	require.True(t, ok)
	assert.Equal(t, idB, e.Nh)
	assert.Equal(t, state.PathDirect, e.Kind)
	assert.Equal(t, edgeCost(10), e.Metric)

	self, ok := table.Next(idA)
	require.True(t, ok)
	assert.Equal(t, uint32(0), self.Metric)
}

func TestComputeRoutesRelayWhenNoDirect(t *testing.T) {
	// a -- b -- c, no direct edge from a to c
	dir := dirWith(idA,
		advert(idB, state.LinkInfo{Peer: idA, Cost: 10}, state.LinkInfo{Peer: idC, Cost: 10}),
		advert(idC, state.LinkInfo{Peer: idB, Cost: 10}),
	)
	table := ComputeRoutes(dir, map[state.PeerId]uint32{idB: 10}, &state.CentralCfg{})

	e, ok := table.Next(idC)
	require.True(t, ok)
	assert.Equal(t, idB, e.Nh)
	assert.Equal(t, state.PathRelayed, e.Kind)
	assert.Equal(t, edgeCost(10)+edgeCost(10), e.Metric)
}

func TestComputeRoutesPrefersDirectOnTie(t *testing.T) {
	// direct a->c costs 25, a->b->c costs 10+10 plus one extra hop charge;
	// total metrics tie at 30, the direct edge must win
	dir := dirWith(idA,
		advert(idB, state.LinkInfo{Peer: idA, Cost: 10}, state.LinkInfo{Peer: idC, Cost: 10}),
		advert(idC, state.LinkInfo{Peer: idA, Cost: 25}, state.LinkInfo{Peer: idB, Cost: 10}),
	)
	require.Equal(t, edgeCost(25), edgeCost(10)+edgeCost(10))

	table := ComputeRoutes(dir, map[state.PeerId]uint32{idB: 10, idC: 25}, &state.CentralCfg{})

	e, ok := table.Next(idC)
	require.True(t, ok)
	assert.Equal(t, idC, e.Nh)
	assert.Equal(t, state.PathDirect, e.Kind)
}

func TestComputeRoutesDeterministic(t *testing.T) {
	neighbors := map[state.PeerId]uint32{idB: 10, idC: 10}
	mkDir := func(order []state.PeerId) *state.DirectoryState {
		adverts := map[state.PeerId]*state.LinkState{
			idB: advert(idB, state.LinkInfo{Peer: idA, Cost: 10}, state.LinkInfo{Peer: idD, Cost: 10}),
			idC: advert(idC, state.LinkInfo{Peer: idA, Cost: 10}, state.LinkInfo{Peer: idD, Cost: 10}),
			idD: advert(idD, state.LinkInfo{Peer: idB, Cost: 10}, state.LinkInfo{Peer: idC, Cost: 10}),
		}
		d := state.NewDirectoryState(idA)
		for _, o := range order {
			d.ByOrigin[o] = adverts[o]
		}
		return d
	}

	// two equal-cost paths to d exist; arrival order must not matter
	first := ComputeRoutes(mkDir([]state.PeerId{idB, idC, idD}), neighbors, &state.CentralCfg{})
	for i := 0; i < 20; i++ {
		next := ComputeRoutes(mkDir([]state.PeerId{idD, idC, idB}), neighbors, &state.CentralCfg{})
		require.True(t, routesEqual(first, next), cmp.Diff(first.ByPeer, next.ByPeer))
	}

	// the tie itself breaks towards the smaller next hop
	e, ok := first.Next(idD)
	require.True(t, ok)
	assert.Equal(t, idB, e.Nh)
}

func TestComputeRoutesNextHopIsNeighbor(t *testing.T) {
	neighbors := map[state.PeerId]uint32{idB: 10}
	dir := dirWith(idA,
		advert(idB, state.LinkInfo{Peer: idA, Cost: 10}, state.LinkInfo{Peer: idC, Cost: 10}),
		advert(idC, state.LinkInfo{Peer: idB, Cost: 10}, state.LinkInfo{Peer: idD, Cost: 10}),
		advert(idD, state.LinkInfo{Peer: idC, Cost: 10}),
	)
	table := ComputeRoutes(dir, neighbors, &state.CentralCfg{})

	for dst, e := range table.ByPeer {
		if dst == idA {
			continue
		}
		_, isNeighbor := neighbors[e.Nh]
		assert.True(t, isNeighbor, "route to %s goes through non-neighbor %s", dst, e.Nh)
	}
}

func TestComputeRoutesSkipsUnreachable(t *testing.T) {
	// d is only known through c, and c is not reachable
	dir := dirWith(idA,
		advert(idB, state.LinkInfo{Peer: idA, Cost: 10}),
		advert(idC, state.LinkInfo{Peer: idD, Cost: 10}),
	)
	table := ComputeRoutes(dir, map[state.PeerId]uint32{idB: 10}, &state.CentralCfg{})

	_, ok := table.Next(idC)
	assert.False(t, ok)
	_, ok = table.Next(idD)
	assert.False(t, ok)
}

func TestComputeRoutesIgnoresRetractedLinks(t *testing.T) {
	dir := dirWith(idA,
		advert(idB, state.LinkInfo{Peer: idA, Cost: 10}, state.LinkInfo{Peer: idC, Cost: state.INF}),
	)
	table := ComputeRoutes(dir, map[state.PeerId]uint32{idB: 10}, &state.CentralCfg{})

	_, ok := table.Next(idC)
	assert.False(t, ok)
}

func TestComputeRoutesPrefixLookup(t *testing.T) {
	kb := state.GenerateKey()
	ccfg := &state.CentralCfg{Peers: []state.PeerCfg{{
		Name:     "b",
		PubKey:   kb.Pubkey(),
		Prefixes: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/24")},
	}}}
	b := ccfg.Peers[0].Id()

	dir := dirWith(idA, advert(b, state.LinkInfo{Peer: idA, Cost: 10}))
	table := ComputeRoutes(dir, map[state.PeerId]uint32{b: 10}, ccfg)

	e, ok := table.Lookup(netip.MustParseAddr("10.1.0.7"))
	require.True(t, ok)
	assert.Equal(t, b, e.Dst)

	_, ok = table.Lookup(netip.MustParseAddr("10.2.0.7"))
	assert.False(t, ok)
}

func TestRoutesEqualIgnoresGen(t *testing.T) {
	mk := func(metric uint32, gen uint64) *state.RouteTable {
		return &state.RouteTable{Gen: gen, ByPeer: map[state.PeerId]state.RouteEntry{
			idB: {Dst: idB, Nh: idB, Metric: metric, Kind: state.PathDirect, Gen: gen},
		}}
	}
	assert.True(t, routesEqual(mk(10, 1), mk(10, 2)))
	assert.False(t, routesEqual(mk(10, 1), mk(11, 1)))
	assert.False(t, routesEqual(mk(10, 1), &state.RouteTable{ByPeer: map[state.PeerId]state.RouteEntry{}}))
}
