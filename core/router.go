package core

import (
	"slices"
	"sort"

	"github.com/encodeous/weft/state"
)

// ComputeRoutes builds a fresh route table from the directory and the set
// of live direct neighbors. The computation is deterministic: given the
// same directory contents and neighbor costs it always produces the same
// table, regardless of the order adverts arrived in.
//
// Costs are summed link metrics plus a small per-hop charge, so a relayed
// path never beats a direct one of equal link cost. Equal-cost alternatives
// break ties first towards the direct edge, then towards fewer hops, then
// towards the lexicographically smallest next hop.
func ComputeRoutes(dir *state.DirectoryState, neighbors map[state.PeerId]uint32, ccfg *state.CentralCfg) *state.RouteTable {
	self := dir.Self

	// collect the node universe deterministically
	nodeSet := map[state.PeerId]struct{}{self: {}}
	for n := range neighbors {
		nodeSet[n] = struct{}{}
	}
	for origin, ls := range dir.ByOrigin {
		nodeSet[origin] = struct{}{}
		for _, l := range ls.Links {
			nodeSet[l.Peer] = struct{}{}
		}
	}
	nodes := make([]state.PeerId, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	edges := func(u state.PeerId) []state.LinkInfo {
		if u == self {
			out := make([]state.LinkInfo, 0, len(neighbors))
			for n, c := range neighbors {
				out = append(out, state.LinkInfo{Peer: n, Cost: c})
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
			return out
		}
		if ls := dir.Get(u); ls != nil {
			return ls.Links
		}
		return nil
	}

	dist := map[state.PeerId]uint32{self: 0}
	hops := map[state.PeerId]int{self: 0}
	nexthop := map[state.PeerId]state.PeerId{}
	visited := map[state.PeerId]bool{}

	for range nodes {
		// pick the unvisited node with the smallest distance, smallest id
		// on ties, so the relaxation order is stable
		var u state.PeerId
		best := state.INF
		found := false
		for _, n := range nodes {
			if visited[n] {
				continue
			}
			d, ok := dist[n]
			if !ok {
				continue
			}
			if !found || d < best || (d == best && n < u) {
				u, best, found = n, d, true
			}
		}
		if !found {
			break
		}
		visited[u] = true

		for _, l := range edges(u) {
			if l.Cost == state.INF {
				continue
			}
			nd := state.AddMetric(dist[u], state.AddMetric(l.Cost, state.HopCost))
			nh := l.Peer
			if u != self {
				nh = nexthop[u]
			}
			cd, known := dist[l.Peer]
			better := !known || nd < cd
			if known && nd == cd {
				// tie: prefer the direct edge, then shorter paths, then
				// the smaller next hop
				cand := routePref{direct: u == self && l.Peer == nh, hops: hops[u] + 1, nh: nh}
				cur := routePref{direct: nexthop[l.Peer] == l.Peer, hops: hops[l.Peer], nh: nexthop[l.Peer]}
				better = cand.betterThan(cur)
			}
			if better {
				dist[l.Peer] = nd
				hops[l.Peer] = hops[u] + 1
				nexthop[l.Peer] = nh
			}
		}
	}

	t := &state.RouteTable{ByPeer: make(map[state.PeerId]state.RouteEntry)}
	t.ByPeer[self] = state.RouteEntry{Dst: self, Nh: self, Metric: 0, Kind: state.PathDirect}
	for _, n := range nodes {
		if n == self {
			continue
		}
		nh, ok := nexthop[n]
		if !ok {
			continue
		}
		kind := state.PathRelayed
		if nh == n {
			kind = state.PathDirect
		}
		t.ByPeer[n] = state.RouteEntry{Dst: n, Nh: nh, Metric: dist[n], Kind: kind}
	}

	// virtual prefixes come from the trusted config, which the validator
	// has already checked for overlap
	for i := range ccfg.Peers {
		pc := &ccfg.Peers[i]
		e, ok := t.ByPeer[pc.Id()]
		if !ok {
			continue
		}
		for _, pfx := range state.CoalescePrefix(pc.Prefixes) {
			t.ByAddr.Insert(pfx, e)
		}
	}
	return t
}

type routePref struct {
	direct bool
	hops   int
	nh     state.PeerId
}

func (a routePref) betterThan(b routePref) bool {
	if a.direct != b.direct {
		return a.direct
	}
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	return a.nh < b.nh
}

// routesEqual compares the peer-route maps of two snapshots, ignoring
// generation numbers.
func routesEqual(a, b *state.RouteTable) bool {
	if len(a.ByPeer) != len(b.ByPeer) {
		return false
	}
	for id, ea := range a.ByPeer {
		eb, ok := b.ByPeer[id]
		if !ok {
			return false
		}
		ea.Gen, eb.Gen = 0, 0
		if ea != eb {
			return false
		}
	}
	return true
}
