package core

import (
	"testing"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCandidatesLearnsReflexiveAddress(t *testing.T) {
	bKey := state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	s, _, w := routerFixture(t, bCfg)
	out := make(chan state.Discovery, 4)
	w.DiscoveryOut = out
	b := bCfg.Id()

	// b tells us where it sees us
	w.handleCandidates(s, b, transport.KindUDP, &protocol.CandidateExchange{
		Peer:     string(s.Id()),
		Observed: "203.0.113.9:57175",
	})
	require.Len(t, w.selfObserved, 1)
	assert.Equal(t, "203.0.113.9:57175", w.selfObserved[0].Addr)
	assert.Equal(t, state.SourceObserved, w.selfObserved[0].Source)
	assert.Equal(t, transport.KindUDP, w.selfObserved[0].Kind)

	// the learned address flows out to the signaling collaborator
	d := <-out
	assert.Equal(t, s.Id(), d.Peer)
	assert.Equal(t, "203.0.113.9:57175", d.Endpoint.Addr)

	// a solicitation about ourselves is answerable from what we learned
	eps := w.selfEndpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, uint8(transport.KindUDP), eps[0].Kind)

	// hearing the same address again neither duplicates nor re-publishes
	w.handleCandidates(s, b, transport.KindUDP, &protocol.CandidateExchange{
		Peer:     string(s.Id()),
		Observed: "203.0.113.9:57175",
	})
	assert.Len(t, w.selfObserved, 1)
	assert.Empty(t, out)
}

func TestHandleCandidatesTagsSources(t *testing.T) {
	bKey, cKey := state.GenerateKey(), state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	cCfg := state.PeerCfg{Name: "c", PubKey: cKey.Pubkey()}
	s, _, w := routerFixture(t, bCfg, cCfg)
	b, c := bCfg.Id(), cCfg.Id()

	// b reporting its own addresses ranks as self-reported
	w.handleCandidates(s, b, transport.KindMem, &protocol.CandidateExchange{
		Peer: string(b),
		Endpoints: []protocol.WireEndpoint{
			{Kind: uint8(transport.KindUDP), Addr: "198.51.100.4:57175"},
		},
	})
	// the same peer's addresses relayed by a third party rank lower
	w.handleCandidates(s, c, transport.KindMem, &protocol.CandidateExchange{
		Peer: string(b),
		Endpoints: []protocol.WireEndpoint{
			{Kind: uint8(transport.KindUDP), Addr: "192.0.2.8:57175"},
		},
	})

	byAddr := make(map[string]state.CandidateSource)
	for _, cand := range w.peers[b].Candidates {
		byAddr[cand.Addr] = cand.Source
	}
	assert.Equal(t, state.SourceSelfReported, byAddr["198.51.100.4:57175"])
	assert.Equal(t, state.SourceRelayObserved, byAddr["192.0.2.8:57175"])
}

func TestAddCandidatePublishesDiscovery(t *testing.T) {
	bKey := state.GenerateKey()
	bCfg := state.PeerCfg{Name: "b", PubKey: bKey.Pubkey()}
	s, _, w := routerFixture(t, bCfg)
	out := make(chan state.Discovery, 4)
	w.DiscoveryOut = out
	b := bCfg.Id()

	cand := state.Candidate{Kind: transport.KindTCP, Addr: "192.0.2.1:1", Source: state.SourceObserved}
	w.addCandidate(s, b, cand)

	d := <-out
	assert.Equal(t, b, d.Peer)
	assert.Equal(t, "192.0.2.1:1", d.Endpoint.Addr)

	// merging the same candidate again is not a new discovery
	w.addCandidate(s, b, cand)
	assert.Empty(t, out)

	// with no consumer attached, learning still works and never blocks
	w.DiscoveryOut = nil
	w.addCandidate(s, b, state.Candidate{Kind: transport.KindUDP, Addr: "192.0.2.2:1"})
	assert.True(t, hasCandidate(w.peers[b].Candidates, state.Candidate{Kind: transport.KindUDP, Addr: "192.0.2.2:1"}))
}
