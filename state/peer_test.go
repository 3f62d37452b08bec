package state

import (
	"testing"
	"time"

	"github.com/encodeous/weft/transport"
	"github.com/stretchr/testify/assert"
)

func TestMergeCandidateOrdering(t *testing.T) {
	now := time.Now()
	var set []Candidate
	set = MergeCandidate(set, Candidate{Kind: transport.KindTCP, Addr: "1.1.1.1:1", Source: SourceObserved, LastSeen: now})
	set = MergeCandidate(set, Candidate{Kind: transport.KindUDP, Addr: "1.1.1.1:1", Source: SourceConfig, LastSeen: now})
	set = MergeCandidate(set, Candidate{Kind: transport.KindTCP, Addr: "2.2.2.2:2", Source: SourceConfig, LastSeen: now})

	// config-sourced candidates sort ahead of observed ones
	assert.Equal(t, SourceConfig, set[0].Source)
	assert.Equal(t, SourceConfig, set[1].Source)
	assert.Equal(t, SourceObserved, set[2].Source)
	// same source sorts by kind
	assert.Equal(t, transport.KindTCP, set[0].Kind)
}

func TestMergeCandidateDedup(t *testing.T) {
	t0 := time.Now()
	t1 := t0.Add(time.Minute)
	var set []Candidate
	set = MergeCandidate(set, Candidate{Kind: transport.KindUDP, Addr: "1.1.1.1:1", Source: SourceObserved, LastSeen: t0})
	set = MergeCandidate(set, Candidate{Kind: transport.KindUDP, Addr: "1.1.1.1:1", Source: SourceConfig, LastSeen: t1})

	assert.Len(t, set, 1)
	// a re-learned candidate keeps the best source and the newest timestamp
	assert.Equal(t, SourceConfig, set[0].Source)
	assert.Equal(t, t1, set[0].LastSeen)
}

func TestPruneCandidates(t *testing.T) {
	now := time.Now()
	set := []Candidate{
		{Kind: transport.KindUDP, Addr: "a:1", Source: SourceConfig, LastSeen: now.Add(-2 * CandidateStaleAfter)},
		{Kind: transport.KindUDP, Addr: "b:1", Source: SourceObserved, LastSeen: now.Add(-2 * CandidateStaleAfter)},
		{Kind: transport.KindUDP, Addr: "c:1", Source: SourceObserved, LastSeen: now},
	}
	kept := PruneCandidates(set, now)
	assert.Len(t, kept, 2)
	// config candidates never go stale
	assert.Equal(t, "a:1", kept[0].Addr)
	assert.Equal(t, "c:1", kept[1].Addr)
}
