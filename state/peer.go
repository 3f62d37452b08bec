package state

import (
	"fmt"
	"time"

	"github.com/encodeous/weft/transport"
)

// CandidateSource records where a candidate endpoint was learned from.
// It doubles as connection priority: lower sources are tried first.
type CandidateSource uint8

const (
	SourceConfig CandidateSource = iota
	SourceSelfReported
	SourceObserved // server-reflexive, reported by a peer that saw our traffic
	SourceRelayObserved
)

func (s CandidateSource) String() string {
	switch s {
	case SourceConfig:
		return "config"
	case SourceSelfReported:
		return "self-reported"
	case SourceObserved:
		return "observed"
	case SourceRelayObserved:
		return "relay-observed"
	default:
		return "unknown"
	}
}

// Candidate is a (transport kind, address) pair a peer might be reachable at.
type Candidate struct {
	Kind     transport.Kind
	Addr     string
	Source   CandidateSource
	LastSeen time.Time
}

func (c Candidate) Key() string {
	return fmt.Sprintf("%s/%s", c.Kind, c.Addr)
}

// Stale reports whether a learned candidate has aged out. Config-declared
// candidates never go stale.
func (c Candidate) Stale(now time.Time) bool {
	if c.Source == SourceConfig {
		return false
	}
	return now.Sub(c.LastSeen) > CandidateStaleAfter
}

// MergeCandidate inserts or refreshes cand in the ordered, deduplicated set.
// Ordering is (source, kind) so the dial loop can walk it front to back.
func MergeCandidate(set []Candidate, cand Candidate) []Candidate {
	for i := range set {
		if set[i].Key() == cand.Key() {
			set[i].LastSeen = cand.LastSeen
			if cand.Source < set[i].Source {
				set[i].Source = cand.Source
			}
			return set
		}
	}
	set = append(set, cand)
	for i := len(set) - 1; i > 0; i-- {
		a, b := set[i-1], set[i]
		if b.Source < a.Source || (b.Source == a.Source && b.Kind < a.Kind) {
			set[i-1], set[i] = b, a
		} else {
			break
		}
	}
	return set
}

// PruneCandidates drops entries unused past the staleness threshold.
func PruneCandidates(set []Candidate, now time.Time) []Candidate {
	kept := set[:0]
	for _, c := range set {
		if !c.Stale(now) {
			kept = append(kept, c)
		}
	}
	return kept
}

// Discovery is one (peer, candidate) tuple flowing over the signaling
// boundary, in either direction.
type Discovery struct {
	Peer     PeerId
	Endpoint Candidate
}
