package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/tunnel"
)

type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerDiscovering
	PeerCandidateGathering
	PeerConnecting
	PeerEstablished
	PeerRelaying
	PeerDegraded
	PeerClosing
	PeerClosed
)

func (p PeerState) String() string {
	switch p {
	case PeerUnknown:
		return "unknown"
	case PeerDiscovering:
		return "discovering"
	case PeerCandidateGathering:
		return "gathering"
	case PeerConnecting:
		return "connecting"
	case PeerEstablished:
		return "established"
	case PeerRelaying:
		return "relaying"
	case PeerDegraded:
		return "degraded"
	case PeerClosing:
		return "closing"
	case PeerClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Live reports whether the peer may appear as a route next hop.
func (p PeerState) Live() bool {
	return p == PeerEstablished || p == PeerRelaying
}

// legalTransitions is the full transition relation. Anything not listed is a
// bug; in particular Established never jumps straight back to Connecting, so
// old resources are always released before new ones are acquired.
var legalTransitions = map[PeerState][]PeerState{
	PeerUnknown:            {PeerDiscovering},
	PeerDiscovering:        {PeerCandidateGathering, PeerClosing},
	PeerCandidateGathering: {PeerConnecting, PeerDiscovering, PeerClosing},
	PeerConnecting:         {PeerEstablished, PeerRelaying, PeerClosing},
	PeerEstablished:        {PeerDegraded, PeerClosing},
	PeerRelaying:           {PeerDegraded, PeerClosing},
	PeerDegraded:           {PeerEstablished, PeerRelaying, PeerClosing},
	PeerClosing:            {PeerClosed},
	PeerClosed:             {PeerDiscovering},
}

func canTransition(from, to PeerState) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Peer is the per-peer connection state machine. All fields are owned by the
// dispatch loop; connect attempts and tunnel loops run on their own
// goroutines and dispatch their outcomes back in.
type Peer struct {
	Id    state.PeerId
	Cfg   *state.PeerCfg
	S     PeerState
	Since time.Time

	// Epoch increments on every transition; scheduled tasks capture it and
	// bail if the machine has since moved on.
	Epoch uint64

	Candidates []state.Candidate

	// Active is the single promoted tunnel while Established/Relaying.
	// Extra tunnels may transiently coexist during negotiation; they are
	// closed on promotion or collected by the tunnel GC.
	Active   *tunnel.Tunnel
	RelayVia state.PeerId // set while Relaying

	// attemptGen fences stale outcomes from cancelled connect attempts
	attemptGen    uint64
	attemptCancel context.CancelFunc

	backoff    *backoff.ExponentialBackOff
	userClosed bool
	wasRelayed bool // degraded from Relaying rather than Established
}

func newPeer(id state.PeerId, cfg *state.PeerCfg) *Peer {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = state.ReconnectBaseDelay
	bo.MaxInterval = state.ReconnectMaxDelay
	bo.MaxElapsedTime = 0 // retry forever
	p := &Peer{
		Id:      id,
		Cfg:     cfg,
		S:       PeerUnknown,
		Since:   time.Now(),
		backoff: bo,
	}
	if cfg != nil {
		for _, e := range cfg.Endpoints {
			cand, err := state.ParseEndpoint(e)
			if err != nil {
				continue // validated at load, can't happen
			}
			cand.LastSeen = time.Now()
			p.Candidates = state.MergeCandidate(p.Candidates, cand)
		}
	}
	return p
}

func (p *Peer) cancelAttempt() {
	if p.attemptCancel != nil {
		p.attemptCancel()
		p.attemptCancel = nil
	}
	p.attemptGen++
}

func (p *Peer) Name() string {
	if p.Cfg != nil && p.Cfg.Name != "" {
		return p.Cfg.Name
	}
	return string(p.Id)
}
