package core

import (
	"context"
	"fmt"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/encodeous/weft/tunnel"
)

// transition moves a peer machine to a new state and runs the entry action.
// Illegal transitions are programming errors and abort the engine; event
// handlers guard on the current state before calling in here.
func (w *Weft) transition(s *state.State, p *Peer, to PeerState) error {
	if !canTransition(p.S, to) {
		return fmt.Errorf("illegal peer transition %s: %s -> %s", p.Name(), p.S, to)
	}
	s.Log.Debug("peer state", "peer", p.Name(), "from", p.S.String(), "to", to.String())
	p.S = to
	p.Since = time.Now()
	p.Epoch++

	switch to {
	case PeerDiscovering:
		return w.enterDiscovering(s, p)
	case PeerCandidateGathering:
		return w.enterGathering(s, p)
	case PeerConnecting:
		w.startConnect(s, p)
	case PeerEstablished:
		w.enterLive(s, p)
	case PeerRelaying:
		w.enterLive(s, p)
	case PeerDegraded:
		return w.enterDegraded(s, p)
	case PeerClosing:
		return w.enterClosing(s, p)
	case PeerClosed:
		w.enterClosed(s, p)
	}
	return nil
}

func (w *Weft) enterDiscovering(s *state.State, p *Peer) error {
	if len(p.Candidates) > 0 {
		return w.transition(s, p, PeerCandidateGathering)
	}
	// nothing known yet; the mesh may know more than our config does
	w.solicitCandidates(s, p.Id)
	return nil
}

func (w *Weft) enterGathering(s *state.State, p *Peer) error {
	p.Candidates = state.PruneCandidates(p.Candidates, time.Now())
	w.solicitCandidates(s, p.Id)
	epoch := p.Epoch
	s.ScheduleTask(func(s *state.State) error {
		if p.S != PeerCandidateGathering || p.Epoch != epoch {
			return nil
		}
		if len(p.Candidates) == 0 {
			return w.transition(s, p, PeerDiscovering)
		}
		return w.transition(s, p, PeerConnecting)
	}, state.CandidateGatherWindow)
	return nil
}

// enterLive is shared by Established and Relaying.
func (w *Weft) enterLive(s *state.State, p *Peer) {
	p.backoff.Reset()
	p.wasRelayed = p.S == PeerRelaying
	s.Log.Info("peer up", "peer", p.Name(),
		"path", map[bool]string{false: "direct", true: "relay"}[p.Active.Relayed()],
		"kind", p.Active.Kind().String(), "addr", p.Active.RemoteAddr())

	r := Get[*WeftRouter](s)
	r.scheduleAdvertise(s)
	r.syncTo(s, p)

	// tell the peer where we see it, so it can learn its reflexive address
	if !p.Active.Relayed() {
		err := p.Active.SendControl(&protocol.Message{Candidates: &protocol.CandidateExchange{
			Peer:     string(p.Id),
			Observed: p.Active.RemoteAddr(),
		}})
		if err != nil {
			s.Log.Debug("observed-address exchange failed", "peer", p.Name(), "err", err)
		}
	}
}

func (w *Weft) enterDegraded(s *state.State, p *Peer) error {
	s.Log.Warn("peer degraded", "peer", p.Name())
	// routes must stop using this link now, not when the next advert fires
	r := Get[*WeftRouter](s)
	r.scheduleAdvertise(s)
	if err := r.recompute(s); err != nil {
		return err
	}
	w.degradedProbe(s, p, p.Epoch)
	return nil
}

// degradedProbe re-probes aggressively without tearing anything down, then
// either recovers the link or declares it dead.
func (w *Weft) degradedProbe(s *state.State, p *Peer, epoch uint64) {
	if p.S != PeerDegraded || p.Epoch != epoch {
		return
	}
	t := p.Active
	if t == nil {
		_ = w.transition(s, p, PeerClosing)
		return
	}
	if time.Since(t.LastHeard()) < state.ProbeDelay {
		s.Log.Info("peer recovered", "peer", p.Name())
		if p.wasRelayed {
			_ = w.transition(s, p, PeerRelaying)
		} else {
			_ = w.transition(s, p, PeerEstablished)
		}
		return
	}
	if time.Since(p.Since) > state.DegradedGracePeriod {
		_ = w.transition(s, p, PeerClosing)
		return
	}
	t.Probe()
	s.ScheduleTask(func(s *state.State) error {
		w.degradedProbe(s, p, epoch)
		return nil
	}, state.DegradedProbeDelay)
}

func (w *Weft) enterClosing(s *state.State, p *Peer) error {
	p.cancelAttempt()
	w.mu.RLock()
	var owned []*tunnel.Tunnel
	for _, t := range w.tunnels {
		if t.Peer == p.Id {
			owned = append(owned, t)
		}
	}
	w.mu.RUnlock()
	for _, t := range owned {
		w.dropTunnel(t)
	}
	p.Active = nil
	p.RelayVia = ""
	w.closeRelayPipe(p.Id)
	r := Get[*WeftRouter](s)
	r.scheduleAdvertise(s)
	if err := r.recompute(s); err != nil {
		return err
	}
	return w.transition(s, p, PeerClosed)
}

func (w *Weft) enterClosed(s *state.State, p *Peer) {
	if p.userClosed || w.env.Stopping.Load() {
		return
	}
	delay := p.backoff.NextBackOff()
	s.Log.Debug("peer closed, will retry", "peer", p.Name(), "delay", delay)
	epoch := p.Epoch
	s.ScheduleTask(func(s *state.State) error {
		if p.S != PeerClosed || p.Epoch != epoch {
			return nil
		}
		return w.transition(s, p, PeerDiscovering)
	}, delay)
}

// livenessScan walks every live peer once a second and degrades the ones
// whose tunnels have gone quiet past the miss threshold.
func (w *Weft) livenessScan(s *state.State) error {
	for _, p := range w.peers {
		if !p.S.Live() || p.Active == nil {
			continue
		}
		if p.Active.Missed() >= state.ProbeMissThreshold {
			if err := w.transition(s, p, PeerDegraded); err != nil {
				return err
			}
		}
	}
	return nil
}

// adoptTunnel promotes a freshly handshaken tunnel, walking the machine
// through whatever legal states separate it from the target. Inbound
// connections can arrive in any state; an attached tunnel always wins over
// waiting, but never displaces a live one.
func (w *Weft) adoptTunnel(s *state.State, p *Peer, t *tunnel.Tunnel) error {
	w.registerTunnel(t)
	target := PeerEstablished
	if t.Relayed() {
		target = PeerRelaying
	}

	if p.S.Live() || p.S == PeerDegraded {
		if p.Active != nil && time.Since(p.Active.LastHeard()) < state.LinkDeadThreshold && !p.Active.Relayed() {
			// current direct tunnel is healthy, keep the new one as a
			// secondary; the remote may be using it as its promoted path
			return nil
		}
		if target == PeerRelaying && p.S == PeerEstablished {
			// never downgrade a live direct path to a relay
			return nil
		}
		old := p.Active
		w.promote(p, t)
		if old != nil && old != t {
			w.dropTunnel(old)
		}
		if p.S == PeerDegraded {
			return w.transition(s, p, target)
		}
		Get[*WeftRouter](s).scheduleAdvertise(s)
		return nil
	}

	// walk the machine to Connecting through legal intermediate states
	for p.S != PeerConnecting {
		var next PeerState
		switch p.S {
		case PeerUnknown, PeerClosed:
			next = PeerDiscovering
		case PeerDiscovering:
			next = PeerCandidateGathering
		case PeerCandidateGathering:
			next = PeerConnecting
		case PeerClosing:
			// mid-teardown; let the close finish, the GC reaps the tunnel
			return nil
		}
		p.S = next
		p.Epoch++
	}
	p.cancelAttempt()
	w.promote(p, t)
	return w.transition(s, p, target)
}

// onTunnelDown reacts to a transport-level failure of a registered tunnel.
// Runs on tunnel goroutines.
func (w *Weft) onTunnelDown(t *tunnel.Tunnel, err error) {
	w.env.Dispatch(func(s *state.State) error {
		w.mu.RLock()
		_, known := w.tunnels[t.Id]
		w.mu.RUnlock()
		if !known {
			return nil
		}
		p := w.peers[t.Peer]
		if p == nil || p.Active != t {
			w.dropTunnel(t)
			return nil
		}
		s.Log.Warn("tunnel failed", "peer", p.Name(), "err", err)
		if p.S.Live() || p.S == PeerDegraded {
			return w.transition(s, p, PeerClosing)
		}
		w.dropTunnel(t)
		return nil
	})
}

// handleInbound runs the responder handshake on a freshly accepted channel.
func (w *Weft) handleInbound(ch transport.Channel) {
	ctx, cancel := context.WithTimeout(w.env.Context, state.HandshakeTimeout)
	defer cancel()
	pipe := tunnel.ChannelPipe(ch)
	raw, err := pipe.RecvMsg(ctx)
	if err != nil {
		_ = ch.Close()
		return
	}
	id, err := tunnel.Identify(raw)
	if err != nil {
		_ = ch.Close()
		return
	}
	cfg := w.env.GetPeer(id)
	if cfg == nil {
		w.env.Log.Warn("rejecting unknown peer", "claimed", id, "addr", ch.RemoteAddr())
		_ = ch.Close()
		return
	}
	sess, sender, err := tunnel.Respond(pipe, raw, w.env.Key, w.env.LocalCfg.Id(), cfg.PubKey)
	if err != nil {
		w.env.Log.Warn("inbound handshake failed", "peer", id, "err", err)
		_ = ch.Close()
		return
	}
	w.env.Dispatch(func(s *state.State) error {
		p := w.peers[sender]
		if p == nil {
			_ = ch.Close()
			return nil
		}
		t := w.buildTunnel(sender, ch, nil, sess)
		return w.adoptTunnel(s, p, t)
	})
}

// buildTunnel wires a tunnel's callbacks into the engine. Channel is nil for
// relayed tunnels, in which case sender must route frames instead.
func (w *Weft) buildTunnel(peer state.PeerId, ch transport.Channel, sender tunnel.FrameSender, sess *tunnel.Session) *tunnel.Tunnel {
	return tunnel.New(tunnel.Config{
		Self:      w.env.LocalCfg.Id(),
		Peer:      peer,
		Channel:   ch,
		Sender:    sender,
		Session:   sess,
		Log:       w.env.Log,
		Deliver:   w.onFrame,
		OnData:    w.onData,
		OnControl: w.onControl,
		OnDown:    w.onTunnelDown,
	})
}
