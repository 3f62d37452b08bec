package core

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/encodeous/weft/tunnel"
	"golang.org/x/sync/errgroup"
)

// kindPreference orders transports for dialing: datagram transports carry a
// VPN's traffic best, streams are the compatibility fallback.
func kindPreference(k transport.Kind) int {
	switch k {
	case transport.KindMem:
		return 0
	case transport.KindUDP:
		return 1
	case transport.KindQUIC:
		return 2
	case transport.KindTCP:
		return 3
	case transport.KindWS:
		return 4
	}
	return 5
}

func sortCandidates(cands []state.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Source != cands[j].Source {
			return cands[i].Source < cands[j].Source
		}
		return kindPreference(cands[i].Kind) < kindPreference(cands[j].Kind)
	})
}

type dialOutcome struct {
	ch   transport.Channel
	sess *tunnel.Session
}

type relayOption struct {
	via   state.PeerId
	cost  uint32
	since time.Time
}

// startConnect launches the candidate race for one peer. The race runs off
// the loop; its outcome is fenced by the peer's epoch so a cancelled or
// superseded attempt can never touch the machine.
func (w *Weft) startConnect(s *state.State, p *Peer) {
	p.cancelAttempt()
	ctx, cancel := context.WithCancel(s.Context)
	p.attemptCancel = cancel
	epoch := p.Epoch

	cands := slices.Clone(p.Candidates)
	sortCandidates(cands)
	relays := w.relayOptions(s, p.Id)
	id, pub := p.Id, p.Cfg.PubKey

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.runConnect(ctx, epoch, id, pub, cands, relays)
	}()
}

func (w *Weft) runConnect(ctx context.Context, epoch uint64, id state.PeerId,
	pub state.WfPublicKey, cands []state.Candidate, relays []relayOption) {

	if out := w.raceDials(ctx, id, pub, cands); out != nil {
		w.env.Dispatch(func(s *state.State) error {
			return w.finishDirect(s, epoch, id, out)
		})
		return
	}
	if ctx.Err() != nil {
		return
	}

	for _, rc := range relays {
		ok := w.requestRelay(ctx, rc.via, id)
		if !ok {
			continue
		}
		sess := w.relayHandshake(ctx, id, pub)
		if sess != nil {
			via := rc.via
			w.env.Dispatch(func(s *state.State) error {
				return w.finishRelay(s, epoch, id, via, sess)
			})
			return
		}
		if ctx.Err() != nil {
			return
		}
	}

	w.env.Dispatch(func(s *state.State) error {
		p := w.peers[id]
		if p == nil || p.S != PeerConnecting || p.Epoch != epoch {
			return nil
		}
		s.Log.Debug("all candidates failed", "peer", p.Name(),
			"candidates", len(cands), "relays", len(relays))
		return w.transition(s, p, PeerClosing)
	})
}

// raceDials dials candidates in preference order, staggered so earlier
// candidates get a head start but slow ones don't serialize the attempt.
// Overlapping dials double as the simultaneous-open half of hole punching
// when the remote races towards us at the same time. First completed
// handshake wins; the rest are cancelled.
func (w *Weft) raceDials(ctx context.Context, id state.PeerId,
	pub state.WfPublicKey, cands []state.Candidate) *dialOutcome {

	if w.env.DisablePunch {
		for _, c := range cands {
			if ctx.Err() != nil {
				return nil
			}
			if out := w.dialOne(ctx, id, pub, c); out != nil {
				return out
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	win := make(chan *dialOutcome, 1)

	var eg errgroup.Group
	eg.SetLimit(state.MaxConnectAttempts)
	for i, c := range cands {
		if i > 0 {
			select {
			case <-time.After(state.PunchStagger):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			out := w.dialOne(ctx, id, pub, c)
			if out == nil {
				return nil
			}
			select {
			case win <- out:
				cancel() // we have a winner, stop the rest
			default:
				_ = out.ch.Close()
			}
			return nil
		})
	}
	_ = eg.Wait()

	select {
	case out := <-win:
		return out
	default:
		return nil
	}
}

func (w *Weft) dialOne(ctx context.Context, id state.PeerId,
	pub state.WfPublicKey, c state.Candidate) *dialOutcome {

	backend, ok := w.Registry.Get(c.Kind)
	if !ok {
		return nil
	}
	dctx, dcancel := context.WithTimeout(ctx, state.ConnectTimeout)
	ch, err := backend.Dial(dctx, c.Addr)
	dcancel()
	if err != nil {
		w.env.Log.Debug("dial failed", "peer", id, "kind", c.Kind.String(), "addr", c.Addr, "err", err)
		return nil
	}
	hctx, hcancel := context.WithTimeout(ctx, state.HandshakeTimeout)
	defer hcancel()
	sess, err := tunnel.Initiate(hctx, tunnel.ChannelPipe(ch), w.env.Key, w.env.LocalCfg.Id(), id, pub)
	if err != nil {
		w.env.Log.Debug("handshake failed", "peer", id, "addr", c.Addr, "err", err)
		_ = ch.Close()
		return nil
	}
	return &dialOutcome{ch: ch, sess: sess}
}

func (w *Weft) finishDirect(s *state.State, epoch uint64, id state.PeerId, out *dialOutcome) error {
	p := w.peers[id]
	if p == nil || p.S != PeerConnecting || p.Epoch != epoch {
		_ = out.ch.Close()
		return nil
	}
	t := w.buildTunnel(id, out.ch, nil, out.sess)
	w.registerTunnel(t)
	w.promote(p, t)
	return w.transition(s, p, PeerEstablished)
}

func (w *Weft) finishRelay(s *state.State, epoch uint64, id state.PeerId,
	via state.PeerId, sess *tunnel.Session) error {

	p := w.peers[id]
	if p == nil || p.S != PeerConnecting || p.Epoch != epoch {
		w.closeRelayPipe(id)
		return nil
	}
	t := w.buildTunnel(id, nil, relaySender{w: w, dst: id}, sess)
	w.registerTunnel(t)
	w.promote(p, t)
	p.RelayVia = via
	return w.transition(s, p, PeerRelaying)
}

// relayOptions lists established peers that advertise both a link to dst and
// willingness to relay, ordered by the configured tie-break policy.
func (w *Weft) relayOptions(s *state.State, dst state.PeerId) []relayOption {
	var opts []relayOption
	for id, p := range w.peers {
		if p.S != PeerEstablished || p.Active == nil || p.Active.Relayed() {
			continue
		}
		ls := s.Directory.Get(id)
		if ls == nil || !ls.AllowRelay {
			continue
		}
		for _, l := range ls.Links {
			if l.Peer == dst {
				opts = append(opts, relayOption{
					via:   id,
					cost:  state.AddMetric(p.Active.Metric(), l.Cost),
					since: p.Since,
				})
				break
			}
		}
	}
	firstDiscovered := s.RelayTieBreak == "first-discovered"
	sort.Slice(opts, func(i, j int) bool {
		a, b := opts[i], opts[j]
		if firstDiscovered && !a.since.Equal(b.since) {
			return a.since.Before(b.since)
		}
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		return a.via < b.via
	})
	return opts
}

// requestRelay asks via to carry our frames towards dst and waits for its
// verdict.
func (w *Weft) requestRelay(ctx context.Context, via, dst state.PeerId) bool {
	verdict := make(chan bool, 1)
	key := state.Pair[state.PeerId, state.PeerId]{V1: via, V2: dst}
	_, err := w.env.DispatchWait(func(s *state.State) (any, error) {
		t := w.tunnelFor(via)
		if t == nil {
			verdict <- false
			return nil, nil
		}
		w.relayWaiters[key] = verdict
		err := t.SendControl(&protocol.Message{RelayRequest: &protocol.RelayRequest{Dst: string(dst)}})
		if err != nil {
			delete(w.relayWaiters, key)
			verdict <- false
		}
		return nil, nil
	})
	if err != nil {
		return false
	}
	select {
	case ok := <-verdict:
		return ok
	case <-ctx.Done():
	case <-time.After(state.ConnectTimeout):
	}
	w.env.Dispatch(func(s *state.State) error {
		delete(w.relayWaiters, key)
		return nil
	})
	return false
}

func (w *Weft) handleRelayResponse(s *state.State, from state.PeerId, resp *protocol.RelayResponse) {
	key := state.Pair[state.PeerId, state.PeerId]{V1: from, V2: state.PeerId(resp.Dst)}
	if ch, ok := w.relayWaiters[key]; ok {
		delete(w.relayWaiters, key)
		select {
		case ch <- resp.Accept:
		default:
		}
	}
	if !resp.Accept {
		s.Log.Debug("relay refused", "via", from, "dst", resp.Dst, "reason", resp.Reason)
	}
}
