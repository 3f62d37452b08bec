package core

import (
	"context"
	"errors"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/encodeous/weft/tunnel"
)

var (
	ErrNoRoute      = errors.New("no route to destination")
	ErrRelayRefused = errors.New("relay refused")
)

// handleRelayRequest applies local relay policy: we agree to carry frames
// towards dst only when relaying is enabled here and dst is directly
// connected.
func (w *Weft) handleRelayRequest(s *state.State, from state.PeerId, req *protocol.RelayRequest) {
	dst := state.PeerId(req.Dst)
	resp := &protocol.RelayResponse{Dst: req.Dst, Accept: true}
	if !s.AllowRelay {
		resp.Accept = false
		resp.Reason = "relaying disabled"
	} else if dp := w.peers[dst]; dp == nil || dp.S != PeerEstablished {
		resp.Accept = false
		resp.Reason = "destination not connected"
	}
	t := w.tunnelFor(from)
	if t == nil {
		return
	}
	if err := t.SendControl(&protocol.Message{RelayResponse: resp}); err != nil {
		s.Log.Debug("relay response failed", "to", from, "err", err)
	}
	if resp.Accept {
		s.Log.Info("relaying for", "peer", from, "dst", dst)
	}
}

// relaySender routes sealed frames for dst through the current next hop.
// It is the FrameSender behind every relayed tunnel.
type relaySender struct {
	w   *Weft
	dst state.PeerId
}

func (r relaySender) SendFrame(frame []byte) error {
	e, ok := r.w.env.Routes().Next(r.dst)
	if !ok {
		return ErrNoRoute
	}
	nh := r.w.directTunnel(e.Nh)
	if nh == nil {
		return ErrNoRoute
	}
	return nh.Forward(frame)
}

// relayPipe carries handshake messages inside cleartext handshake-flagged
// frames routed across the mesh, standing in for a direct channel while a
// relayed tunnel is negotiated.
type relayPipe struct {
	w       *Weft
	peer    state.PeerId
	inbox   chan []byte
	claimed bool // an initiator owns the pipe; don't spawn a responder
}

func (p *relayPipe) SendMsg(b []byte) error {
	hdr := protocol.Header{
		Type:     protocol.FrameControl,
		HopLimit: state.DefaultHopLimit,
		Flags:    protocol.FlagHandshake,
		Src:      string(p.w.env.LocalCfg.Id()),
		Dst:      string(p.peer),
	}
	frame := protocol.AppendFrame(make([]byte, 0, protocol.HeaderLen+len(b)), hdr, b)
	return relaySender{w: p.w, dst: p.peer}.SendFrame(frame)
}

func (p *relayPipe) RecvMsg(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-p.inbox:
		if !ok {
			return nil, transport.ErrChannelClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// openRelayPipe returns the pipe towards peer, creating it if needed.
// Reports whether the caller is the first opener.
func (w *Weft) openRelayPipe(peer state.PeerId, claim bool) (*relayPipe, bool) {
	w.relayMu.Lock()
	defer w.relayMu.Unlock()
	if p, ok := w.relayPipes[peer]; ok {
		return p, false
	}
	p := &relayPipe{
		w:       w,
		peer:    peer,
		inbox:   make(chan []byte, 8),
		claimed: claim,
	}
	w.relayPipes[peer] = p
	return p, true
}

// closeRelayPipe removes and closes the pipe towards peer. The close happens
// under relayMu, the same lock deliverRelayFrame sends under, so a late frame
// can never hit a closed inbox.
func (w *Weft) closeRelayPipe(peer state.PeerId) {
	w.relayMu.Lock()
	defer w.relayMu.Unlock()
	if p, ok := w.relayPipes[peer]; ok {
		delete(w.relayPipes, peer)
		close(p.inbox)
	}
}

// deliverRelayFrame hands a handshake payload to the pipe for src, creating
// the pipe on first contact. Reports whether a responder should be spawned.
func (w *Weft) deliverRelayFrame(src state.PeerId, payload []byte) (*relayPipe, bool) {
	w.relayMu.Lock()
	defer w.relayMu.Unlock()
	pipe, ok := w.relayPipes[src]
	if !ok {
		pipe = &relayPipe{
			w:     w,
			peer:  src,
			inbox: make(chan []byte, 8),
		}
		w.relayPipes[src] = pipe
	}
	select {
	case pipe.inbox <- payload:
	default:
		// handshake messages are tiny and few; overflow means garbage
	}
	// only a pipe we just created needs a responder; claimed pipes belong
	// to an in-flight initiator
	return pipe, !ok
}

// relayHandshake runs the initiator handshake towards id through whatever
// relay path the route table currently offers.
func (w *Weft) relayHandshake(ctx context.Context, id state.PeerId, pub state.WfPublicKey) *tunnel.Session {
	pipe, _ := w.openRelayPipe(id, true)
	defer w.closeRelayPipe(id)
	hctx, cancel := context.WithTimeout(ctx, state.HandshakeTimeout)
	defer cancel()
	sess, err := tunnel.Initiate(hctx, pipe, w.env.Key, w.env.LocalCfg.Id(), id, pub)
	if err != nil {
		w.env.Log.Debug("relayed handshake failed", "peer", id, "err", err)
		return nil
	}
	return sess
}

// onRelayHandshakeFrame feeds a handshake-flagged frame addressed to us into
// the pipe for its source, spawning the responder side on first contact.
// Runs on tunnel read goroutines.
func (w *Weft) onRelayHandshakeFrame(src state.PeerId, payload []byte) {
	if w.env.GetPeer(src) == nil {
		return
	}
	pipe, spawn := w.deliverRelayFrame(src, payload)
	if !spawn {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.respondRelayed(pipe)
	}()
}

func (w *Weft) respondRelayed(pipe *relayPipe) {
	defer w.closeRelayPipe(pipe.peer)
	ctx, cancel := context.WithTimeout(w.env.Context, state.HandshakeTimeout)
	defer cancel()
	raw, err := pipe.RecvMsg(ctx)
	if err != nil {
		return
	}
	id, err := tunnel.Identify(raw)
	if err != nil || id != pipe.peer {
		return
	}
	cfg := w.env.GetPeer(id)
	if cfg == nil {
		return
	}
	sess, sender, err := tunnel.Respond(pipe, raw, w.env.Key, w.env.LocalCfg.Id(), cfg.PubKey)
	if err != nil {
		w.env.Log.Warn("relayed inbound handshake failed", "peer", id, "err", err)
		return
	}
	w.env.Dispatch(func(s *state.State) error {
		p := w.peers[sender]
		if p == nil {
			return nil
		}
		t := w.buildTunnel(sender, nil, relaySender{w: w, dst: sender}, sess)
		return w.adoptTunnel(s, p, t)
	})
}
