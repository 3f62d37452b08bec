package core

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/encodeous/weft/nic"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/encodeous/weft/tunnel"
	"github.com/google/uuid"
)

// Weft owns connectivity: transport listeners, the per-peer state machines,
// the tunnels they establish and the forwarding pipeline between them. Peer
// and state-machine fields are touched only on the dispatch loop; the tunnel
// registry is additionally read by forwarding goroutines under w.mu.
type Weft struct {
	env *state.Env

	// wired by the engine before Init
	Registry     *transport.Registry
	ListenAddrs  map[transport.Kind]string
	Device       nic.Device
	Discoveries  <-chan state.Discovery
	DiscoveryOut chan<- state.Discovery

	listeners []transport.Listener
	peers     map[state.PeerId]*Peer

	mu      sync.RWMutex
	tunnels map[uuid.UUID]*tunnel.Tunnel
	active  map[state.PeerId]*tunnel.Tunnel

	relayMu    sync.Mutex
	relayPipes map[state.PeerId]*relayPipe

	relayWaiters map[state.Pair[state.PeerId, state.PeerId]]chan bool

	// server-reflexive addresses peers have observed us at, shared when
	// someone asks for our candidates
	selfObserved []state.Candidate

	wg sync.WaitGroup
}

func (w *Weft) Init(s *state.State) error {
	w.env = s.Env
	w.peers = make(map[state.PeerId]*Peer)
	w.tunnels = make(map[uuid.UUID]*tunnel.Tunnel)
	w.active = make(map[state.PeerId]*tunnel.Tunnel)
	w.relayPipes = make(map[state.PeerId]*relayPipe)
	w.relayWaiters = make(map[state.Pair[state.PeerId, state.PeerId]]chan bool)

	if w.Registry == nil {
		reg, err := buildRegistry(s)
		if err != nil {
			return err
		}
		w.Registry = reg
	}

	if err := w.listen(s); err != nil {
		return err
	}

	self := s.Id()
	for i := range s.CentralCfg.Peers {
		cfg := &s.CentralCfg.Peers[i]
		if cfg.Id() == self {
			continue
		}
		p := newPeer(cfg.Id(), cfg)
		w.peers[p.Id] = p
	}
	// kick every machine off next tick, once all modules are up
	s.Dispatch(func(s *state.State) error {
		for _, p := range w.peers {
			if err := w.transition(s, p, PeerDiscovering); err != nil {
				return err
			}
		}
		return nil
	})

	s.RepeatTask(w.livenessScan, state.GcDelay)
	s.RepeatTask(w.gcTunnels, state.GcDelay)
	s.RepeatTask(func(s *state.State) error {
		now := time.Now()
		for _, p := range w.peers {
			p.Candidates = state.PruneCandidates(p.Candidates, now)
		}
		w.selfObserved = state.PruneCandidates(w.selfObserved, now)
		return nil
	}, time.Minute)

	if w.Discoveries != nil {
		w.wg.Add(1)
		go w.consumeDiscoveries()
	}

	if w.Device != nil {
		w.wg.Add(1)
		go w.deviceLoop()
	}

	if s.DebugPort != 0 {
		w.serveDebug(s)
	}
	return nil
}

func buildRegistry(s *state.State) (*transport.Registry, error) {
	kinds, err := s.EnabledKinds()
	if err != nil {
		return nil, err
	}
	var backends []transport.Backend
	for _, k := range kinds {
		switch k {
		case transport.KindTCP:
			backends = append(backends, transport.NewTCP())
		case transport.KindUDP:
			backends = append(backends, transport.NewUDP())
		case transport.KindQUIC:
			b, err := transport.NewQUIC()
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		case transport.KindWS:
			backends = append(backends, transport.NewWS())
		default:
			return nil, fmt.Errorf("transport %s cannot be constructed from config", k)
		}
	}
	return transport.NewRegistry(backends...), nil
}

// listen binds one listener per enabled backend. tcp and udp share the base
// port; ws and quic take base+1 since each would collide with tcp/udp
// respectively on the same socket namespace.
func (w *Weft) listen(s *state.State) error {
	bind := s.BindAddr
	if bind == "" {
		bind = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = state.DefaultPort
	}
	for _, k := range w.Registry.Kinds() {
		backend, _ := w.Registry.Get(k)
		addr, ok := w.ListenAddrs[k]
		if !ok {
			p := port
			if k == transport.KindWS || k == transport.KindQUIC {
				p++
			}
			addr = fmt.Sprintf("%s:%d", bind, p)
		}
		l, err := backend.Listen(s.Context, addr)
		if err != nil {
			return fmt.Errorf("listen %s on %s: %w", k, addr, err)
		}
		s.Log.Info("listening", "kind", k.String(), "addr", l.Addr())
		w.listeners = append(w.listeners, l)
		w.wg.Add(1)
		go w.acceptLoop(l)
	}
	return nil
}

func (w *Weft) acceptLoop(l transport.Listener) {
	defer w.wg.Done()
	for {
		ch, err := l.Accept()
		if err != nil {
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.handleInbound(ch)
		}()
	}
}

func (w *Weft) consumeDiscoveries() {
	defer w.wg.Done()
	for {
		select {
		case <-w.env.Context.Done():
			return
		case d, ok := <-w.Discoveries:
			if !ok {
				return
			}
			w.env.Dispatch(func(s *state.State) error {
				w.addCandidate(s, d.Peer, d.Endpoint)
				return nil
			})
		}
	}
}

// registerTunnel makes a tunnel visible to the forwarding goroutines and
// starts its loops. Dispatch loop only.
func (w *Weft) registerTunnel(t *tunnel.Tunnel) {
	w.mu.Lock()
	w.tunnels[t.Id] = t
	w.mu.Unlock()
	t.Start()
}

func (w *Weft) dropTunnel(t *tunnel.Tunnel) {
	w.mu.Lock()
	delete(w.tunnels, t.Id)
	if w.active[t.Peer] == t {
		delete(w.active, t.Peer)
	}
	w.mu.Unlock()
	t.Close()
}

func (w *Weft) promote(p *Peer, t *tunnel.Tunnel) {
	w.mu.Lock()
	w.active[p.Id] = t
	w.mu.Unlock()
	p.Active = t
}

// tunnelFor returns the promoted tunnel for a peer, if any. Safe from any
// goroutine.
func (w *Weft) tunnelFor(id state.PeerId) *tunnel.Tunnel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active[id]
}

// directTunnel is tunnelFor restricted to tunnels owning a real channel;
// transit frames can only ride those.
func (w *Weft) directTunnel(id state.PeerId) *tunnel.Tunnel {
	t := w.tunnelFor(id)
	if t == nil || t.Relayed() {
		return nil
	}
	return t
}

// liveNeighbors are the direct links we advertise and route through: one
// entry per Established/Degraded-free peer with a promoted direct tunnel.
func (w *Weft) liveNeighbors() map[state.PeerId]uint32 {
	out := make(map[state.PeerId]uint32)
	for id, p := range w.peers {
		if p.S != PeerEstablished || p.Active == nil || p.Active.Relayed() {
			continue
		}
		m := p.Active.Metric()
		if m == state.INF {
			continue
		}
		if m == 0 {
			m = 1
		}
		out[id] = m
	}
	return out
}

// gcTunnels reaps secondary tunnels nothing has used for a while. The
// promoted tunnel is left to the liveness scan.
func (w *Weft) gcTunnels(s *state.State) error {
	var dead []*tunnel.Tunnel
	w.mu.RLock()
	for _, t := range w.tunnels {
		if w.active[t.Peer] == t {
			continue
		}
		if time.Since(t.LastHeard()) > state.LinkDeadThreshold {
			dead = append(dead, t)
		}
	}
	w.mu.RUnlock()
	for _, t := range dead {
		s.Log.Debug("reaping idle tunnel", "peer", t.Peer, "kind", t.Kind().String())
		w.dropTunnel(t)
	}
	return nil
}

func (w *Weft) serveDebug(s *state.State) {
	http.HandleFunc("/debug/state", func(rw http.ResponseWriter, r *http.Request) {
		res, err := s.DispatchWait(func(s *state.State) (any, error) {
			return DumpState(s), nil
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = rw.Write([]byte(res.(string)))
	})
	addr := fmt.Sprintf("127.0.0.1:%d", s.DebugPort)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		srv := &http.Server{Addr: addr}
		go func() {
			<-s.Context.Done()
			_ = srv.Close()
		}()
		_ = srv.ListenAndServe()
	}()
}

func (w *Weft) Cleanup(s *state.State) error {
	for _, l := range w.listeners {
		_ = l.Close()
	}
	for _, p := range w.peers {
		p.cancelAttempt()
	}
	w.mu.Lock()
	tuns := make([]*tunnel.Tunnel, 0, len(w.tunnels))
	for _, t := range w.tunnels {
		tuns = append(tuns, t)
	}
	w.tunnels = make(map[uuid.UUID]*tunnel.Tunnel)
	w.active = make(map[state.PeerId]*tunnel.Tunnel)
	w.mu.Unlock()
	for _, t := range tuns {
		t.Close()
	}
	if w.Device != nil {
		_ = w.Device.Close()
	}

	// bounded drain: give in-flight goroutines a moment to finish, then go
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(state.ShutdownDrain):
		s.Log.Warn("shutdown drain timed out, abandoning stragglers")
	}
	return nil
}

// onControl handles decrypted control messages coming up from any tunnel.
// Runs on tunnel goroutines; hops onto the dispatch loop.
func (w *Weft) onControl(t *tunnel.Tunnel, msg *protocol.Message) {
	from := t.Peer
	w.env.Dispatch(func(s *state.State) error {
		switch {
		case msg.LinkState != nil:
			Get[*WeftRouter](s).handleAdvert(s, from, msg.LinkState)
		case msg.Candidates != nil:
			w.handleCandidates(s, from, t.Kind(), msg.Candidates)
		case msg.RelayRequest != nil:
			w.handleRelayRequest(s, from, msg.RelayRequest)
		case msg.RelayResponse != nil:
			w.handleRelayResponse(s, from, msg.RelayResponse)
		}
		return nil
	})
}

func (w *Weft) addCandidate(s *state.State, id state.PeerId, cand state.Candidate) {
	p := w.peers[id]
	if p == nil {
		return
	}
	if cand.LastSeen.IsZero() {
		cand.LastSeen = time.Now()
	}
	known := hasCandidate(p.Candidates, cand)
	p.Candidates = state.MergeCandidate(p.Candidates, cand)
	if !known {
		w.publishDiscovery(id, cand)
	}
	if p.S == PeerDiscovering {
		_ = w.transition(s, p, PeerCandidateGathering)
	}
}

func hasCandidate(set []state.Candidate, cand state.Candidate) bool {
	for _, c := range set {
		if c.Key() == cand.Key() {
			return true
		}
	}
	return false
}

// publishDiscovery hands a learned candidate to the external signaling
// collaborator, if one is attached. Must never block the dispatch loop.
func (w *Weft) publishDiscovery(id state.PeerId, cand state.Candidate) {
	if w.DiscoveryOut == nil {
		return
	}
	select {
	case w.DiscoveryOut <- state.Discovery{Peer: id, Endpoint: cand}:
	default:
		// slow consumer; it can catch up from a later exchange
	}
}

// handleCandidates serves and consumes the candidate exchange. An exchange
// with no endpoints is a solicitation: reply with everything we know about
// the subject, including the address we observe the asker at.
func (w *Weft) handleCandidates(s *state.State, from state.PeerId, kind transport.Kind, ex *protocol.CandidateExchange) {
	subject := state.PeerId(ex.Peer)
	if ex.Observed != "" && subject == s.Id() {
		// a peer told us where it sees us; remember and re-share
		cand := state.Candidate{
			Kind:     kind,
			Addr:     ex.Observed,
			Source:   state.SourceObserved,
			LastSeen: time.Now(),
		}
		if cand.Kind != transport.KindUnknown {
			fresh := !hasCandidate(w.selfObserved, cand)
			w.selfObserved = state.MergeCandidate(w.selfObserved, cand)
			if fresh {
				w.publishDiscovery(s.Id(), cand)
				w.announceSelf(s)
			}
		}
	}
	src := state.SourceRelayObserved
	if subject == from {
		// the subject itself is reporting addresses it believes it has
		src = state.SourceSelfReported
	}
	for _, we := range ex.Endpoints {
		w.addCandidate(s, subject, state.Candidate{
			Kind:     transport.Kind(we.Kind),
			Addr:     we.Addr,
			Source:   src,
			LastSeen: time.Now(),
		})
	}
	if len(ex.Endpoints) == 0 {
		if subject == s.Id() {
			w.shareSelf(s, from)
		} else {
			w.shareCandidates(s, from, subject)
		}
	}
}

func (w *Weft) selfEndpoints() []protocol.WireEndpoint {
	eps := make([]protocol.WireEndpoint, 0, len(w.selfObserved))
	for _, c := range w.selfObserved {
		eps = append(eps, protocol.WireEndpoint{
			Kind:   uint8(c.Kind),
			Addr:   c.Addr,
			Source: uint8(c.Source),
		})
	}
	return eps
}

// shareSelf answers a solicitation about ourselves with the reflexive
// addresses peers have observed us at.
func (w *Weft) shareSelf(s *state.State, to state.PeerId) {
	eps := w.selfEndpoints()
	if len(eps) == 0 {
		return
	}
	t := w.tunnelFor(to)
	if t == nil {
		return
	}
	err := t.SendControl(&protocol.Message{Candidates: &protocol.CandidateExchange{
		Peer:      string(s.Id()),
		Endpoints: eps,
	}})
	if err != nil {
		s.Log.Debug("self share failed", "to", to, "err", err)
	}
}

// announceSelf pushes a freshly learned reflexive address to every connected
// peer, so third parties can answer solicitations about us later.
func (w *Weft) announceSelf(s *state.State) {
	eps := w.selfEndpoints()
	if len(eps) == 0 {
		return
	}
	msg := &protocol.Message{Candidates: &protocol.CandidateExchange{
		Peer:      string(s.Id()),
		Endpoints: eps,
	}}
	for id, p := range w.peers {
		if !p.S.Live() || p.Active == nil {
			continue
		}
		if err := p.Active.SendControl(msg); err != nil {
			s.Log.Debug("self announce failed", "to", id, "err", err)
		}
	}
}

// shareCandidates answers a solicitation from `to` about `subject`.
func (w *Weft) shareCandidates(s *state.State, to state.PeerId, subject state.PeerId) {
	t := w.tunnelFor(to)
	if t == nil {
		return
	}
	var eps []protocol.WireEndpoint
	if sp := w.peers[subject]; sp != nil {
		for _, c := range sp.Candidates {
			eps = append(eps, protocol.WireEndpoint{
				Kind:   uint8(c.Kind),
				Addr:   c.Addr,
				Source: uint8(c.Source),
			})
		}
		// if the subject is connected to us directly, its channel address
		// is the best candidate we can offer
		if st := w.directTunnel(subject); st != nil {
			eps = append(eps, protocol.WireEndpoint{
				Kind:   uint8(st.Kind()),
				Addr:   st.RemoteAddr(),
				Source: uint8(state.SourceObserved),
			})
		}
	}
	if len(eps) == 0 {
		return
	}
	err := t.SendControl(&protocol.Message{Candidates: &protocol.CandidateExchange{
		Peer:      string(subject),
		Endpoints: eps,
	}})
	if err != nil {
		s.Log.Debug("candidate share failed", "to", to, "err", err)
	}
}

// solicitCandidates asks every connected peer what it knows about subject.
func (w *Weft) solicitCandidates(s *state.State, subject state.PeerId) {
	for id, p := range w.peers {
		if id == subject || !p.S.Live() || p.Active == nil {
			continue
		}
		err := p.Active.SendControl(&protocol.Message{Candidates: &protocol.CandidateExchange{
			Peer: string(subject),
		}})
		if err != nil {
			s.Log.Debug("candidate solicit failed", "via", id, "err", err)
		}
	}
}
