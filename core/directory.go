package core

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/jellydator/ttlcache/v3"
)

// WeftRouter owns the peer directory and the route table. Adverts are
// flooded with per-(origin,seqno) dedup; every accepted change recomputes
// the table and publishes a fresh immutable snapshot.
type WeftRouter struct {
	FloodDedup *ttlcache.Cache[string, struct{}]

	advertPending bool
}

func (r *WeftRouter) Init(s *state.State) error {
	s.Log.Debug("init router")
	s.Directory = state.NewDirectoryState(s.Id())
	r.FloodDedup = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](state.FloodDedupTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go r.FloodDedup.Start()

	s.RepeatTask(func(s *state.State) error {
		return Get[*WeftRouter](s).advertise(s)
	}, state.LinkStateAdvertDelay)
	s.RepeatTask(func(s *state.State) error {
		return Get[*WeftRouter](s).expire(s)
	}, state.GcDelay)
	return nil
}

func (r *WeftRouter) Cleanup(s *state.State) error {
	r.FloodDedup.Stop()
	return nil
}

// scheduleAdvertise requests a near-immediate advert, coalescing bursts of
// topology changes into one update.
func (r *WeftRouter) scheduleAdvertise(s *state.State) {
	if r.advertPending {
		return
	}
	r.advertPending = true
	s.ScheduleTask(func(s *state.State) error {
		return Get[*WeftRouter](s).advertise(s)
	}, time.Millisecond*200)
}

// advertise rebuilds our own link state, bumps the sequence number and
// floods the result.
func (r *WeftRouter) advertise(s *state.State) error {
	r.advertPending = false
	d := s.Directory
	d.SelfSeqno++

	neighbors := Get[*Weft](s).liveNeighbors()
	links := make([]state.LinkInfo, 0, len(neighbors))
	for id, cost := range neighbors {
		links = append(links, state.LinkInfo{Peer: id, Cost: cost})
	}

	var prefixes []netip.Prefix
	if self := s.GetPeer(d.Self); self != nil {
		prefixes = state.CoalescePrefix(self.Prefixes)
	}

	ls := &state.LinkState{
		Origin:     d.Self,
		Seqno:      d.SelfSeqno,
		Links:      links,
		Prefixes:   prefixes,
		AllowRelay: s.AllowRelay,
		UpdatedAt:  time.Now(),
	}
	d.ByOrigin[d.Self] = ls
	r.flood(s, ls, "")
	return r.recompute(s)
}

// handleAdvert merges one received advert. Stale or duplicate sequence
// numbers are ignored, making redelivery idempotent; accepted adverts are
// re-flooded exactly once per (origin, seqno).
func (r *WeftRouter) handleAdvert(s *state.State, from state.PeerId, adv *protocol.LinkStateAdvert) {
	origin := state.PeerId(adv.Origin)
	if s.GetPeer(origin) == nil {
		s.Log.Debug("advert from unknown origin", "origin", adv.Origin, "via", from)
		return
	}
	d := s.Directory

	if origin == d.Self {
		// an echo of our own past life; make sure we outrun it
		if state.SeqnoGe(adv.Seqno, d.SelfSeqno) {
			d.SelfSeqno = adv.Seqno
			r.scheduleAdvertise(s)
		}
		return
	}

	key := dedupKey(origin, adv.Seqno)
	if r.FloodDedup.Has(key) {
		return
	}
	r.FloodDedup.Set(key, struct{}{}, ttlcache.DefaultTTL)

	if cur := d.Get(origin); cur != nil && !state.SeqnoLt(cur.Seqno, adv.Seqno) {
		return
	}

	ls := fromAdvert(adv)
	d.ByOrigin[origin] = ls
	s.Log.Debug("directory update", "origin", origin, "seqno", adv.Seqno, "links", len(ls.Links))

	r.flood(s, ls, from)
	if err := r.recompute(s); err != nil {
		s.Log.Error("route recompute failed", "err", err)
	}
}

// flood sends an advert to every live direct neighbor except the one it
// came from.
func (r *WeftRouter) flood(s *state.State, ls *state.LinkState, except state.PeerId) {
	w := Get[*Weft](s)
	msg := &protocol.Message{LinkState: toAdvert(ls)}
	for id, p := range w.peers {
		if id == except || !p.S.Live() || p.Active == nil || p.Active.Relayed() {
			continue
		}
		if err := p.Active.SendControl(msg); err != nil {
			s.Log.Debug("advert flood failed", "to", id, "err", err)
		}
	}
}

// syncTo replays the whole directory to a peer that just came up, so it
// doesn't have to wait a full advert interval to learn the topology.
func (r *WeftRouter) syncTo(s *state.State, p *Peer) {
	if p.Active == nil {
		return
	}
	for _, ls := range s.Directory.ByOrigin {
		if ls.Origin == p.Id {
			continue
		}
		if err := p.Active.SendControl(&protocol.Message{LinkState: toAdvert(ls)}); err != nil {
			s.Log.Debug("directory sync failed", "to", p.Id, "err", err)
			return
		}
	}
}

// expire drops directory entries whose origin has gone silent.
func (r *WeftRouter) expire(s *state.State) error {
	d := s.Directory
	now := time.Now()
	changed := false
	for origin, ls := range d.ByOrigin {
		if origin == d.Self {
			continue
		}
		if ls.Expired(now) {
			s.Log.Debug("directory entry expired", "origin", origin)
			delete(d.ByOrigin, origin)
			changed = true
		}
	}
	if changed {
		return r.recompute(s)
	}
	return nil
}

// recompute rebuilds the route table and publishes it atomically if it
// differs from the current snapshot.
func (r *WeftRouter) recompute(s *state.State) error {
	neighbors := Get[*Weft](s).liveNeighbors()
	next := ComputeRoutes(s.Directory, neighbors, &s.CentralCfg)

	cur := s.Routes()
	if routesEqual(cur, next) {
		return nil
	}
	next.Gen = cur.Gen + 1
	s.RouteSnapshot.Store(next)
	s.Log.Debug("routes updated", "gen", next.Gen, "entries", len(next.ByPeer))
	return nil
}

func dedupKey(origin state.PeerId, seqno uint16) string {
	return fmt.Sprintf("%s/%d", origin, seqno)
}

func toAdvert(ls *state.LinkState) *protocol.LinkStateAdvert {
	adv := &protocol.LinkStateAdvert{
		Origin:     string(ls.Origin),
		Seqno:      ls.Seqno,
		AllowRelay: ls.AllowRelay,
	}
	for _, l := range ls.Links {
		adv.Links = append(adv.Links, protocol.Link{Peer: string(l.Peer), Cost: l.Cost})
	}
	for _, p := range ls.Prefixes {
		adv.Prefixes = append(adv.Prefixes, p.String())
	}
	return adv
}

func fromAdvert(adv *protocol.LinkStateAdvert) *state.LinkState {
	ls := &state.LinkState{
		Origin:     state.PeerId(adv.Origin),
		Seqno:      adv.Seqno,
		AllowRelay: adv.AllowRelay,
		UpdatedAt:  time.Now(),
	}
	for _, l := range adv.Links {
		ls.Links = append(ls.Links, state.LinkInfo{Peer: state.PeerId(l.Peer), Cost: l.Cost})
	}
	for _, ps := range adv.Prefixes {
		if p, err := netip.ParsePrefix(ps); err == nil {
			ls.Prefixes = append(ls.Prefixes, p)
		}
	}
	return ls
}
