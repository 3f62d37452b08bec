package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/encodeous/weft/state"
)

// BuildSnapshot assembles a read-only view of the mesh for management
// surfaces. Dispatch loop only.
func BuildSnapshot(s *state.State) state.TelemetrySnapshot {
	w := Get[*Weft](s)
	snap := state.TelemetrySnapshot{
		Self:  s.Id(),
		Taken: time.Now(),
	}
	for _, p := range w.peers {
		ps := state.PeerSnapshot{
			Id:         p.Id,
			Name:       p.Name(),
			State:      p.S.String(),
			Since:      p.Since,
			Candidates: len(p.Candidates),
		}
		if p.Active != nil {
			ps.Transport = p.Active.Kind().String()
			ps.Endpoint = p.Active.RemoteAddr()
			ps.Rtt = p.Active.Rtt()
			ps.Metric = p.Active.Metric()
		}
		snap.Peers = append(snap.Peers, ps)
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].Id < snap.Peers[j].Id })

	rt := s.Routes()
	for _, e := range rt.ByPeer {
		snap.Routes = append(snap.Routes, state.RouteSnapshot{
			Dst:    e.Dst,
			Nh:     e.Nh,
			Metric: e.Metric,
			Kind:   e.Kind.String(),
			Gen:    rt.Gen,
		})
	}
	sort.Slice(snap.Routes, func(i, j int) bool { return snap.Routes[i].Dst < snap.Routes[j].Dst })
	return snap
}

// DumpState renders the snapshot as text for the local debug endpoint.
func DumpState(s *state.State) string {
	snap := BuildSnapshot(s)
	var sb strings.Builder
	fmt.Fprintf(&sb, "node %s (%s)\n", s.Name, snap.Self)
	fmt.Fprintf(&sb, "taken %s\n\n", snap.Taken.Format(time.RFC3339))

	sb.WriteString("peers:\n")
	for _, p := range snap.Peers {
		fmt.Fprintf(&sb, "  %-16s %-12s", p.Name, p.State)
		if p.Endpoint != "" {
			fmt.Fprintf(&sb, " via %s/%s rtt=%s metric=%d", p.Transport, p.Endpoint, p.Rtt.Round(time.Microsecond), p.Metric)
		}
		fmt.Fprintf(&sb, " cands=%d since=%s\n", p.Candidates, time.Since(p.Since).Round(time.Second))
	}

	fmt.Fprintf(&sb, "\nroutes (gen %d):\n", s.Routes().Gen)
	for _, r := range snap.Routes {
		fmt.Fprintf(&sb, "  %-18s -> %-18s %-7s metric=%d\n", r.Dst, r.Nh, r.Kind, r.Metric)
	}

	sb.WriteString("\ndirectory:\n")
	origins := make([]state.PeerId, 0, len(s.Directory.ByOrigin))
	for o := range s.Directory.ByOrigin {
		origins = append(origins, o)
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i] < origins[j] })
	for _, o := range origins {
		ls := s.Directory.ByOrigin[o]
		fmt.Fprintf(&sb, "  %-18s seqno=%d links=%d relay=%v age=%s\n",
			o, ls.Seqno, len(ls.Links), ls.AllowRelay, time.Since(ls.UpdatedAt).Round(time.Second))
	}
	return sb.String()
}
