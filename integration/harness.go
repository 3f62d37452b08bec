//go:build integration

package integration

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/nic"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
)

// Harness runs several engine instances in one process, wired together over
// the in-memory transport network. Each node gets a MemDevice standing in for
// its OS interface, so packets can be injected and observed from the test.
type Harness struct {
	Central state.CentralCfg
	Local   []state.LocalCfg
	Net     *transport.Network
	Devices []*nic.MemDevice
	States  []*state.State

	cuts [][2]string
	wg   sync.WaitGroup
	errs chan error
}

// Cut severs a link before or after Start. Pre-start cuts are applied the
// moment the network exists, so the nodes never see the link at all.
func (h *Harness) Cut(a, b string) {
	if h.Net != nil {
		h.Net.Cut(a, b)
		return
	}
	h.cuts = append(h.cuts, [2]string{a, b})
}

// NewNode registers a node before Start. Its mem endpoint is its name.
func (h *Harness) NewNode(name, virtPrefix string) {
	key := state.GenerateKey()
	h.Local = append(h.Local, state.LocalCfg{
		Key:        key,
		Name:       name,
		AllowRelay: true,
	})
	h.Central.Peers = append(h.Central.Peers, state.PeerCfg{
		Name:       name,
		PubKey:     key.Pubkey(),
		Endpoints:  []string{"mem://" + name},
		Prefixes:   []netip.Prefix{netip.MustParsePrefix(virtPrefix)},
		AllowRelay: true,
	})
}

func (h *Harness) indexOf(name string) int {
	for i := range h.Central.Peers {
		if h.Central.Peers[i].Name == name {
			return i
		}
	}
	panic("unknown node " + name)
}

func (h *Harness) Id(name string) state.PeerId {
	return h.Central.Peers[h.indexOf(name)].Id()
}

func (h *Harness) Device(name string) *nic.MemDevice {
	return h.Devices[h.indexOf(name)]
}

// Start brings every node up and blocks until all dispatch loops are running.
func (h *Harness) Start(t *testing.T) chan error {
	t.Helper()
	h.Net = transport.NewNetwork()
	for _, c := range h.cuts {
		h.Net.Cut(c[0], c[1])
	}
	n := len(h.Central.Peers)
	h.Devices = make([]*nic.MemDevice, n)
	h.States = make([]*state.State, n)
	h.errs = make(chan error, 16)

	for i := range h.Central.Peers {
		name := h.Central.Peers[i].Name
		h.Devices[i] = nic.NewMemDevice()
		opts := &core.Options{
			Device:      h.Devices[i],
			Backends:    transport.NewRegistry(h.Net.Backend(name)),
			ListenAddrs: map[transport.Kind]string{transport.KindMem: name},
			InitState:   &h.States[i],
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := core.Start(h.Central, h.Local[i], slog.LevelDebug, opts); err != nil {
				h.errs <- err
			}
		}()
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		started := true
		for i := range h.Central.Peers {
			if h.States[i] == nil || !h.States[i].Started.Load() {
				started = false
				break
			}
		}
		if started {
			return h.errs
		}
		if time.Now().After(deadline) {
			t.Fatal("nodes did not start in time")
		}
		select {
		case err := <-h.errs:
			t.Fatal(err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (h *Harness) Stop() {
	for _, s := range h.States {
		if s != nil {
			s.Cancel(errors.New("stopping harness"))
		}
	}
	for _, s := range h.States {
		if s != nil {
			core.Stop(s)
		}
	}
	h.wg.Wait()
}

// Snapshot takes a telemetry snapshot of one node through its dispatch loop.
func (h *Harness) Snapshot(name string) state.TelemetrySnapshot {
	s := h.States[h.indexOf(name)]
	res, err := s.DispatchWait(func(s *state.State) (any, error) {
		return core.BuildSnapshot(s), nil
	})
	if err != nil {
		return state.TelemetrySnapshot{}
	}
	return res.(state.TelemetrySnapshot)
}

// PeerState reports how `of` currently sees `about`.
func (h *Harness) PeerState(of, about string) string {
	id := h.Id(about)
	for _, p := range h.Snapshot(of).Peers {
		if p.Id == id {
			return p.State
		}
	}
	return ""
}

// RouteTo returns of's route towards dst, if any.
func (h *Harness) RouteTo(of, dst string) (state.RouteSnapshot, bool) {
	id := h.Id(dst)
	for _, r := range h.Snapshot(of).Routes {
		if r.Dst == id {
			return r, true
		}
	}
	return state.RouteSnapshot{}, false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ipv4Packet builds a minimal IPv4 packet the forwarding pipeline can route.
// The checksum is left zero; nothing on the path verifies it.
func ipv4Packet(src, dst string, payload []byte) []byte {
	const hdr = 20
	pkt := make([]byte, hdr+len(payload))
	pkt[0] = 0x45
	pkt[2] = byte((hdr + len(payload)) >> 8)
	pkt[3] = byte(hdr + len(payload))
	pkt[8] = 64 // ttl
	pkt[9] = 0xfd
	copy(pkt[12:16], netip.MustParseAddr(src).AsSlice())
	copy(pkt[16:20], netip.MustParseAddr(dst).AsSlice())
	copy(pkt[hdr:], payload)
	return pkt
}
