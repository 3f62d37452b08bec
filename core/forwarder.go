package core

import (
	"errors"
	"net/netip"

	"github.com/encodeous/weft/nic"
	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/tunnel"
)

// onFrame routes every raw frame read off any channel. Runs on tunnel read
// goroutines; it touches only the route snapshot and the lock-guarded
// tunnel registry, never the dispatch-owned state.
func (w *Weft) onFrame(t *tunnel.Tunnel, frame []byte) {
	perf.RecvFramesPerSecond.Add(1)
	hdr, _, err := protocol.ParseFrame(frame)
	if err != nil {
		w.env.Log.Debug("dropping malformed frame", "from", t.Peer, "err", err)
		return
	}
	self := string(w.env.LocalCfg.Id())

	if hdr.Dst != self {
		w.forwardTransit(hdr, frame)
		return
	}

	if hdr.Flags&protocol.FlagHandshake != 0 {
		w.onRelayHandshakeFrame(state.PeerId(hdr.Src), frame[protocol.HeaderLen:])
		return
	}

	// frames from the directly attached peer belong to the carrying tunnel;
	// frames from anyone else were relayed to us and belong to the relayed
	// tunnel for their source
	rt := t
	if hdr.Src != string(t.Peer) {
		rt = w.tunnelFor(state.PeerId(hdr.Src))
		if rt == nil || !rt.Relayed() {
			perf.DroppedDecrypt.Add(1)
			return
		}
	}
	if err := rt.HandleFrame(hdr, frame); err != nil {
		perf.DroppedDecrypt.Add(1)
		w.env.Log.Debug("frame rejected", "from", hdr.Src, "err", err)
	}
}

// forwardTransit performs one relay hop: decrement the hop limit and pass
// the still-sealed frame towards its destination. Drops are best-effort and
// never propagate errors back; datagram loss is part of the contract.
func (w *Weft) forwardTransit(hdr protocol.Header, frame []byte) {
	if !w.env.AllowRelay {
		return
	}
	if err := protocol.DecrementHop(frame); err != nil {
		perf.DroppedHopLimit.Add(1)
		w.env.Log.Debug("hop limit exhausted", "src", hdr.Src, "dst", hdr.Dst)
		return
	}
	e, ok := w.env.Routes().Next(state.PeerId(hdr.Dst))
	if !ok {
		perf.DroppedNoRoute.Add(1)
		return
	}
	nh := w.directTunnel(e.Nh)
	if nh == nil {
		perf.DroppedNoRoute.Add(1)
		return
	}
	if err := nh.Forward(frame); err != nil {
		w.env.Log.Debug("relay forward failed", "dst", hdr.Dst, "nh", e.Nh, "err", err)
		return
	}
	perf.RelayedPerSecond.Add(1)
}

// onData delivers a decrypted end-to-end payload to the local device.
func (w *Weft) onData(t *tunnel.Tunnel, hdr protocol.Header, payload []byte) {
	if w.Device == nil {
		return
	}
	if err := w.Device.WritePacket(payload); err != nil && !errors.Is(err, nic.ErrDeviceClosed) {
		w.env.Log.Debug("device write failed", "err", err)
	}
}

// deviceLoop reads outbound packets off the local device and sends each to
// the peer owning its destination prefix.
func (w *Weft) deviceLoop() {
	defer w.wg.Done()
	for {
		pkt, err := w.Device.ReadPacket(w.env.Context)
		if err != nil {
			return
		}
		w.sendPacket(pkt)
	}
}

func (w *Weft) sendPacket(pkt []byte) {
	addr, ok := dstAddr(pkt)
	if !ok {
		return
	}
	e, ok := w.env.Routes().Lookup(addr)
	if !ok {
		perf.DroppedNoRoute.Add(1)
		return
	}
	if e.Dst == w.env.LocalCfg.Id() {
		_ = w.Device.WritePacket(pkt)
		return
	}
	t := w.tunnelFor(e.Dst)
	if t == nil {
		perf.DroppedNoRoute.Add(1)
		return
	}
	if err := t.SendData(pkt); err != nil {
		w.env.Log.Debug("send failed", "dst", e.Dst, "err", err)
		return
	}
	perf.SentFramesPerSecond.Add(1)
}

// dstAddr pulls the destination address out of a raw IP packet.
func dstAddr(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(pkt[16:20])), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(pkt[24:40])), true
	}
	return netip.Addr{}, false
}
