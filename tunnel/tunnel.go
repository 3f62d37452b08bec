package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/google/uuid"
)

// FrameSender is where sealed frames go: the transport channel for direct
// tunnels, or the forwarding pipeline for tunnels established via a relay.
type FrameSender interface {
	SendFrame(frame []byte) error
}

type channelSender struct {
	ch transport.Channel
}

func (s channelSender) SendFrame(frame []byte) error {
	return s.ch.Send(frame)
}

// Config wires a Tunnel to its owner. Callbacks run on tunnel goroutines;
// owners dispatch onto their own loop as needed.
type Config struct {
	Self     state.PeerId
	Peer     state.PeerId
	Channel  transport.Channel // nil for relayed tunnels
	Sender   FrameSender       // required when Channel is nil
	Session  *Session
	HopLimit uint8
	Log      *slog.Logger

	// Deliver receives every raw frame read off the channel, including
	// transit frames for other peers.
	Deliver   func(t *Tunnel, frame []byte)
	OnData    func(t *Tunnel, hdr protocol.Header, payload []byte)
	OnControl func(t *Tunnel, msg *protocol.Message)
	OnDown    func(t *Tunnel, err error)
}

// Tunnel is one live encrypted channel to one peer. It owns its transport
// channel exclusively; Close tears the channel down with it.
type Tunnel struct {
	Id   uuid.UUID
	Self state.PeerId
	Peer state.PeerId

	ch     transport.Channel
	sender FrameSender
	sess   *Session
	log    *slog.Logger

	cfg Config

	metricMu sync.Mutex
	metric   *state.LinkMetric

	hbSeq     atomic.Uint64
	hopLimit  uint8
	done      chan struct{}
	closeOnce sync.Once
	downErr   error
}

func New(cfg Config) *Tunnel {
	t := &Tunnel{
		Id:       uuid.New(),
		Self:     cfg.Self,
		Peer:     cfg.Peer,
		ch:       cfg.Channel,
		sess:     cfg.Session,
		log:      cfg.Log,
		cfg:      cfg,
		metric:   state.NewLinkMetric(),
		hopLimit: cfg.HopLimit,
	}
	if t.hopLimit == 0 {
		t.hopLimit = state.DefaultHopLimit
	}
	t.sender = cfg.Sender
	if t.sender == nil && cfg.Channel != nil {
		t.sender = channelSender{ch: cfg.Channel}
	}
	t.done = make(chan struct{})
	return t
}

// Relayed reports whether this tunnel rides through other peers rather than
// owning a direct channel.
func (t *Tunnel) Relayed() bool {
	return t.ch == nil
}

func (t *Tunnel) Kind() transport.Kind {
	if t.ch == nil {
		return transport.KindUnknown
	}
	return t.ch.Kind()
}

func (t *Tunnel) RemoteAddr() string {
	if t.ch == nil {
		return "relay"
	}
	return t.ch.RemoteAddr()
}

// Start begins the channel read loop and liveness probing. The tunnel is
// considered alive from this moment.
func (t *Tunnel) Start() {
	t.metricMu.Lock()
	t.metric.Renew()
	t.metricMu.Unlock()
	if t.ch != nil {
		go t.readLoop()
	}
	go t.heartbeatLoop()
}

func (t *Tunnel) readLoop() {
	for {
		b, err := t.ch.Receive()
		if err != nil {
			t.down(err)
			return
		}
		if t.cfg.Deliver != nil {
			t.cfg.Deliver(t, b)
		}
	}
}

func (t *Tunnel) heartbeatLoop() {
	ticker := time.NewTicker(state.ProbeDelay)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Probe()
		}
	}
}

// Probe emits one heartbeat immediately. Used by the liveness ticker and by
// the state machine's non-disruptive re-probe while Degraded.
func (t *Tunnel) Probe() {
	seq := t.hbSeq.Add(1)
	err := t.SendControl(&protocol.Message{Heartbeat: &protocol.Heartbeat{
		Seq:    seq,
		SentAt: time.Now().UnixNano(),
	}})
	if err != nil && t.log != nil {
		t.log.Debug("heartbeat send failed", "peer", t.Peer, "err", err)
	}
}

// SendData seals one data payload for the tunnel peer.
func (t *Tunnel) SendData(payload []byte) error {
	return t.sendFrame(protocol.FrameData, payload)
}

// SendControl seals one control message for the tunnel peer.
func (t *Tunnel) SendControl(m *protocol.Message) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return t.sendFrame(protocol.FrameControl, b)
}

func (t *Tunnel) sendFrame(typ byte, payload []byte) error {
	select {
	case <-t.done:
		return transport.ErrChannelClosed
	default:
	}
	nonce := t.sess.nextNonce()
	hdr := protocol.Header{
		Type:     typ,
		HopLimit: t.hopLimit,
		Src:      string(t.Self),
		Dst:      string(t.Peer),
		Nonce:    nonce,
	}
	frame := protocol.AppendFrame(make([]byte, 0, protocol.HeaderLen+len(payload)+16), hdr, nil)
	ct := t.sess.seal(nonce, protocol.AAD(frame), payload)
	frame = append(frame, ct...)
	return t.sender.SendFrame(frame)
}

// Forward sends a pre-built frame on the underlying channel without sealing
// it again. Used by the relay hop, which moves frames it cannot read.
func (t *Tunnel) Forward(frame []byte) error {
	if t.ch == nil {
		return transport.ErrChannelClosed
	}
	select {
	case <-t.done:
		return transport.ErrChannelClosed
	default:
	}
	return t.ch.Send(frame)
}

// HandleFrame opens one frame addressed to us from our peer and dispatches
// it. Heartbeats are answered here; acks feed the link metric; everything
// else goes up through the callbacks.
func (t *Tunnel) HandleFrame(hdr protocol.Header, frame []byte) error {
	payload, err := t.sess.open(hdr.Nonce, protocol.AAD(frame), frame[protocol.HeaderLen:])
	if err != nil {
		return err
	}
	t.markAlive()

	switch hdr.Type {
	case protocol.FrameData:
		if t.cfg.OnData != nil {
			t.cfg.OnData(t, hdr, payload)
		}
		return nil
	case protocol.FrameControl:
		var msg protocol.Message
		if err := protocol.Unmarshal(payload, &msg); err != nil {
			return err
		}
		switch {
		case msg.Heartbeat != nil:
			return t.SendControl(&protocol.Message{HeartbeatAck: &protocol.HeartbeatAck{
				Seq:  msg.Heartbeat.Seq,
				Echo: msg.Heartbeat.SentAt,
			}})
		case msg.HeartbeatAck != nil:
			rtt := time.Duration(time.Now().UnixNano() - msg.HeartbeatAck.Echo)
			if rtt > 0 {
				t.metricMu.Lock()
				t.metric.UpdateRtt(rtt)
				t.metricMu.Unlock()
			}
			return nil
		default:
			if t.cfg.OnControl != nil {
				t.cfg.OnControl(t, &msg)
			}
			return nil
		}
	}
	return nil
}

func (t *Tunnel) markAlive() {
	t.metricMu.Lock()
	t.metric.Renew()
	t.metricMu.Unlock()
}

// Metric is the current routing cost of this link, INF when dead.
func (t *Tunnel) Metric() uint32 {
	t.metricMu.Lock()
	defer t.metricMu.Unlock()
	return t.metric.Metric()
}

func (t *Tunnel) Rtt() time.Duration {
	t.metricMu.Lock()
	defer t.metricMu.Unlock()
	return t.metric.FilteredRtt()
}

func (t *Tunnel) LastHeard() time.Time {
	t.metricMu.Lock()
	defer t.metricMu.Unlock()
	return t.metric.LastHeard()
}

// Missed reports how many probe intervals have elapsed without hearing back.
func (t *Tunnel) Missed() int {
	return int(time.Since(t.LastHeard()) / state.ProbeDelay)
}

func (t *Tunnel) down(err error) {
	t.closeOnce.Do(func() {
		t.downErr = err
		close(t.done)
		if t.ch != nil {
			_ = t.ch.Close()
		}
	})
	if t.cfg.OnDown != nil {
		t.cfg.OnDown(t, err)
	}
}

// Close tears the tunnel and its channel down. Idempotent.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		t.downErr = transport.ErrChannelClosed
		close(t.done)
		if t.ch != nil {
			_ = t.ch.Close()
		}
	})
}

func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// ChannelPipe adapts a raw transport channel into the handshake's MsgPipe.
func ChannelPipe(ch transport.Channel) MsgPipe {
	return channelPipe{ch: ch}
}

type channelPipe struct {
	ch transport.Channel
}

func (p channelPipe) SendMsg(b []byte) error {
	return p.ch.Send(b)
}

func (p channelPipe) RecvMsg(ctx context.Context) ([]byte, error) {
	type result struct {
		b   []byte
		err error
	}
	res := make(chan result, 1)
	go func() {
		b, err := p.ch.Receive()
		res <- result{b, err}
	}()
	select {
	case r := <-res:
		return r.b, r.err
	case <-ctx.Done():
		// unblock the pending Receive; the channel is dead to us anyway
		_ = p.ch.Close()
		return nil, ctx.Err()
	}
}
