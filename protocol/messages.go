package protocol

// Message is the envelope for all control traffic. Exactly one field is set,
// protobuf-oneof style, keyed by small integers to keep frames tight.
type Message struct {
	Heartbeat     *Heartbeat         `cbor:"1,keyasint,omitempty"`
	HeartbeatAck  *HeartbeatAck      `cbor:"2,keyasint,omitempty"`
	LinkState     *LinkStateAdvert   `cbor:"3,keyasint,omitempty"`
	Candidates    *CandidateExchange `cbor:"4,keyasint,omitempty"`
	RelayRequest  *RelayRequest      `cbor:"5,keyasint,omitempty"`
	RelayResponse *RelayResponse     `cbor:"6,keyasint,omitempty"`
	HandshakeInit *Handshake         `cbor:"7,keyasint,omitempty"`
	HandshakeResp *Handshake         `cbor:"8,keyasint,omitempty"`
}

// Heartbeat probes tunnel liveness and measures RTT.
type Heartbeat struct {
	Seq    uint64 `cbor:"1,keyasint"`
	SentAt int64  `cbor:"2,keyasint"` // sender clock, unix nanos, echoed back verbatim
}

type HeartbeatAck struct {
	Seq  uint64 `cbor:"1,keyasint"`
	Echo int64  `cbor:"2,keyasint"`
}

// Link is one directed edge in a peer's self-reported reachability vector.
type Link struct {
	Peer string `cbor:"1,keyasint"`
	Cost uint32 `cbor:"2,keyasint"`
}

// LinkStateAdvert carries a peer's link-state vector. Receivers merge it only
// if Seqno is newer than what they hold for Origin, and re-flood it at most
// once per (Origin, Seqno).
type LinkStateAdvert struct {
	Origin     string   `cbor:"1,keyasint"`
	Seqno      uint16   `cbor:"2,keyasint"`
	Links      []Link   `cbor:"3,keyasint,omitempty"`
	Prefixes   []string `cbor:"4,keyasint,omitempty"` // virtual prefixes owned by Origin
	AllowRelay bool     `cbor:"5,keyasint,omitempty"`
}

// WireEndpoint is a CandidateEndpoint in transit.
type WireEndpoint struct {
	Kind   uint8  `cbor:"1,keyasint"`
	Addr   string `cbor:"2,keyasint"`
	Source uint8  `cbor:"3,keyasint"`
}

// CandidateExchange shares reachability candidates for Peer. Observed is the
// address the sender sees the recipient at, which the recipient may adopt as
// a server-reflexive candidate.
type CandidateExchange struct {
	Peer      string         `cbor:"1,keyasint"`
	Endpoints []WireEndpoint `cbor:"2,keyasint,omitempty"`
	Observed  string         `cbor:"3,keyasint,omitempty"`
}

// RelayRequest asks an established peer to forward frames towards Dst.
type RelayRequest struct {
	Dst string `cbor:"1,keyasint"`
}

type RelayResponse struct {
	Dst    string `cbor:"1,keyasint"`
	Accept bool   `cbor:"2,keyasint"`
	Reason string `cbor:"3,keyasint,omitempty"`
}

// Handshake carries the key-exchange material for tunnel establishment.
// Sent in the clear (it is self-securing) on a raw channel, or wrapped in a
// FlagHandshake frame when the tunnel is being set up through a relay.
type Handshake struct {
	Sender string `cbor:"1,keyasint"`
	Static []byte `cbor:"2,keyasint"` // sender's long-term x25519 public key
	Eph    []byte `cbor:"3,keyasint"` // sender's ephemeral x25519 public key
	Tag    []byte `cbor:"4,keyasint"` // AEAD confirmation over the transcript
}
