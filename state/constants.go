package state

import "time"

const (
	INF = ^(uint32)(0)
	// INFM is the maximum value for a metric that is not a retraction.
	INFM = INF - 1

	// base listen port for tcp/udp; ws and quic bind base+1
	DefaultPort = 57175
)

var (
	HopCost = (uint32)(5) // add a 5 microsecond hop cost to prevent loops on ultra-fast networks.

	// liveness probing
	ProbeDelay          = time.Millisecond * 1000
	ProbeMissThreshold  = 3 // consecutive missed heartbeats before the tunnel degrades
	DegradedProbeDelay  = time.Millisecond * 200
	DegradedGracePeriod = 2 * ProbeDelay // time spent re-probing before the tunnel is declared dead

	// link-state exchange
	LinkStateAdvertDelay = time.Second * 5
	LinkStateExpiry      = 5 * LinkStateAdvertDelay
	FloodDedupTTL        = time.Second * 30

	// candidate endpoints
	CandidateGatherWindow = time.Second * 3
	CandidateStaleAfter   = time.Minute * 5
	MaxConnectAttempts    = 8 // concurrent candidate dials per peer, beyond this we throttle

	// connection attempts
	ConnectTimeout   = time.Second * 10
	HandshakeTimeout = time.Second * 5
	PunchStagger     = time.Millisecond * 250

	// reconnection backoff
	ReconnectBaseDelay = time.Millisecond * 500
	ReconnectMaxDelay  = time.Minute * 1

	// metric smoothing window
	WindowSamples     = int((time.Second * 60) / ProbeDelay)
	OutlierPercentage = 0.05
	// minimum number of samples before we lower the rtt estimate
	MinimumConfidenceWindow = int(time.Second * 15 / ProbeDelay)

	GcDelay           = time.Millisecond * 1000
	LinkDeadThreshold = time.Duration(ProbeMissThreshold)*ProbeDelay + DegradedGracePeriod

	// forwarding
	DefaultHopLimit  = uint8(16)
	ShutdownDrain    = time.Second * 3
	InboundQueueLen  = 512
	OutboundQueueLen = 512
)
