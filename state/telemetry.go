package state

import "time"

// Read-only snapshots exposed to management collaborators (CLI, GUI,
// telemetry sinks). The core never formats or transmits these itself.

type PeerSnapshot struct {
	Id         PeerId
	Name       string
	State      string
	Transport  string // active tunnel transport kind, if any
	Endpoint   string // active tunnel remote address, if any
	Rtt        time.Duration
	Metric     uint32
	Since      time.Time // time of the last state transition
	Candidates int
}

type RouteSnapshot struct {
	Dst    PeerId
	Nh     PeerId
	Metric uint32
	Kind   string
	Gen    uint64
}

type TelemetrySnapshot struct {
	Self   PeerId
	Peers  []PeerSnapshot
	Routes []RouteSnapshot
	Taken  time.Time
}
