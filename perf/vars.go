package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency = metric.NewHistogram("1m1s")

	SentFramesPerSecond = metric.NewCounter("10s1s")
	RecvFramesPerSecond = metric.NewCounter("10s1s")
	RelayedPerSecond    = metric.NewCounter("10s1s")

	DroppedNoRoute  = metric.NewCounter("1m1s")
	DroppedHopLimit = metric.NewCounter("1m1s")
	DroppedDecrypt  = metric.NewCounter("1m1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("weft:SentFrames/s", SentFramesPerSecond)
	expvar.Publish("weft:RecvFrames/s", RecvFramesPerSecond)
	expvar.Publish("weft:Relayed/s", RelayedPerSecond)
	expvar.Publish("weft:DroppedNoRoute", DroppedNoRoute)
	expvar.Publish("weft:DroppedHopLimit", DroppedHopLimit)
	expvar.Publish("weft:DroppedDecrypt", DroppedDecrypt)
	expvar.Publish("weft:DispatchLatency (µs)", DispatchLatency)
}
