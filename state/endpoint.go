package state

import (
	"math"
	"slices"
	"time"
)

// LinkMetric smooths tunnel RTT samples into a routing metric. It keeps an
// exponentially-weighted estimate plus a windowed, outlier-trimmed median so
// that a single jittery sample does not flap routes.
type LinkMetric struct {
	history       []time.Duration
	histSort      []time.Duration
	dirty         bool
	prevMedian    time.Duration
	lastHeardBack time.Time
	expRTT        float64
}

func NewLinkMetric() *LinkMetric {
	return &LinkMetric{
		history: make([]time.Duration, 0),
		expRTT:  math.Inf(1),
	}
}

func (u *LinkMetric) IsActive() bool {
	return time.Since(u.lastHeardBack) <= LinkDeadThreshold
}

func (u *LinkMetric) LastHeard() time.Time {
	return u.lastHeardBack
}

// Renew marks the link heard-from. A link coming back from the dead starts
// its sample window over.
func (u *LinkMetric) Renew() {
	if !u.IsActive() {
		u.history = u.history[:0]
		u.expRTT = math.Inf(1)
		u.dirty = true
	}
	u.lastHeardBack = time.Now()
}

func (u *LinkMetric) UpdateRtt(rtt time.Duration) {
	// sometimes our system clock is not fast enough, so rtt is 0
	if rtt == 0 {
		rtt = time.Microsecond * 100
	}

	f := float64(rtt)
	alpha := 0.0836
	if u.expRTT == math.Inf(1) {
		u.expRTT = f
	}
	u.expRTT = alpha*f + (1-alpha)*u.expRTT
	u.history = append(u.history, u.FilteredRtt())
	if len(u.history) > WindowSamples {
		u.history = u.history[1:]
	}
	u.dirty = true
}

func (u *LinkMetric) calcR() (time.Duration, time.Duration, time.Duration) {
	if len(u.history) < MinimumConfidenceWindow {
		return time.Second * 10, time.Second * 10, time.Second * 10
	}
	if u.dirty {
		u.histSort = slices.Clone(u.history)
		slices.Sort(u.histSort)
		u.dirty = false
	}
	le := len(u.histSort)
	low := u.histSort[int(float64(le)*OutlierPercentage)]
	high := u.histSort[int(float64(le)*(1-OutlierPercentage))]
	med := u.histSort[le/2]
	return low, med, high
}

func (u *LinkMetric) FilteredRtt() time.Duration {
	return time.Duration(int64(u.expRTT))
}

// StabilizedRtt holds the previous median until it leaves the trimmed range,
// which dampens oscillation on noisy links.
func (u *LinkMetric) StabilizedRtt() time.Duration {
	l, m, h := u.calcR()
	if l > u.prevMedian || h < u.prevMedian {
		u.prevMedian = m
	}
	return u.prevMedian
}

// Metric converts the stabilized RTT into routing cost units (100µs each).
// A dead link is INF.
func (u *LinkMetric) Metric() uint32 {
	if !u.IsActive() {
		return INF
	}
	return uint32(min(u.StabilizedRtt().Microseconds()/100, int64(INFM)))
}
