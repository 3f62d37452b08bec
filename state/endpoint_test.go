package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinkMetricDeadIsInf(t *testing.T) {
	m := NewLinkMetric()
	assert.False(t, m.IsActive())
	assert.Equal(t, INF, m.Metric())
}

func TestLinkMetricConverges(t *testing.T) {
	m := NewLinkMetric()
	m.Renew()
	for i := 0; i < WindowSamples; i++ {
		m.UpdateRtt(10 * time.Millisecond)
	}
	assert.True(t, m.IsActive())
	rtt := m.FilteredRtt()
	assert.InDelta(t, float64(10*time.Millisecond), float64(rtt), float64(time.Millisecond))
	// 10ms stabilized at 100µs per cost unit
	assert.InDelta(t, 100, float64(m.Metric()), 5)
}

func TestLinkMetricIgnoresOutliers(t *testing.T) {
	m := NewLinkMetric()
	m.Renew()
	for i := 0; i < WindowSamples; i++ {
		m.UpdateRtt(10 * time.Millisecond)
	}
	before := m.StabilizedRtt()
	// one spike must not move the stabilized value
	m.UpdateRtt(500 * time.Millisecond)
	assert.Equal(t, before, m.StabilizedRtt())
}

func TestLinkMetricRenewResetsDeadWindow(t *testing.T) {
	m := NewLinkMetric()
	m.Renew()
	for i := 0; i < WindowSamples; i++ {
		m.UpdateRtt(10 * time.Millisecond)
	}
	// simulate the link dying and coming back
	m.lastHeardBack = time.Now().Add(-2 * LinkDeadThreshold)
	assert.Equal(t, INF, m.Metric())
	m.Renew()
	assert.True(t, m.IsActive())
	// the window started over; not enough confidence yet
	m.UpdateRtt(10 * time.Millisecond)
	assert.Less(t, len(m.history), MinimumConfidenceWindow)
}
