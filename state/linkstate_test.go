package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeqnoOrdering(t *testing.T) {
	assert.True(t, SeqnoLt(1, 2))
	assert.False(t, SeqnoLt(2, 1))
	assert.False(t, SeqnoLt(5, 5))
	assert.True(t, SeqnoLe(5, 5))

	// serial-number wraparound: 65535 is older than 0
	assert.True(t, SeqnoLt(65535, 0))
	assert.True(t, SeqnoGt(0, 65535))
	assert.True(t, SeqnoLt(65000, 100))

	// exactly half the ring away is not "less"
	assert.False(t, SeqnoLt(0, 32768))
}

func TestAddMetricSaturates(t *testing.T) {
	assert.Equal(t, uint32(5), AddMetric(2, 3))
	assert.Equal(t, INF, AddMetric(INF, 1))
	assert.Equal(t, INF, AddMetric(1, INF))
	assert.Equal(t, INFM, AddMetric(INFM, INFM))
	assert.Equal(t, INFM, AddMetric(INFM, 1))
}

func TestLinkStateExpiry(t *testing.T) {
	now := time.Now()
	ls := &LinkState{Origin: "a", UpdatedAt: now}
	assert.False(t, ls.Expired(now))
	assert.False(t, ls.Expired(now.Add(LinkStateExpiry)))
	assert.True(t, ls.Expired(now.Add(LinkStateExpiry+time.Second)))
}
