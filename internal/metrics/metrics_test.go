package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBridgeMetricsDisabledReturnsNil(t *testing.T) {
	assert.Nil(t, NewBridgeMetrics())
}

func TestNewIngestMetricsDisabledReturnsNil(t *testing.T) {
	assert.Nil(t, NewIngestMetrics())
}

func TestNilCollectorsToleratenilReceiver(t *testing.T) {
	var bm *BridgeMetrics
	var im *IngestMetrics

	assert.NotPanics(t, func() {
		bm.SetActiveSessions(3)
		bm.SetDroppedInjects(5)
		bm.SetBusState("0", true, 2)
		im.Observe(IngestStats{Enqueued: 10})
	})
}

func TestBridgeMetricsTracksMonotonicDeltas(t *testing.T) {
	Init()
	bm := NewBridgeMetrics()
	require.NotNil(t, bm)

	bm.SetDroppedInjects(5)
	bm.SetDroppedInjects(5) // no further increment
	bm.SetDroppedInjects(8)

	assert.Equal(t, float64(8), testutil.ToFloat64(bm.droppedInjects))

	bm.SetBusState("0", false, 2)
	bm.SetBusState("0", true, 6)
	assert.Equal(t, float64(6), testutil.ToFloat64(bm.busErrors.WithLabelValues("0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bm.busDown.WithLabelValues("0")))
}

func TestIngestMetricsObserveAccumulates(t *testing.T) {
	Init()
	im := NewIngestMetrics()
	require.NotNil(t, im)

	im.Observe(IngestStats{Enqueued: 10, Written: 8, QueueDepth: 2, QueueCapacity: 10, SQLConnected: true})
	im.Observe(IngestStats{Enqueued: 15, Written: 8, QueueDepth: 1, QueueCapacity: 10, SQLConnected: false})

	assert.Equal(t, float64(15), testutil.ToFloat64(im.enqueued))
	assert.Equal(t, float64(8), testutil.ToFloat64(im.written))
	assert.Equal(t, float64(10), testutil.ToFloat64(im.occupancy))
	assert.Equal(t, float64(0), testutil.ToFloat64(im.sqlConnected))
}
