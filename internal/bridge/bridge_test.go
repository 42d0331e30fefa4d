package bridge

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canframe "github.com/marmos91/canbridge/internal/frame"
	"github.com/marmos91/canbridge/internal/ingest"
	"github.com/marmos91/canbridge/internal/session"
)

// newTestPipeline builds a real Pipeline backed by a temp-dir Disk Spill
// Store, without starting Run, so Enqueue's effect on queue depth can be
// asserted directly without a live SQL connection.
func newTestPipeline(t *testing.T) *ingest.Pipeline {
	t.Helper()
	p, err := ingest.NewPipeline(ingest.Config{
		SpillPath:     filepath.Join(t.TempDir(), "spill"),
		SpillMaxBytes: 1 << 20,
		QueueCapacity: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// newTestBridge builds a Bridge with a real TCP listener but no real Bus
// Sockets (busState.bus stays nil), enough to exercise the routing, fan-out
// hand-off, and accounting logic without a SocketCAN interface.
func newTestBridge(t *testing.T, numBuses int, busOffset int) *Bridge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	b := &Bridge{
		cfg: Config{
			BusOffset:       busOffset,
			PollTimeout:     pollTimeoutDefault,
			ShutdownTimeout: shutdownTimeoutDefault,
		},
		listener:   ln,
		registry:   session.NewRegistry(),
		injectCh:   make(chan injectRequest, injectQueueDepth),
		shutdownCh: make(chan struct{}),
	}
	for i := 0; i < numBuses; i++ {
		b.buses = append(b.buses, &busState{
			cfg:   BusConfig{Name: fmt.Sprintf("vcan%d", i), BitRateBPS: uint32(500000 + i)},
			index: i,
		})
	}
	return b
}

func TestBusNumberAppliesOffset(t *testing.T) {
	b := newTestBridge(t, 2, 4)
	assert.Equal(t, 4, b.busNumber(b.buses[0]))
	assert.Equal(t, 5, b.busNumber(b.buses[1]))
}

func TestTransmitDropsOutOfRangeBus(t *testing.T) {
	b := newTestBridge(t, 2, 0)
	// Both bus numbers fall outside the configured range (0..1), so transmit
	// must return without panicking and without enqueuing to ingest.
	b.transmit(context.Background(), injectRequest{bus: 5, frame: canframe.Frame{}})
	b.transmit(context.Background(), injectRequest{bus: -1, frame: canframe.Frame{}})
}

func TestInjectFrameDropsWhenQueueFull(t *testing.T) {
	b := newTestBridge(t, 1, 0)
	b.injectCh = make(chan injectRequest, 1)

	b.InjectFrame(0, canframe.Frame{ID: 1})
	b.InjectFrame(0, canframe.Frame{ID: 2})

	assert.Equal(t, int64(1), b.droppedInjects.Load())
}

func TestBusParamsReflectsConfigAndLiveness(t *testing.T) {
	b := newTestBridge(t, 2, 0)
	b.buses[0].cfg.ListenOnly = true

	params := b.BusParams()
	require.Len(t, params, 2)
	assert.False(t, params[0].Enabled) // no real socket opened in this test
	assert.True(t, params[0].ListenOnly)
	assert.Equal(t, uint32(500000), params[0].BitRateBPS)
	assert.Equal(t, uint32(500001), params[1].BitRateBPS)
}

func TestNumBuses(t *testing.T) {
	b := newTestBridge(t, 3, 0)
	assert.Equal(t, uint8(3), b.NumBuses())
}

func TestStatsReportsActiveSessionsAndDrops(t *testing.T) {
	b := newTestBridge(t, 1, 0)
	b.droppedInjects.Add(2)
	b.buses[0].errorCount.Add(3)
	b.buses[0].down = true

	stats := b.Stats()
	assert.Equal(t, 0, stats.ActiveSessions)
	assert.Equal(t, int64(2), stats.DroppedInjects)
	assert.Equal(t, []bool{true}, stats.BusDown)
	assert.Equal(t, []int64{3}, stats.BusErrorCounts)
}

func TestEnqueueIngestRespectsIncludeFilter(t *testing.T) {
	b := newTestBridge(t, 2, 0)
	b.ingest = newTestPipeline(t)
	b.cfg.IngestIncludeBuses = map[int]bool{1: true}

	b.enqueueIngest(canframe.Frame{Bus: 0})
	b.enqueueIngest(canframe.Frame{Bus: 1})

	stats := b.ingest.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued, "only the filtered-in bus should be enqueued")
	assert.Equal(t, 1, stats.QueueDepth)
}

func TestEnqueueIngestNilFilterLogsEveryBus(t *testing.T) {
	b := newTestBridge(t, 2, 0)
	b.ingest = newTestPipeline(t)
	// b.cfg.IngestIncludeBuses left nil: the documented default, every bus
	// must be logged (a non-nil empty map would instead drop everything).

	b.enqueueIngest(canframe.Frame{Bus: 0})
	b.enqueueIngest(canframe.Frame{Bus: 1})

	stats := b.ingest.Stats()
	assert.Equal(t, uint64(2), stats.Enqueued, "nil filter must admit every bus")
	assert.Equal(t, 2, stats.QueueDepth)
}
