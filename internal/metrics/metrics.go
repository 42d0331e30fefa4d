// Package metrics exposes canbridged's Prometheus registry behind an
// enabled/disabled indirection, mirroring the teacher's pkg/metrics: callers
// ask IsEnabled before constructing collectors, and GetRegistry returns the
// single registerer every promauto.With call in this package targets.
// Disabled (the default until Init is called) is zero overhead: collector
// constructors return nil and every record call on a nil collector is a
// no-op.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled  atomic.Bool
	registry *prometheus.Registry
	initOnce sync.Once
)

// Init creates the process-wide registry and marks metrics enabled. Safe to
// call more than once; only the first call takes effect.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		enabled.Store(true)
	})
	return registry
}

// IsEnabled reports whether Init has been called.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the process-wide registry. Returns nil until Init has
// been called; callers must check IsEnabled first.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format, or nil if metrics are disabled.
func Handler() http.Handler {
	if !IsEnabled() {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// BridgeMetrics is the Prometheus-backed collector set for Bridge Core,
// constructed once at startup and polled by a small ticker goroutine since
// Bridge Core itself never blocks on a metrics call (spec.md §5).
type BridgeMetrics struct {
	activeSessions *prometheus.GaugeVec
	busDown        *prometheus.GaugeVec
	busErrors      *prometheus.CounterVec
	droppedInjects prometheus.Counter

	mu                   sync.Mutex
	droppedInjectsBaseline int64
	busErrorBaselines      map[string]int64
}

// NewBridgeMetrics constructs a BridgeMetrics. Returns nil if metrics are
// disabled, so every method below must tolerate a nil receiver.
func NewBridgeMetrics() *BridgeMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &BridgeMetrics{
		activeSessions: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canbridge_active_sessions",
				Help: "Number of currently connected Client Sessions.",
			},
			nil,
		),
		busDown: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canbridge_bus_down",
				Help: "1 if the bus is currently marked down, 0 otherwise.",
			},
			[]string{"bus"},
		),
		busErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "canbridge_bus_errors_total",
				Help: "Total fatal socket errors observed on a Bus Socket.",
			},
			[]string{"bus"},
		),
		droppedInjects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "canbridge_transmit_queue_dropped_total",
				Help: "Total BUILD_FRAME requests dropped because the transmit hand-off queue was full.",
			},
		),
		busErrorBaselines: make(map[string]int64),
	}
}

// SetActiveSessions records the current Client Session count.
func (m *BridgeMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues().Set(float64(n))
}

// SetDroppedInjects sets the cumulative dropped-transmit counter to total.
// Prometheus counters only increase, so this adds the delta since the last
// observed value.
func (m *BridgeMetrics) SetDroppedInjects(total int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if delta := total - m.droppedInjectsBaseline; delta > 0 {
		m.droppedInjects.Add(float64(delta))
	}
	m.droppedInjectsBaseline = total
}

// SetBusState records whether bus is down and its cumulative error count,
// called once per bus per metrics tick from Bridge.Stats().
func (m *BridgeMetrics) SetBusState(bus string, down bool, errorCount int64) {
	if m == nil {
		return
	}
	downVal := 0.0
	if down {
		downVal = 1.0
	}
	m.busDown.WithLabelValues(bus).Set(downVal)

	m.mu.Lock()
	defer m.mu.Unlock()
	if delta := errorCount - m.busErrorBaselines[bus]; delta > 0 {
		m.busErrors.WithLabelValues(bus).Add(float64(delta))
	}
	m.busErrorBaselines[bus] = errorCount
}

// IngestMetrics is the Prometheus-backed collector set for the Ingest
// Pipeline's monotonic counters and queue occupancy.
type IngestMetrics struct {
	enqueued    prometheus.Counter
	written     prometheus.Counter
	dropped     prometheus.Counter
	spilled     prometheus.Counter
	recovered   prometheus.Counter
	queueDepth  prometheus.Gauge
	occupancy   prometheus.Gauge
	sqlConnected prometheus.Gauge

	baseline struct {
		enqueued, written, dropped, spilled, recovered uint64
	}
	mu sync.Mutex
}

// NewIngestMetrics constructs an IngestMetrics. Returns nil if metrics are
// disabled.
func NewIngestMetrics() *IngestMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &IngestMetrics{
		enqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "canbridge_ingest_enqueued_total",
			Help: "Total Queue Entries enqueued to the Ingest Pipeline.",
		}),
		written: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "canbridge_ingest_written_total",
			Help: "Total Queue Entries committed to the SQL store.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "canbridge_ingest_dropped_total",
			Help: "Total Queue Entries dropped (queue full or spill full).",
		}),
		spilled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "canbridge_ingest_spilled_total",
			Help: "Total Queue Entries spilled to the Disk Spill Store.",
		}),
		recovered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "canbridge_ingest_recovered_total",
			Help: "Total Queue Entries recovered from the Disk Spill Store and committed.",
		}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "canbridge_ingest_queue_depth",
			Help: "Current number of entries buffered in the in-memory queue.",
		}),
		occupancy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "canbridge_ingest_queue_occupancy_percent",
			Help: "Current in-memory queue occupancy as a percentage of capacity.",
		}),
		sqlConnected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "canbridge_ingest_sql_connected",
			Help: "1 if the Ingest Pipeline currently holds a live SQL connection, 0 otherwise.",
		}),
	}
}

// IngestStats is the subset of ingest.Stats this package depends on,
// avoided as a direct import to keep internal/metrics free of a dependency
// on internal/ingest.
type IngestStats struct {
	Enqueued, Written, Dropped, Spilled, Recovered uint64
	QueueDepth, QueueCapacity                       int
	SQLConnected                                     bool
}

// Observe records one snapshot of the Ingest Pipeline's stats, translating
// monotonic cumulative values into counter increments.
func (m *IngestMetrics) Observe(s IngestStats) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	addDelta(m.enqueued, &m.baseline.enqueued, s.Enqueued)
	addDelta(m.written, &m.baseline.written, s.Written)
	addDelta(m.dropped, &m.baseline.dropped, s.Dropped)
	addDelta(m.spilled, &m.baseline.spilled, s.Spilled)
	addDelta(m.recovered, &m.baseline.recovered, s.Recovered)

	m.queueDepth.Set(float64(s.QueueDepth))
	if s.QueueCapacity > 0 {
		m.occupancy.Set(float64(s.QueueDepth) * 100 / float64(s.QueueCapacity))
	}
	connected := 0.0
	if s.SQLConnected {
		connected = 1.0
	}
	m.sqlConnected.Set(connected)
}

func addDelta(counter prometheus.Counter, baseline *uint64, current uint64) {
	if current > *baseline {
		counter.Add(float64(current - *baseline))
	}
	*baseline = current
}

// StartTicker runs fn every interval until the returned stop function is
// called, used by cmd/canbridged
// to periodically push Bridge/Ingest stats snapshots into the collectors
// above without either component depending on Prometheus directly.
func StartTicker(intervalFn func() time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			interval := intervalFn()
			if interval <= 0 {
				interval = time.Second
			}
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
				fn()
			case <-done:
				timer.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
