package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marmos91/canbridge/internal/logger"
	"github.com/marmos91/canbridge/internal/spill"
	"github.com/marmos91/canbridge/internal/telemetry"
)

const (
	flushThresholdDefault  = 50
	minBackoff             = 500 * time.Millisecond
	maxBackoff             = 10 * time.Second
	dropLogInterval        = 5 * time.Second
	occupancyWarnHighWater = 80
	occupancyWarnCritical  = 95
	occupancyWarnFull      = 100
)

// Config holds the Ingest Pipeline's tunables, sourced from
// spec.md §6's configuration surface.
type Config struct {
	DSN                        string
	FunctionName               string
	BatchSize                  int
	FlushInterval              time.Duration
	QueueCapacity              int
	QueueFlushThresholdPercent int
	SpillPath                  string
	SpillMaxBytes              int64
	StatsInterval              time.Duration
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 500
	}
	return c.BatchSize
}

func (c Config) flushInterval() time.Duration {
	if c.FlushInterval <= 0 {
		return 500 * time.Millisecond
	}
	return c.FlushInterval
}

func (c Config) flushThresholdPercent() int {
	if c.QueueFlushThresholdPercent <= 0 {
		return flushThresholdDefault
	}
	return c.QueueFlushThresholdPercent
}

// Counters are the monotonic counters spec.md §4.5 requires.
type Counters struct {
	Enqueued  atomic.Uint64
	Written   atomic.Uint64
	Dropped   atomic.Uint64
	Spilled   atomic.Uint64
	Recovered atomic.Uint64
}

// Pipeline is the Ingest Pipeline: a bounded queue, a single batching
// worker, a Disk Spill Store, and a SQL connection, wired together per
// spec.md §4.5.
type Pipeline struct {
	queue *Queue
	spill *spill.Store
	sql   *SQLStore
	cfg   Config

	counters Counters

	occupancyHigh atomic.Bool
	lastDropLog   atomic.Int64 // unix nano
	backoff       time.Duration

	done chan struct{}
}

// NewPipeline wires a Pipeline from its configuration, opening the Disk
// Spill Store eagerly (so a misconfigured spill path fails fast at
// startup rather than mid-run).
func NewPipeline(cfg Config) (*Pipeline, error) {
	store, err := spill.Open(cfg.SpillPath, cfg.SpillMaxBytes)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		queue:   NewQueue(cfg.QueueCapacity),
		spill:   store,
		sql:     NewSQLStore(cfg.DSN, cfg.FunctionName),
		cfg:     cfg,
		backoff: minBackoff,
		done:    make(chan struct{}),
	}, nil
}

// Enqueue submits entry to the bounded queue. A false return means the
// queue was full; the caller must not retry (spec.md §7's queue-full
// policy is a counted drop, not a retry).
func (p *Pipeline) Enqueue(entry Entry) bool {
	ok := p.queue.Enqueue(entry)
	if ok {
		p.counters.Enqueued.Add(1)
	} else {
		p.recordDrop()
	}
	p.checkOccupancy()
	return ok
}

func (p *Pipeline) recordDrop() {
	p.counters.Dropped.Add(1)
	now := time.Now().UnixNano()
	last := p.lastDropLog.Load()
	if time.Duration(now-last) >= dropLogInterval {
		if p.lastDropLog.CompareAndSwap(last, now) {
			logger.Warn("ingest queue full, dropping entry",
				logger.Dropped(p.counters.Dropped.Load()))
		}
	}
}

func (p *Pipeline) checkOccupancy() {
	pct := p.queue.OccupancyPercent()
	wasHigh := p.occupancyHigh.Load()

	switch {
	case pct >= occupancyWarnFull:
		logger.Warn("ingest queue at capacity", logger.OccupancyPercent(pct))
		p.occupancyHigh.Store(true)
	case pct >= occupancyWarnCritical:
		logger.Warn("ingest queue critically full", logger.OccupancyPercent(pct))
		p.occupancyHigh.Store(true)
	case pct >= occupancyWarnHighWater:
		logger.Warn("ingest queue above high-water mark", logger.OccupancyPercent(pct))
		p.occupancyHigh.Store(true)
	default:
		if wasHigh {
			logger.Info("ingest queue occupancy recovered", logger.OccupancyPercent(pct))
		}
		p.occupancyHigh.Store(false)
	}
}

// Run drives the single batching worker until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			p.shutdown(context.Background())
			return
		default:
		}

		p.iterate(ctx)
	}
}

// iterate runs one pass of the worker loop described in spec.md §4.5.
func (p *Pipeline) iterate(ctx context.Context) {
	spanCtx, span := telemetry.StartIngestSpan(ctx)
	defer span.End()

	// 1. Queue-overflow proactive spill.
	p.proactiveSpill()

	// 2. Ensure connection.
	if !p.sql.Connected() {
		if err := p.sql.Connect(spanCtx); err != nil {
			logger.WarnCtx(spanCtx, "ingest SQL connect failed", logger.Err(err))
			p.backoffSleep(ctx)
			p.spillInFlight(nil)
			p.drainQueueToSpill()
			return
		}
		p.backoff = minBackoff
	}

	// 3. Drain spill first.
	if err := p.drainSpill(spanCtx); err != nil {
		logger.ErrorCtx(spanCtx, "ingest spill drain failed", logger.Err(err))
		p.onFailure(nil)
		return
	}

	// 4. Normal batching.
	batch := p.collectBatch(ctx)
	if len(batch) == 0 {
		if err := p.sql.Heartbeat(spanCtx); err != nil {
			logger.WarnCtx(spanCtx, "ingest heartbeat failed", logger.Err(err))
			p.onFailure(nil)
		}
		return
	}

	if err := p.sql.WriteBatch(spanCtx, batch); err != nil {
		logger.ErrorCtx(spanCtx, "ingest write batch failed", logger.Err(err), logger.BatchSize(len(batch)))
		p.onFailure(batch)
		return
	}
	p.counters.Written.Add(uint64(len(batch)))
}

// proactiveSpill drains the queue into the Disk Spill Store whenever
// occupancy is at or above the configured flush threshold, regardless of
// SQL-store availability.
func (p *Pipeline) proactiveSpill() {
	threshold := p.cfg.flushThresholdPercent()
	for p.queue.OccupancyPercent() >= threshold {
		batch := p.queue.DrainUpTo(p.cfg.batchSize())
		if len(batch) == 0 {
			return
		}
		if _, err := p.spill.Append(batch); err != nil {
			logger.Error("ingest proactive spill failed", logger.Err(err), logger.BatchSize(len(batch)))
			p.counters.Dropped.Add(uint64(len(batch)))
			return
		}
		p.counters.Spilled.Add(uint64(len(batch)))
	}
}

// drainSpill commits every spilled batch to the SQL store, oldest first,
// then resets the spill store once empty, per spec.md §4.5 step 3.
func (p *Pipeline) drainSpill(ctx context.Context) error {
	drained := false
	for {
		entries, err := p.spill.ReadOldest(p.cfg.batchSize())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			if drained {
				return p.spill.Reset()
			}
			return nil
		}

		records := make([]Entry, len(entries))
		ids := make([]uint64, len(entries))
		for i, e := range entries {
			records[i] = e.Record
			ids[i] = e.ID
		}

		if err := p.sql.WriteBatch(ctx, records); err != nil {
			return err
		}
		if err := p.spill.Delete(ids); err != nil {
			return err
		}
		drained = true
		p.counters.Written.Add(uint64(len(records)))
		p.counters.Recovered.Add(uint64(len(records)))
	}
}

// collectBatch gathers up to batch-size entries, waiting up to the flush
// interval for the first one and non-blocking for the rest.
func (p *Pipeline) collectBatch(ctx context.Context) []Entry {
	batchSize := p.cfg.batchSize()
	batch := make([]Entry, 0, batchSize)

	first, ok := p.waitForFirst(ctx, p.cfg.flushInterval())
	if !ok {
		return batch
	}
	batch = append(batch, first)
	batch = append(batch, p.queue.DrainUpTo(batchSize-1)...)
	return batch
}

func (p *Pipeline) waitForFirst(ctx context.Context, timeout time.Duration) (Entry, bool) {
	return p.queue.DequeueWait(ctx, timeout)
}

// onFailure implements spec.md §4.5 step 5: close the connection, mark it
// unavailable, spill the in-flight batch and the rest of the queue, then
// back off.
func (p *Pipeline) onFailure(inFlight []Entry) {
	p.sql.Close()
	p.spillInFlight(inFlight)
	p.drainQueueToSpill()
	p.backoffSleep(context.Background())
}

func (p *Pipeline) spillInFlight(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	if _, err := p.spill.Append(batch); err != nil {
		logger.Error("ingest failed to spill in-flight batch", logger.Err(err))
		p.counters.Dropped.Add(uint64(len(batch)))
		return
	}
	p.counters.Spilled.Add(uint64(len(batch)))
}

func (p *Pipeline) drainQueueToSpill() {
	for {
		batch := p.queue.DrainUpTo(p.cfg.batchSize())
		if len(batch) == 0 {
			return
		}
		if _, err := p.spill.Append(batch); err != nil {
			logger.Error("ingest failed to spill queue on failure", logger.Err(err), logger.BatchSize(len(batch)))
			p.counters.Dropped.Add(uint64(len(batch)))
			continue
		}
		p.counters.Spilled.Add(uint64(len(batch)))
	}
}

func (p *Pipeline) backoffSleep(ctx context.Context) {
	logger.Info("ingest backing off", logger.Backoff(p.backoff.String()))
	select {
	case <-time.After(p.backoff):
	case <-ctx.Done():
	}
	p.backoff *= 2
	if p.backoff > maxBackoff {
		p.backoff = maxBackoff
	}
}

// shutdown implements spec.md §4.5's shutdown paragraph: commit the
// entire drained queue if connected, else spill it.
func (p *Pipeline) shutdown(ctx context.Context) {
	remaining := p.queue.DrainAll()
	if len(remaining) == 0 {
		p.sql.Close()
		return
	}

	if p.sql.Connected() {
		if err := p.sql.WriteBatch(ctx, remaining); err == nil {
			p.counters.Written.Add(uint64(len(remaining)))
			p.sql.Close()
			return
		}
		logger.Warn("ingest shutdown commit failed, spilling instead")
	}

	if _, err := p.spill.Append(remaining); err != nil {
		logger.Error("ingest emergency shutdown spill failed", logger.Err(err), logger.BatchSize(len(remaining)))
		p.counters.Dropped.Add(uint64(len(remaining)))
	} else {
		p.counters.Spilled.Add(uint64(len(remaining)))
	}
	p.sql.Close()
}

// EmergencySpill drains any residual queue entries to disk. It is the
// independent emergency path spec.md §4.5 describes for a worker
// shutdown/watchdog timeout, callable from the owner's own goroutine.
func (p *Pipeline) EmergencySpill() {
	p.drainQueueToSpill()
}

// Wait blocks until Run has returned.
func (p *Pipeline) Wait() {
	<-p.done
}

// Close releases the spill store's file handle. Call after Wait.
func (p *Pipeline) Close() error {
	return p.spill.Close()
}

// Stats returns a point-in-time snapshot of the pipeline's counters and
// queue occupancy, for the stats-logging task and the debug HTTP surface.
type Stats struct {
	Enqueued         uint64
	Written          uint64
	Dropped          uint64
	Spilled          uint64
	Recovered        uint64
	QueueDepth       int
	QueueCapacity    int
	OccupancyPercent int
	SQLConnected     bool
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:         p.counters.Enqueued.Load(),
		Written:          p.counters.Written.Load(),
		Dropped:          p.counters.Dropped.Load(),
		Spilled:          p.counters.Spilled.Load(),
		Recovered:        p.counters.Recovered.Load(),
		QueueDepth:       p.queue.Len(),
		QueueCapacity:    p.queue.Cap(),
		OccupancyPercent: p.queue.OccupancyPercent(),
		SQLConnected:     p.sql.Connected(),
	}
}
