// Package ingest implements the Ingest Pipeline of spec.md §4.5: a bounded
// in-memory queue, a single batching worker, SQL connection lifecycle, and
// spill/drain coordination with the Disk Spill Store.
package ingest

import (
	"context"
	"time"

	"github.com/marmos91/canbridge/internal/spill"
)

// Entry is one Queue Entry as defined in spec.md §3, reusing the Disk
// Spill Store's Record shape so a batch can move between the in-memory
// queue and the spill store without re-encoding.
type Entry = spill.Record

// Queue is the bounded, non-blocking-put channel shared between every
// producer (Bridge Core's fan-out path and Client Sessions' TX path) and
// the single ingest worker.
type Queue struct {
	ch chan Entry
}

// NewQueue constructs a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Entry, capacity)}
}

// Enqueue attempts a non-blocking put. It returns false if the queue is
// full, which the caller must count as a drop.
func (q *Queue) Enqueue(e Entry) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// Len returns the current number of buffered entries.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// OccupancyPercent returns the queue's current fill level as an integer
// percentage in [0, 100].
func (q *Queue) OccupancyPercent() int {
	c := q.Cap()
	if c == 0 {
		return 0
	}
	return (q.Len() * 100) / c
}

// TryDequeue performs a non-blocking receive.
func (q *Queue) TryDequeue() (Entry, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Entry{}, false
	}
}

// DequeueWait blocks for up to timeout waiting for one entry, returning
// false if the timeout elapses or ctx is cancelled first.
func (q *Queue) DequeueWait(ctx context.Context, timeout time.Duration) (Entry, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-q.ch:
		return e, true
	case <-timer.C:
		return Entry{}, false
	case <-ctx.Done():
		return Entry{}, false
	}
}

// DrainAll non-blockingly removes every entry currently buffered, in FIFO
// order, without waiting for more to arrive.
func (q *Queue) DrainAll() []Entry {
	var drained []Entry
	for {
		e, ok := q.TryDequeue()
		if !ok {
			return drained
		}
		drained = append(drained, e)
	}
}

// DrainUpTo non-blockingly removes up to n entries currently buffered.
func (q *Queue) DrainUpTo(n int) []Entry {
	drained := make([]Entry, 0, n)
	for len(drained) < n {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		drained = append(drained, e)
	}
	return drained
}
