package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue(4)

	require.True(t, q.Enqueue(Entry{ArbitrationID: 1}))
	require.True(t, q.Enqueue(Entry{ArbitrationID: 2}))

	e1, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(1), e1.ArbitrationID)

	e2, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(2), e2.ArbitrationID)

	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestQueueEnqueueFailsWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Enqueue(Entry{ArbitrationID: 1}))
	assert.False(t, q.Enqueue(Entry{ArbitrationID: 2}))
}

func TestQueueOccupancyPercent(t *testing.T) {
	q := NewQueue(4)
	assert.Equal(t, 0, q.OccupancyPercent())

	q.Enqueue(Entry{})
	q.Enqueue(Entry{})
	assert.Equal(t, 50, q.OccupancyPercent())
}

func TestQueueDrainUpTo(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 5; i++ {
		q.Enqueue(Entry{ArbitrationID: uint32(i)})
	}

	batch := q.DrainUpTo(3)
	assert.Len(t, batch, 3)
	assert.Equal(t, 2, q.Len())
}

func TestQueueDequeueWaitTimesOut(t *testing.T) {
	q := NewQueue(1)
	_, ok := q.DequeueWait(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
}

func TestQueueDequeueWaitReturnsImmediately(t *testing.T) {
	q := NewQueue(1)
	q.Enqueue(Entry{ArbitrationID: 7})

	e, ok := q.DequeueWait(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(7), e.ArbitrationID)
}
