package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	server := miniredis.RunT(t)
	queue, err := NewQueue(context.Background(), Config{RedisURL: "redis://" + server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })
	return queue
}

// TestQueue_EnqueueDequeueAck moves a job through pending → processing →
// done.
func TestQueue_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	job := Job{
		JobID:      "bulk_approve_1",
		Operation:  "approve",
		ReviewIDs:  []string{"a", "b"},
		ReviewerID: "reviewer-X",
	}
	require.NoError(t, queue.Enqueue(ctx, job))

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	got, err := queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bulk_approve_1", got.JobID)
	assert.Equal(t, []string{"a", "b"}, got.ReviewIDs)

	processing, err := queue.ProcessingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)

	require.NoError(t, queue.Ack(ctx, got))
	processing, _ = queue.ProcessingCount(ctx)
	assert.Zero(t, processing)
	pending, _ = queue.PendingCount(ctx)
	assert.Zero(t, pending)
}

// TestQueue_DequeueTimeout returns nil on an empty queue.
func TestQueue_DequeueTimeout(t *testing.T) {
	queue := newTestQueue(t)
	job, err := queue.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

// TestQueue_Requeue bumps the retry counter and returns the job to
// pending.
func TestQueue_Requeue(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.Enqueue(ctx, Job{JobID: "j1", Operation: "approve"}))
	job, err := queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, queue.Requeue(ctx, job))

	pending, _ := queue.PendingCount(ctx)
	assert.Equal(t, int64(1), pending)
	processing, _ := queue.ProcessingCount(ctx)
	assert.Zero(t, processing)

	again, err := queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.RetryCount)
}

// TestQueue_FIFO preserves enqueue order.
func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, queue.Enqueue(ctx, Job{JobID: id, Operation: "approve"}))
	}

	for _, want := range []string{"first", "second", "third"} {
		job, err := queue.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.JobID)
		require.NoError(t, queue.Ack(ctx, job))
	}
}
