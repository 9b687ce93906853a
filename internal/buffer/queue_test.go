package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventops/regcached/internal/kv"
	"github.com/eventops/regcached/internal/upstream"
)

func newTestQueue() *Queue {
	return New(kv.NewMemoryStore(), WithMaxAttempts(3), WithBaseDelay(time.Millisecond))
}

func TestEnqueueAndDrainSuccess(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	item, err := q.Enqueue(ctx, map[string]any{"id": "r1"}, ReasonRateLimited)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)

	submitted := 0
	drained, ok, err := q.DrainOne(ctx, func(ctx context.Context, payload map[string]any) error {
		submitted++
		assert.Equal(t, "r1", payload["id"])
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, submitted)
	assert.Equal(t, StatusCompleted, drained.Status)

	status := q.QueueStatus(ctx)
	assert.Equal(t, int64(0), status.Depth)
	assert.True(t, status.Connected)
}

func TestSubmitOrBufferPassesThroughOnSuccess(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	item, err := q.SubmitOrBuffer(ctx, map[string]any{"id": "r1"}, func(ctx context.Context, payload map[string]any) error {
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, item, "A successful submission is never buffered")
	assert.Equal(t, int64(0), q.QueueStatus(ctx).Depth)
}

func TestSubmitOrBufferDefersRateLimitedWrite(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	item, err := q.SubmitOrBuffer(ctx, map[string]any{"id": "r1"}, func(ctx context.Context, payload map[string]any) error {
		return &upstream.RateLimitError{RetryAfter: 30 * time.Second}
	})
	require.NoError(t, err, "Rate limiting must not surface as a submission failure")
	require.NotNil(t, item)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, ReasonRateLimited, item.Reason)
	assert.Equal(t, int64(1), q.QueueStatus(ctx).Depth)

	// The deferred write replays once upstream recovers.
	drained, ok, err := q.DrainOne(ctx, func(ctx context.Context, payload map[string]any) error {
		assert.Equal(t, "r1", payload["id"])
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, drained.Status)
}

func TestSubmitOrBufferSurfacesHardFailures(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	hard := errors.New("validation rejected")
	item, err := q.SubmitOrBuffer(ctx, map[string]any{"id": "r1"}, func(ctx context.Context, payload map[string]any) error {
		return hard
	})
	require.ErrorIs(t, err, hard)
	assert.Nil(t, item)
	assert.Equal(t, int64(0), q.QueueStatus(ctx).Depth, "Hard failures are never buffered")
}

func TestDrainEmptyQueue(t *testing.T) {
	q := newTestQueue()

	_, ok, err := q.DrainOne(context.Background(), func(ctx context.Context, payload map[string]any) error {
		t.Fatal("submit must not be called on an empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAlwaysFailingItemTerminates(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	item, err := q.Enqueue(ctx, map[string]any{"id": "r1"}, ReasonRateLimited)
	require.NoError(t, err)

	attempts := 0
	submit := func(ctx context.Context, payload map[string]any) error {
		attempts++
		return errors.New("still rate limited")
	}

	// Exactly MaxAttempts drains move the item to failed.
	for i := 0; i < 3; i++ {
		_, ok, err := q.DrainOne(ctx, submit)
		require.NoError(t, err)
		require.True(t, ok, "Drain %d should find the item", i+1)
	}
	assert.Equal(t, 3, attempts)

	got, ok, err := q.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)

	// Never retried again: the queue is empty and pending has no trace of it.
	_, ok, err = q.DrainOne(ctx, submit)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, attempts)

	pending, err := q.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailureThenSuccess(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, map[string]any{"id": "r1"}, ReasonRateLimited)
	require.NoError(t, err)

	calls := 0
	submit := func(ctx context.Context, payload map[string]any) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}

	drained, ok, err := q.DrainOne(ctx, submit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, drained.Status, "Failed item goes back to pending")
	assert.Equal(t, 1, drained.Attempts)

	drained, ok, err = q.DrainOne(ctx, submit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, drained.Status)
}

func TestRetryOneReArmsFailedItem(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	item, err := q.Enqueue(ctx, map[string]any{"id": "r1"}, ReasonRateLimited)
	require.NoError(t, err)

	failing := func(ctx context.Context, payload map[string]any) error {
		return errors.New("nope")
	}
	for i := 0; i < 3; i++ {
		_, _, err := q.DrainOne(ctx, failing)
		require.NoError(t, err)
	}

	require.Error(t, q.RetryOne(ctx, "missing"))

	require.NoError(t, q.RetryOne(ctx, item.ID))
	got, ok, err := q.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	// Re-armed items may not be retried while pending.
	require.Error(t, q.RetryOne(ctx, item.ID))

	drained, ok, err := q.DrainOne(ctx, func(ctx context.Context, payload map[string]any) error { return nil })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, drained.Status)
}

func TestSweepBoundedByStartingDepth(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, map[string]any{"n": i}, ReasonRateLimited)
		require.NoError(t, err)
	}

	// Everything fails and re-enqueues; the sweep must still terminate.
	processed, err := q.Sweep(ctx, func(ctx context.Context, payload map[string]any) error {
		return errors.New("down")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	status := q.QueueStatus(ctx)
	assert.Equal(t, int64(3), status.Depth, "Failed items wait for the next sweep")
}

func TestCleanupCompleted(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, map[string]any{"n": i}, ReasonRateLimited)
		require.NoError(t, err)
	}
	processed, err := q.Sweep(ctx, func(ctx context.Context, payload map[string]any) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	removed, err := q.CleanupCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err := q.ListByStatus(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
