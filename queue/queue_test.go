package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, policy.Delay(n))
	}
	want := []time.Duration{120 * time.Second, 240 * time.Second, 300 * time.Second, 300 * time.Second, 300 * time.Second}
	assert.Equal(t, want, got)

	assert.Equal(t, 2*time.Second, Backoff(time.Second, 300*time.Second, 1))
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 300*time.Second, 3))
	assert.Equal(t, 300*time.Second, Backoff(time.Second, 300*time.Second, 200))
	assert.Equal(t, time.Second, Backoff(time.Second, 300*time.Second, -1))
}

func newTestTask(t *testing.T, id string) *Task {
	t.Helper()
	task, err := NewTask(KindWebhookDelivery, map[string]string{"url": "https://example.com/hook"})
	require.NoError(t, err)
	task.ID = id
	return task
}

func TestMemoryQueue_DueOrderAndIdempotency(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "late"), 10*time.Second))
	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "early"), time.Second))
	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "early"), time.Hour))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	tasks, err := q.Dequeue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = q.Dequeue(ctx, now.Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "early", tasks[0].ID)
	assert.Equal(t, "late", tasks[1].ID)

	var payload map[string]string
	require.NoError(t, tasks[0].Decode(&payload))
	assert.Equal(t, "https://example.com/hook", payload["url"])

	// a leased id is not scheduled twice; once completed it can be again
	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "early"), 0))
	n, _ = q.Len(ctx)
	assert.Zero(t, n)
	require.NoError(t, q.Complete(ctx, "early"))
	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "early"), 0))
	n, _ = q.Len(ctx)
	assert.EqualValues(t, 1, n)
}

func TestMemoryQueue_ExpiredLeasesAreRecovered(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "crashed"), 0))
	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "done"), 0))
	tasks, err := q.Dequeue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.NoError(t, q.Complete(ctx, "done"))

	// the worker holding "crashed" never reports back
	n, err := q.Recover(ctx, now.Add(59*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.Recover(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err = q.Dequeue(ctx, now.Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "crashed", tasks[0].ID)
}

func TestMemoryQueue_RescheduleReplacesLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "t1"), 0))
	tasks, err := q.Dequeue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	next := *tasks[0]
	next.Attempt = 1
	require.NoError(t, q.Reschedule(ctx, &next, 30*time.Second))

	n, err := q.Recover(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "a rescheduled task holds no lease")

	tasks, err = q.Dequeue(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempt)
}

func runPool(t *testing.T, p *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return cancel
}

func TestPool_ProcessesDueTasks(t *testing.T) {
	q := NewMemoryQueue()
	reg := prometheus.NewRegistry()
	p := NewPool(q, PoolConfig{Name: "test", Workers: 2, PollInterval: 5 * time.Millisecond}, WithMetrics(reg, "test_tasks"))

	var handled int64
	p.Handle(KindWebhookDelivery, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), newTestTask(t, id), 0))
	}
	runPool(t, p)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&handled) == 3 }, 2*time.Second, 5*time.Millisecond)
	stats := p.Stats()
	assert.EqualValues(t, 3, stats.Processed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3.0, testutil.ToFloat64(p.metrics.processed))
}

func TestPool_ReschedulesWithBackoff(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	p := NewPool(q, PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond})
	p.now = func() time.Time { return now }
	p.Handle(KindWebhookDelivery, func(ctx context.Context, task *Task) error {
		return errors.New("endpoint unavailable")
	})

	require.NoError(t, q.Enqueue(context.Background(), newTestTask(t, "t1"), 0))
	cancel := runPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Retried == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	ctx := context.Background()
	tasks, err := q.Dequeue(ctx, now.Add(119*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = q.Dequeue(ctx, now.Add(120*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, 1, tasks[0].Attempt)
}

func TestPool_DropsAfterMaxRetries(t *testing.T) {
	q := NewMemoryQueue()
	p := NewPool(q, PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond, Retry: RetryPolicy{MaxRetries: 2}})

	var calls int64
	p.Handle(KindEventRetry, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&calls, 1)
		return errors.New("still failing")
	})

	task, err := NewTask(KindEventRetry, map[string]string{"event_id": "e1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), task, 0))
	runPool(t, p)

	require.Eventually(t, func() bool { return p.Stats().Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
	assert.EqualValues(t, 2, p.Stats().Retried)
}

func TestPool_PermanentErrorsAndUnknownKinds(t *testing.T) {
	q := NewMemoryQueue()
	p := NewPool(q, PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond})
	p.Handle(KindWebhookDelivery, func(ctx context.Context, task *Task) error {
		return backoff.Permanent(errors.New("gave up"))
	})

	require.NoError(t, q.Enqueue(context.Background(), newTestTask(t, "t1"), 0))
	unknown := &Task{ID: "t2", Kind: "mystery"}
	require.NoError(t, q.Enqueue(context.Background(), unknown, 0))
	runPool(t, p)

	require.Eventually(t, func() bool { return p.Stats().Dropped == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Stats().Retried)
	n, _ := q.Len(context.Background())
	assert.Zero(t, n)
}

func TestPool_CompletesTasksAndRecoversAbandonedLeases(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	// a previous worker leased this task and died before finishing it
	require.NoError(t, q.Enqueue(ctx, newTestTask(t, "orphan"), 0))
	tasks, err := q.Dequeue(ctx, time.Now(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	p := NewPool(q, PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond})
	var handled int64
	p.Handle(KindWebhookDelivery, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})
	runPool(t, p)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&handled) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, p.Stats().Recovered)

	// completed tasks leave nothing behind to recover
	require.Eventually(t, func() bool { return q.leaseCount() == 0 }, time.Second, 5*time.Millisecond)
	n, _ := q.Len(ctx)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, atomic.LoadInt64(&handled))
}

func (q *MemoryQueue) leaseCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leases)
}

func TestPool_RunTwice(t *testing.T) {
	p := NewPool(NewMemoryQueue(), PoolConfig{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.ErrorIs(t, p.Run(ctx), ErrPoolAlreadyStarted)
}

func TestPool_HandlePanicsOnNil(t *testing.T) {
	p := NewPool(NewMemoryQueue(), PoolConfig{})
	assert.Panics(t, func() { p.Handle(KindEventRetry, nil) })
}
