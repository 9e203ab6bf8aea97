package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/loyaltyrules/queue"
	"github.com/liamcoop/loyaltyrules/rules"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
		Timeout:         time.Second,
	}
}

// flakyServer fails the first failures requests with a 503.
func flakyServer(t *testing.T, failures int64) (*httptest.Server, *int64, *sync.Map) {
	t.Helper()
	var hits int64
	var headers sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		headers.Store("Idempotency-Key", r.Header.Get("Idempotency-Key"))
		headers.Store("X-Shop", r.Header.Get("X-Shop"))
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			headers.Store("body", body)
		}
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &headers
}

func TestClient_RetriesUntilSuccess(t *testing.T) {
	srv, hits, seen := flakyServer(t, 3)
	c := NewClient(fastPolicy())

	result := c.Deliver(context.Background(), Request{
		ID:      "delivery-1",
		URL:     srv.URL,
		Method:  "post",
		Headers: map[string]string{"X-Shop": "shop-1"},
		Payload: map[string]any{"points": 50.0},
	})

	require.True(t, result.Delivered, "error: %v", result.Err)
	assert.EqualValues(t, 4, atomic.LoadInt64(hits))
	require.Len(t, result.Attempts, 4)
	assert.Equal(t, http.StatusServiceUnavailable, result.Attempts[0].StatusCode)
	assert.Equal(t, 4, result.Attempts[3].Number)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	key, _ := seen.Load("Idempotency-Key")
	assert.Equal(t, "delivery-1", key)
	shop, _ := seen.Load("X-Shop")
	assert.Equal(t, "shop-1", shop)
	body, _ := seen.Load("body")
	assert.Equal(t, map[string]any{"points": 50.0}, body)
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, hits, _ := flakyServer(t, 100)
	c := NewClient(fastPolicy())

	result := c.Deliver(context.Background(), Request{ID: "d", URL: srv.URL, Payload: map[string]any{}})
	assert.False(t, result.Delivered)
	assert.Error(t, result.Err)
	assert.EqualValues(t, 5, atomic.LoadInt64(hits))
	assert.Len(t, result.Attempts, 5)
}

func TestClient_InvalidURLIsNotRetried(t *testing.T) {
	c := NewClient(fastPolicy())
	result := c.Deliver(context.Background(), Request{ID: "d", URL: "://missing-scheme", Payload: map[string]any{}})
	assert.False(t, result.Delivered)
	assert.Len(t, result.Attempts, 1)
}

func TestClient_DefaultPolicy(t *testing.T) {
	c := NewClient(Policy{})
	assert.Equal(t, DefaultPolicy(), c.policy)
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveWebhook(status string, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func webhookRequest(url string) rules.WebhookRequest {
	return rules.WebhookRequest{
		EffectMeta: rules.EffectMeta{
			TenantID: "shop-1",
			RuleID:   "rule-1",
			EventID:  "evt-1",
			Key:      "evt-1:rule-1:0",
		},
		URL:     url,
		Method:  http.MethodPost,
		Payload: map[string]any{"event": "order_paid"},
	}
}

func dequeueOne(t *testing.T, q queue.Queue) *queue.Task {
	t.Helper()
	tasks, err := q.Dequeue(context.Background(), time.Now().Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestDispatcher_ThreeFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	srv, hits, _ := flakyServer(t, 3)
	q := queue.NewMemoryQueue()
	store := NewInMemoryDeliveryStore()
	observer := &recordingObserver{}
	d := NewDispatcher(q, NewClient(fastPolicy()), store, observer)

	id, err := d.EnqueueWebhook(ctx, webhookRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, DeliveryID("evt-1:rule-1:0"), id)

	pending, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	task := dequeueOne(t, q)
	require.NoError(t, d.Handle(ctx, task))

	deliveries, err := store.List(ctx, "shop-1", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, StatusDelivered, deliveries[0].Status)
	assert.Equal(t, 4, deliveries[0].Attempts)
	assert.Equal(t, http.StatusOK, deliveries[0].LastStatusCode)
	assert.NotNil(t, deliveries[0].CompletedAt)

	attempts, err := store.Attempts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
	assert.Equal(t, []string{StatusDelivered}, observer.statuses)

	// a redelivered task is skipped
	require.NoError(t, d.Handle(ctx, task))
	assert.EqualValues(t, 4, atomic.LoadInt64(hits))
}

func TestDispatcher_EnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, NewClient(fastPolicy()), NewInMemoryDeliveryStore(), nil)

	first, err := d.EnqueueWebhook(ctx, webhookRequest("http://example.invalid"))
	require.NoError(t, err)
	second, err := d.EnqueueWebhook(ctx, webhookRequest("http://example.invalid"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, _ := q.Len(ctx)
	assert.EqualValues(t, 1, n)
}

// unreliableQueue fails Enqueue while down is set.
type unreliableQueue struct {
	queue.Queue
	down bool
}

func (q *unreliableQueue) Enqueue(ctx context.Context, task *queue.Task, delay time.Duration) error {
	if q.down {
		return errors.New("redis down")
	}
	return q.Queue.Enqueue(ctx, task, delay)
}

func TestDispatcher_PendingDeliveryIsScheduledAgain(t *testing.T) {
	ctx := context.Background()
	srv, hits, _ := flakyServer(t, 0)
	mem := queue.NewMemoryQueue()
	q := &unreliableQueue{Queue: mem, down: true}
	store := NewInMemoryDeliveryStore()
	d := NewDispatcher(q, NewClient(fastPolicy()), store, nil)

	_, err := d.EnqueueWebhook(ctx, webhookRequest(srv.URL))
	require.Error(t, err)
	id := DeliveryID(webhookRequest(srv.URL).Key)
	delivery, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, delivery.Status)

	// the event is redelivered once the queue is back
	q.down = false
	again, err := d.EnqueueWebhook(ctx, webhookRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	n, _ := mem.Len(ctx)
	require.EqualValues(t, 1, n)

	task := dequeueOne(t, mem)
	require.NoError(t, d.Handle(ctx, task))
	require.NoError(t, mem.Complete(ctx, task.ID))
	delivery, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, delivery.Status)

	// a completed delivery is not scheduled again
	_, err = d.EnqueueWebhook(ctx, webhookRequest(srv.URL))
	require.NoError(t, err)
	n, _ = mem.Len(ctx)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits))
}

func TestDispatcher_ExhaustedDeliveryIsPermanent(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := flakyServer(t, 100)
	q := queue.NewMemoryQueue()
	store := NewInMemoryDeliveryStore()
	d := NewDispatcher(q, NewClient(fastPolicy()), store, nil)

	id, err := d.EnqueueWebhook(ctx, webhookRequest(srv.URL))
	require.NoError(t, err)

	err = d.Handle(ctx, dequeueOne(t, q))
	var permanent *backoff.PermanentError
	assert.True(t, errors.As(err, &permanent))

	delivery, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, delivery.Status)
	assert.Equal(t, 5, delivery.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, delivery.LastStatusCode)
}

func TestDispatcher_WiredIntoExecutor(t *testing.T) {
	ctx := context.Background()
	srv, hits, _ := flakyServer(t, 0)
	q := queue.NewMemoryQueue()
	store := NewInMemoryDeliveryStore()
	d := NewDispatcher(q, NewClient(fastPolicy()), store, nil)

	pool := queue.NewPool(q, queue.PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond})
	pool.Handle(queue.KindWebhookDelivery, d.Handle)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pool.Run(runCtx)

	executor := rules.NewExecutor(rules.ExecutorDeps{Webhooks: d})
	rule := &rules.Rule{
		ID:       "rule-1",
		TenantID: "shop-1",
		Actions:  rules.ActionList{rules.WebhookAction{URL: srv.URL, Method: http.MethodPost}},
	}
	ec := rules.NewEventContext(rules.EventOrderPaid, map[string]any{"order": map[string]any{"id": "o-1"}})
	ec.EventID = "evt-1"
	ec.TenantID = "shop-1"
	outcomes, err := executor.Execute(ctx, rule, ec, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	deliveryID := outcomes[0].Detail["delivery_id"]
	require.NotEmpty(t, deliveryID)

	require.Eventually(t, func() bool {
		delivery, err := store.Get(ctx, deliveryID.(string))
		return err == nil && delivery.Status == StatusDelivered
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits))
}
