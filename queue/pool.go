package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/loyaltyrules/internal/logger"
)

// Handler executes one task. Returning an error wrapped with
// backoff.Permanent skips any further retries.
type Handler func(ctx context.Context, task *Task) error

// RetryPolicy controls how failed tasks are rescheduled.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// DefaultRetryPolicy reschedules after min(300s, 60s*2^n), at most 5 times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Base: 60 * time.Second, Cap: 300 * time.Second}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	return Backoff(p.Base, p.Cap, n)
}

// DefaultLease bounds how long a dequeued task may run before another worker
// may pick it up again.
const DefaultLease = 5 * time.Minute

// PoolConfig configures a Pool.
type PoolConfig struct {
	Name         string
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	Retry        RetryPolicy
}

// Pool polls a Queue for due tasks and runs them on a fixed set of workers.
type Pool struct {
	name         string
	queue        Queue
	workers      int
	pollInterval time.Duration
	lease        time.Duration
	retry        RetryPolicy
	handlers     map[string]Handler
	now          func() time.Time
	metrics      *Metrics

	lifecycleMu sync.Mutex
	started     bool

	// Statistics (atomic)
	dequeued  int64
	processed int64
	failed    int64
	retried   int64
	dropped   int64
	recovered int64
}

// Metrics holds Prometheus metrics for a task pool
type Metrics struct {
	queueDepth     prometheus.Gauge
	processed      prometheus.Counter
	failed         prometheus.Counter
	retried        prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics registers the pool's collectors with reg under prefix.
func WithMetrics(reg prometheus.Registerer, prefix string) Option {
	return func(p *Pool) {
		p.metrics = newMetrics(reg, prefix)
	}
}

func newMetrics(reg prometheus.Registerer, prefix string) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Tasks waiting in the delayed queue",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total tasks executed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total task executions that returned an error",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_retried_total",
			Help: "Total tasks rescheduled after a failure",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total tasks abandoned after exhausting retries",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent executing tasks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
		}, []string{"status"}),
	}
	reg.MustRegister(m.queueDepth, m.processed, m.failed, m.retried, m.dropped, m.processingTime)
	return m
}

// NewPool creates a pool draining q.
func NewPool(q Queue, cfg PoolConfig, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Base == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Name == "" {
		cfg.Name = "tasks"
	}

	p := &Pool{
		name:         cfg.Name,
		queue:        q,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		lease:        cfg.Lease,
		retry:        cfg.Retry,
		handlers:     make(map[string]Handler),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle registers h for tasks of kind. It panics on a nil handler.
func (p *Pool) Handle(kind string, h Handler) {
	if h == nil {
		panic(ErrNilHandler)
	}
	p.handlers[kind] = h
}

// Run polls the queue until ctx is cancelled. Tasks already handed to a
// worker run to completion; tasks dequeued but not yet started are put back.
// Each poll first recovers tasks whose lease expired, e.g. because the
// worker holding them died.
func (p *Pool) Run(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolAlreadyStarted
	}
	p.started = true
	p.lifecycleMu.Unlock()

	work := make(chan *Task)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range work {
				p.execute(context.WithoutCancel(ctx), task)
			}
		}()
	}

	logger.Info("task pool started", "pool", p.name, "workers", p.workers)
	p.poll(ctx, work)
	close(work)
	wg.Wait()
	logger.Info("task pool stopped", "pool", p.name)
	return nil
}

func (p *Pool) poll(ctx context.Context, work chan<- *Task) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.dispatchDue(ctx, work)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) dispatchDue(ctx context.Context, work chan<- *Task) {
	if ctx.Err() != nil {
		return
	}
	now := p.now()
	if n, err := p.queue.Recover(ctx, now); err != nil {
		logger.Error("failed to recover expired task leases", "pool", p.name, "error", err)
	} else if n > 0 {
		atomic.AddInt64(&p.recovered, int64(n))
		logger.Warn("recovered tasks with expired leases", "pool", p.name, "count", n)
	}

	tasks, err := p.queue.Dequeue(ctx, now, p.workers, p.lease)
	if err != nil {
		logger.Error("failed to dequeue tasks", "pool", p.name, "error", err)
		return
	}
	atomic.AddInt64(&p.dequeued, int64(len(tasks)))
	p.updateDepth(ctx)

	for i, task := range tasks {
		select {
		case work <- task:
		case <-ctx.Done():
			p.requeue(tasks[i:])
			return
		}
	}
}

// requeue returns undispatched tasks to the queue during shutdown.
func (p *Pool) requeue(tasks []*Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, task := range tasks {
		if err := p.queue.Reschedule(ctx, task, 0); err != nil {
			logger.Error("failed to requeue task on shutdown", "pool", p.name, "task_id", task.ID, "error", err)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task *Task) {
	start := time.Now()
	err := p.run(ctx, task)
	duration := time.Since(start)

	atomic.AddInt64(&p.processed, 1)
	status := "success"
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.processed.Inc()
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}

	if err != nil {
		p.fail(ctx, task, err)
		return
	}
	p.complete(ctx, task)
}

// complete drops the task's lease. On failure the lease expires and the task
// runs again.
func (p *Pool) complete(ctx context.Context, task *Task) {
	if err := p.queue.Complete(ctx, task.ID); err != nil {
		logger.Error("failed to complete task", "pool", p.name, "task_id", task.ID, "kind", task.Kind, "error", err)
	}
}

func (p *Pool) run(ctx context.Context, task *Task) (err error) {
	h, ok := p.handlers[task.Kind]
	if !ok {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, task.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}

func (p *Pool) fail(ctx context.Context, task *Task, err error) {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) || task.Attempt >= p.retry.MaxRetries {
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		logger.Error("task abandoned",
			"pool", p.name, "task_id", task.ID, "kind", task.Kind, "attempts", task.Attempt+1, "error", err)
		p.complete(ctx, task)
		return
	}

	next := *task
	next.Attempt++
	delay := p.retry.Delay(next.Attempt)
	if rescheduleErr := p.queue.Reschedule(ctx, &next, delay); rescheduleErr != nil {
		logger.Error("failed to reschedule task; it runs again once its lease expires",
			"pool", p.name, "task_id", task.ID, "kind", task.Kind, "error", rescheduleErr)
		return
	}
	atomic.AddInt64(&p.retried, 1)
	if p.metrics != nil {
		p.metrics.retried.Inc()
	}
	logger.Warn("task rescheduled",
		"pool", p.name, "task_id", task.ID, "kind", task.Kind, "retry", next.Attempt, "delay", delay, "error", err)
}

func (p *Pool) updateDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	if n, err := p.queue.Len(ctx); err == nil {
		p.metrics.queueDepth.Set(float64(n))
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Dequeued:  atomic.LoadInt64(&p.dequeued),
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Recovered: atomic.LoadInt64(&p.recovered),
	}
}

// PoolStats represents task pool statistics
type PoolStats struct {
	Workers   int   `json:"workers"`
	Dequeued  int64 `json:"dequeued"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
	Recovered int64 `json:"recovered"`
}
