package metrics

import (
	"sync"
	"time"
)

// bucket aggregates one minute of activity.
type bucket struct {
	events          int64
	eventFailures   int64
	evaluations     int64
	matched         int64
	ruleFailures    int64
	ruleTimeMs      float64
	webhooks        int64
	webhookFailures int64
}

func (b *bucket) add(o *bucket) {
	b.events += o.events
	b.eventFailures += o.eventFailures
	b.evaluations += o.evaluations
	b.matched += o.matched
	b.ruleFailures += o.ruleFailures
	b.ruleTimeMs += o.ruleTimeMs
	b.webhooks += o.webhooks
	b.webhookFailures += o.webhookFailures
}

// window keeps per-minute buckets for a fixed retention.
type window struct {
	mu        sync.Mutex
	buckets   map[int64]*bucket
	retention time.Duration
	now       func() time.Time
}

func newWindow(retention time.Duration) *window {
	return &window{
		buckets:   make(map[int64]*bucket),
		retention: retention,
		now:       time.Now,
	}
}

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

func (w *window) record(fn func(b *bucket)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	key := minuteOf(now)
	b, ok := w.buckets[key]
	if !ok {
		b = &bucket{}
		w.buckets[key] = b
		w.evictLocked(now)
	}
	fn(b)
}

func (w *window) evictLocked(now time.Time) {
	oldest := minuteOf(now.Add(-w.retention))
	for key := range w.buckets {
		if key < oldest {
			delete(w.buckets, key)
		}
	}
}

// sum totals the buckets of the last d, including the current minute.
func (w *window) sum(d time.Duration) bucket {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	from := minuteOf(now.Add(-d))
	var total bucket
	for key, b := range w.buckets {
		if key > from {
			total.add(b)
		}
	}
	return total
}
