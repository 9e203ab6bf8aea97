package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type scheduled struct {
	task *Task
	due  time.Time
	seq  int64
}

type taskHeap []*scheduled

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*scheduled)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type leased struct {
	task    *Task
	expires time.Time
}

// MemoryQueue is an in-process Queue ordered by due time. It follows the
// same lease rules as RedisQueue.
type MemoryQueue struct {
	mu     sync.Mutex
	items  taskHeap
	queued map[string]struct{}
	leases map[string]*leased
	seq    int64
	now    func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[string]struct{}),
		leases: make(map[string]*leased),
		now:    time.Now,
	}
}

func (q *MemoryQueue) pushLocked(task *Task, due time.Time) {
	q.seq++
	heap.Push(&q.items, &scheduled{task: task, due: due, seq: q.seq})
	q.queued[task.ID] = struct{}{}
}

// Enqueue schedules task to become due after delay.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[task.ID]; ok {
		return nil
	}
	if _, ok := q.leases[task.ID]; ok {
		return nil
	}
	copied := *task
	q.pushLocked(&copied, q.now().Add(delay))
	return nil
}

// Dequeue leases up to max tasks due at or before now until now+lease.
func (q *MemoryQueue) Dequeue(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Task
	for q.items.Len() > 0 && (max <= 0 || len(out) < max) {
		next := q.items[0]
		if next.due.After(now) {
			break
		}
		heap.Pop(&q.items)
		delete(q.queued, next.task.ID)
		q.leases[next.task.ID] = &leased{task: next.task, expires: now.Add(lease)}
		copied := *next.task
		out = append(out, &copied)
	}
	return out, nil
}

// Complete drops a leased task.
func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leases, id)
	return nil
}

// Reschedule releases task's lease and makes it due after delay.
func (q *MemoryQueue) Reschedule(ctx context.Context, task *Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leases, task.ID)
	if _, ok := q.queued[task.ID]; ok {
		return nil
	}
	copied := *task
	q.pushLocked(&copied, q.now().Add(delay))
	return nil
}

// Recover makes tasks with expired leases due at now.
func (q *MemoryQueue) Recover(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, l := range q.leases {
		if l.expires.After(now) {
			continue
		}
		delete(q.leases, id)
		q.pushLocked(l.task, now)
		n++
	}
	return n, nil
}

// Len returns the number of waiting tasks.
func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.items.Len()), nil
}
