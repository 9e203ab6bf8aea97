package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/loyaltyrules/internal/logger"
)

// addTask stores the body and schedules the id unless the task is already known.
var addTask = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
end
return 1
`)

// leaseDue moves due ids from the schedule to the lease set, scored by lease
// expiry, and returns their bodies.
var leaseDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    table.insert(out, body)
  end
end
return out
`)

// rescheduleTask releases a lease and schedules the new body.
var rescheduleTask = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// recoverExpired moves ids whose lease expired back to the schedule.
var recoverExpired = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #ids
`)

// RedisQueue stores the schedule in a sorted set scored by due time (unix
// milliseconds), task bodies in a hash keyed by task id, and leased ids in a
// sorted set scored by lease expiry.
type RedisQueue struct {
	client   *redis.Client
	schedule string
	bodies   string
	leases   string
	now      func() time.Time
}

// NewRedisQueue creates a queue under the given key prefix, e.g. "loyalty:queue:webhooks".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		client:   client,
		schedule: prefix + ":schedule",
		bodies:   prefix + ":tasks",
		leases:   prefix + ":leases",
		now:      time.Now,
	}
}

func (q *RedisQueue) keys() []string {
	return []string{q.schedule, q.bodies, q.leases}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue schedules task to become due after delay.
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := addTask.Run(ctx, q.client, q.keys(), task.ID, body, millis(q.now().Add(delay))).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue leases up to max tasks due at or before now until now+lease.
func (q *RedisQueue) Dequeue(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*Task, error) {
	if max <= 0 {
		max = 100
	}
	res, err := leaseDue.Run(ctx, q.client, q.keys(), millis(now), max, millis(now.Add(lease))).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to dequeue tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(res))
	for _, body := range res {
		var task Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			logger.Error("dropping undecodable task", "queue", q.schedule, "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// Complete drops a leased task and its body.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.leases, id)
		pipe.HDel(ctx, q.bodies, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return nil
}

// Reschedule releases task's lease and makes it due after delay.
func (q *RedisQueue) Reschedule(ctx context.Context, task *Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := rescheduleTask.Run(ctx, q.client, q.keys(), task.ID, body, millis(q.now().Add(delay))).Err(); err != nil {
		return fmt.Errorf("failed to reschedule task %s: %w", task.ID, err)
	}
	return nil
}

// Recover makes tasks with expired leases due at now.
func (q *RedisQueue) Recover(ctx context.Context, now time.Time) (int, error) {
	n, err := recoverExpired.Run(ctx, q.client, q.keys(), millis(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover expired leases: %w", err)
	}
	return n, nil
}

// Len returns the number of waiting tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.schedule).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}
