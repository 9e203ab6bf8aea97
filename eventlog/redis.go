package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dataField = "data"

// RedisLog is a Log backed by a Redis stream.
type RedisLog struct {
	client *redis.Client
	stream string
	maxLen int64
	groups sync.Map
}

// NewRedisLog creates a log on stream, trimmed approximately to maxLen entries.
func NewRedisLog(client *redis.Client, stream string, maxLen int64) *RedisLog {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisLog{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream key.
func (l *RedisLog) Stream() string {
	return l.stream
}

func (l *RedisLog) ensureGroup(ctx context.Context, group string) error {
	if _, ok := l.groups.Load(group); ok {
		return nil
	}
	err := l.client.XGroupCreateMkStream(ctx, l.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	l.groups.Store(group, struct{}{})
	return nil
}

// Append adds an event to the stream.
func (l *RedisLog) Append(ctx context.Context, e *Event) (string, error) {
	data, err := Encode(e)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]any{dataField: data},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event %s: %w", e.ID, err)
	}
	return id, nil
}

// ReadBatch reads new entries for consumer through XREADGROUP.
func (l *RedisLog) ReadBatch(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if err := l.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	if block <= 0 {
		// go-redis omits BLOCK for negative values
		block = -1
	}
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", l.stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		msgs = append(msgs, toMessages(s.Messages)...)
	}
	return msgs, nil
}

// Acknowledge acknowledges ids for group.
func (l *RedisLog) Acknowledge(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, l.stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge %v: %w", ids, err)
	}
	return nil
}

// ListPending returns pending entries, optionally filtered by consumer.
func (l *RedisLog) ListPending(ctx context.Context, group, consumer string, count int) ([]PendingMessage, error) {
	if err := l.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   l.stream,
		Group:    group,
		Start:    "-",
		End:      "+",
		Count:    int64(count),
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending for %s: %w", group, err)
	}

	out := make([]PendingMessage, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingMessage{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// ClaimAbandoned claims entries idle for at least minIdle through XAUTOCLAIM.
func (l *RedisLog) ClaimAbandoned(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	if err := l.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	claimed, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   l.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim abandoned entries: %w", err)
	}
	return toMessages(claimed), nil
}

// Info reports stream length and the group's state from XINFO GROUPS.
func (l *RedisLog) Info(ctx context.Context, group string) (*Info, error) {
	if err := l.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	length, err := l.client.XLen(ctx, l.stream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream length: %w", err)
	}
	groups, err := l.client.XInfoGroups(ctx, l.stream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read group info: %w", err)
	}

	info := &Info{Length: length}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		info.Pending = g.Pending
		info.Lag = g.Lag
		info.Consumers = g.Consumers
		info.LastDeliveredID = g.LastDeliveredID
	}
	return info, nil
}

func toMessages(xs []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(xs))
	for _, x := range xs {
		var data []byte
		switch v := x.Values[dataField].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		}
		msgs = append(msgs, Message{ID: x.ID, Data: data})
	}
	return msgs
}
