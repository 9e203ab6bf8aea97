package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	seq  int64
	data []byte
}

type memoryPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type memoryGroup struct {
	lastDelivered int64
	pending       map[int64]*memoryPending
	consumers     map[string]struct{}
}

// MemoryLog is an in-process Log with the same delivery semantics as the
// Redis implementation. Used by tests and single-process deployments.
type MemoryLog struct {
	mu      sync.Mutex
	entries []memoryEntry
	nextSeq int64
	maxLen  int
	groups  map[string]*memoryGroup
	wake    chan struct{}
	now     func() time.Time
}

// NewMemoryLog creates a log trimmed to maxLen entries; maxLen <= 0 means unbounded.
func NewMemoryLog(maxLen int) *MemoryLog {
	return &MemoryLog{
		nextSeq: 1,
		maxLen:  maxLen,
		groups:  make(map[string]*memoryGroup),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

func formatID(seq int64) string {
	return fmt.Sprintf("%d-0", seq)
}

func parseID(id string) (int64, bool) {
	var seq, part int64
	if _, err := fmt.Sscanf(id, "%d-%d", &seq, &part); err != nil {
		return 0, false
	}
	return seq, true
}

// Append adds an encoded event to the end of the log.
func (l *MemoryLog) Append(ctx context.Context, e *Event) (string, error) {
	data, err := Encode(e)
	if err != nil {
		return "", err
	}
	return l.AppendRaw(data), nil
}

// AppendRaw appends data without encoding it first.
func (l *MemoryLog) AppendRaw(data []byte) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	l.nextSeq++
	l.entries = append(l.entries, memoryEntry{seq: seq, data: data})
	if l.maxLen > 0 && len(l.entries) > l.maxLen {
		l.entries = append([]memoryEntry(nil), l.entries[len(l.entries)-l.maxLen:]...)
	}

	close(l.wake)
	l.wake = make(chan struct{})
	return formatID(seq)
}

func (l *MemoryLog) group(name string) *memoryGroup {
	g, ok := l.groups[name]
	if !ok {
		g = &memoryGroup{
			pending:   make(map[int64]*memoryPending),
			consumers: make(map[string]struct{}),
		}
		l.groups[name] = g
	}
	return g
}

func (l *MemoryLog) find(seq int64) (memoryEntry, bool) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].seq >= seq })
	if i < len(l.entries) && l.entries[i].seq == seq {
		return l.entries[i], true
	}
	return memoryEntry{}, false
}

// ReadBatch delivers up to count entries the group has not seen yet.
func (l *MemoryLog) ReadBatch(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Message, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		l.mu.Lock()
		msgs := l.deliverLocked(group, consumer, count)
		wake := l.wake
		l.mu.Unlock()

		if len(msgs) > 0 || deadline == nil {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (l *MemoryLog) deliverLocked(group, consumer string, count int) []Message {
	g := l.group(group)
	g.consumers[consumer] = struct{}{}

	var msgs []Message
	now := l.now()
	for _, e := range l.entries {
		if e.seq <= g.lastDelivered {
			continue
		}
		if count > 0 && len(msgs) >= count {
			break
		}
		g.lastDelivered = e.seq
		g.pending[e.seq] = &memoryPending{consumer: consumer, deliveredAt: now, deliveries: 1}
		msgs = append(msgs, Message{ID: formatID(e.seq), Data: e.data})
	}
	return msgs
}

// Acknowledge removes ids from the group's pending list.
func (l *MemoryLog) Acknowledge(ctx context.Context, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(group)
	for _, id := range ids {
		if seq, ok := parseID(id); ok {
			delete(g.pending, seq)
		}
	}
	return nil
}

// ListPending returns unacknowledged entries, optionally filtered by consumer.
func (l *MemoryLog) ListPending(ctx context.Context, group, consumer string, count int) ([]PendingMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(group)
	now := l.now()
	var out []PendingMessage
	for _, seq := range sortedSeqs(g.pending) {
		p := g.pending[seq]
		if consumer != "" && p.consumer != consumer {
			continue
		}
		if count > 0 && len(out) >= count {
			break
		}
		out = append(out, PendingMessage{
			ID:         formatID(seq),
			Consumer:   p.consumer,
			Idle:       now.Sub(p.deliveredAt),
			Deliveries: p.deliveries,
		})
	}
	return out, nil
}

// ClaimAbandoned transfers entries idle for at least minIdle to consumer.
// Pending entries whose data has been trimmed are dropped from the pending list.
func (l *MemoryLog) ClaimAbandoned(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(group)
	g.consumers[consumer] = struct{}{}
	now := l.now()
	var msgs []Message
	for _, seq := range sortedSeqs(g.pending) {
		if count > 0 && len(msgs) >= count {
			break
		}
		p := g.pending[seq]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		e, ok := l.find(seq)
		if !ok {
			delete(g.pending, seq)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		msgs = append(msgs, Message{ID: formatID(seq), Data: e.data})
	}
	return msgs, nil
}

// Info reports log length and the group's delivery state.
func (l *MemoryLog) Info(ctx context.Context, group string) (*Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(group)
	var lag int64
	for _, e := range l.entries {
		if e.seq > g.lastDelivered {
			lag++
		}
	}
	last := "0-0"
	if g.lastDelivered > 0 {
		last = formatID(g.lastDelivered)
	}
	return &Info{
		Length:          int64(len(l.entries)),
		Pending:         int64(len(g.pending)),
		Lag:             lag,
		Consumers:       int64(len(g.consumers)),
		LastDeliveredID: last,
	}, nil
}

func sortedSeqs(pending map[int64]*memoryPending) []int64 {
	seqs := make([]int64, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
