package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/loyaltyrules/rules"
)

func testEvent(id string) *Event {
	return &Event{
		ID:         id,
		Type:       rules.EventOrderPaid,
		TenantID:   "shop-1",
		Payload:    map[string]any{"order": map[string]any{"total_price": 120.0}},
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MaxRetries: DefaultMaxRetries,
	}
}

func appendEvents(t *testing.T, l Log, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := l.Append(context.Background(), testEvent(id))
		require.NoError(t, err)
	}
}

func eventIDs(t *testing.T, msgs []Message) []string {
	t.Helper()
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		e, err := Decode(m.Data)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func TestMemoryLog_ReadBatchPreservesOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(0)
	appendEvents(t, l, "e1", "e2", "e3")

	msgs, err := l.ReadBatch(ctx, DefaultGroup, "c1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, eventIDs(t, msgs))

	msgs, err = l.ReadBatch(ctx, DefaultGroup, "c1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, eventIDs(t, msgs))

	msgs, err = l.ReadBatch(ctx, DefaultGroup, "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryLog_GroupsStartFromBeginning(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(0)
	appendEvents(t, l, "e1", "e2")

	_, err := l.ReadBatch(ctx, "group-a", "c1", 10, 0)
	require.NoError(t, err)

	msgs, err := l.ReadBatch(ctx, "group-b", "c1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, eventIDs(t, msgs))
}

func TestMemoryLog_ReadBatchBlocksUntilAppend(t *testing.T) {
	l := NewMemoryLog(0)

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := l.ReadBatch(context.Background(), DefaultGroup, "c1", 10, 5*time.Second)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	appendEvents(t, l, "e1")

	select {
	case msgs := <-done:
		assert.Equal(t, []string{"e1"}, eventIDs(t, msgs))
	case <-time.After(2 * time.Second):
		t.Fatal("ReadBatch did not wake on append")
	}
}

func TestMemoryLog_ReadBatchTimeoutAndCancel(t *testing.T) {
	l := NewMemoryLog(0)

	start := time.Now()
	msgs, err := l.ReadBatch(context.Background(), DefaultGroup, "c1", 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.ReadBatch(ctx, DefaultGroup, "c1", 10, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLog_AcknowledgeTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(0)
	appendEvents(t, l, "e1", "e2")

	msgs, err := l.ReadBatch(ctx, DefaultGroup, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, l.Acknowledge(ctx, DefaultGroup, msgs[0].ID))
	require.NoError(t, l.Acknowledge(ctx, DefaultGroup, msgs[0].ID))

	pending, err := l.ListPending(ctx, DefaultGroup, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msgs[1].ID, pending[0].ID)
	assert.Equal(t, "c1", pending[0].Consumer)
}

func TestMemoryLog_ClaimAbandoned(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(0)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	appendEvents(t, l, "e1")

	_, err := l.ReadBatch(ctx, DefaultGroup, "crashed", 10, 0)
	require.NoError(t, err)

	claimed, err := l.ClaimAbandoned(ctx, DefaultGroup, "rescuer", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "entry is not idle long enough yet")

	now = now.Add(6 * time.Minute)
	claimed, err = l.ClaimAbandoned(ctx, DefaultGroup, "rescuer", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, eventIDs(t, claimed))

	pending, err := l.ListPending(ctx, DefaultGroup, "rescuer", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.EqualValues(t, 2, pending[0].Deliveries)
}

func TestMemoryLog_TrimAndInfo(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(3)
	appendEvents(t, l, "e1", "e2", "e3", "e4", "e5")

	msgs, err := l.ReadBatch(ctx, DefaultGroup, "c1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, eventIDs(t, msgs))

	info, err := l.Info(ctx, DefaultGroup)
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Length)
	assert.EqualValues(t, 1, info.Pending)
	assert.EqualValues(t, 2, info.Lag)
	assert.EqualValues(t, 1, info.Consumers)
	assert.Equal(t, msgs[0].ID, info.LastDeliveredID)
}

func TestDecode(t *testing.T) {
	data, err := Encode(testEvent("e1"))
	require.NoError(t, err)

	e, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, rules.EventOrderPaid, e.Type)
	assert.True(t, e.CanRetry())

	inv := e.Invocation()
	assert.Equal(t, "e1", inv.EventID)
	assert.Equal(t, e.Timestamp, inv.OccurredAt)

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing id", `{"event_type":"order_paid","tenant_id":"shop-1"}`},
		{"missing tenant", `{"event_id":"e1","event_type":"order_paid"}`},
		{"unsupported type", `{"event_id":"e1","event_type":"order_lost","tenant_id":"shop-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestDecode_Defaults(t *testing.T) {
	e, err := Decode([]byte(`{"event_id":"e1","event_type":"order_paid","tenant_id":"shop-1"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, e.MaxRetries)
	assert.NotNil(t, e.Payload)

	e, err = Decode([]byte(`{"event_id":"e1","event_type":"order_paid","tenant_id":"shop-1","max_retries":0}`))
	require.NoError(t, err)
	assert.Zero(t, e.MaxRetries)
	assert.False(t, e.CanRetry())

	e, err = Decode([]byte(`{"event_id":"e1","event_type":"order_paid","tenant_id":"shop-1","max_retries":-2}`))
	require.NoError(t, err)
	assert.Zero(t, e.MaxRetries)
}
