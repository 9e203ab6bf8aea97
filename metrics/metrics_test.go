package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/rules"
	"github.com/liamcoop/loyaltyrules/webhook"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCollector(t *testing.T, opts Options) (*Collector, *clock) {
	t.Helper()
	c := NewCollector(prometheus.NewRegistry(), opts)
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)}
	c.window.now = clk.now
	return c, clk
}

func result(met, success bool, ms float64) *rules.ExecutionResult {
	return &rules.ExecutionResult{RuleID: "r1", ConditionsMet: met, Success: success, ExecutionTimeMs: ms}
}

func TestCollector_PrometheusCounters(t *testing.T) {
	c, _ := newTestCollector(t, Options{})

	c.ObserveRule("shop-1", rules.EventOrderPaid, result(true, true, 2))
	c.ObserveRule("shop-1", rules.EventOrderPaid, result(false, true, 1))
	c.ObserveRule("shop-1", rules.EventOrderPaid, result(true, false, 3))
	c.ObserveEvent("order_paid", processor.StatusProcessed, time.Millisecond)
	c.ObserveEvent("order_paid", processor.StatusDeadLettered, time.Millisecond)
	c.ObserveWebhook(webhook.StatusDelivered, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleExecutions.WithLabelValues("order_paid", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleExecutions.WithLabelValues("order_paid", "unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleExecutions.WithLabelValues("order_paid", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsProcessed.WithLabelValues("order_paid", processor.StatusProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLettered.WithLabelValues("order_paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.webhookDeliveries.WithLabelValues(webhook.StatusDelivered)))
}

func TestCollector_RollingWindows(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCollector(t, Options{})

	// two hours ago: counts toward 24h only
	clk.t = clk.t.Add(-2 * time.Hour)
	c.ObserveEvent("order_paid", processor.StatusProcessed, 0)
	c.ObserveRule("shop-1", rules.EventOrderPaid, result(true, true, 10))
	clk.t = clk.t.Add(2 * time.Hour)

	c.ObserveEvent("order_paid", processor.StatusProcessed, 0)
	c.ObserveEvent("order_paid", processor.StatusRetried, 0)
	c.ObserveRule("shop-1", rules.EventOrderPaid, result(true, true, 4))
	c.ObserveRule("shop-1", rules.EventOrderPaid, result(false, true, 2))
	c.ObserveWebhook(webhook.StatusDelivered, 0)
	c.ObserveWebhook(webhook.StatusFailed, 0)

	m, err := c.System(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.EventsProcessed1h)
	assert.EqualValues(t, 3, m.EventsProcessed24h)
	assert.EqualValues(t, 2, m.RulesEvaluated1h)
	assert.EqualValues(t, 1, m.RulesExecuted1h)
	assert.EqualValues(t, 2, m.RulesExecuted24h)
	assert.InDelta(t, 3.0, m.AverageProcessingTimeMs, 0.001)
	assert.InDelta(t, 25.0, m.ErrorRate1h, 0.001)
	assert.InDelta(t, 50.0, m.WebhookSuccessRate1h, 0.001)
	assert.NotNil(t, m.LogCounters)

	// a day later everything has aged out
	clk.t = clk.t.Add(25 * time.Hour)
	c.ObserveEvent("order_paid", processor.StatusProcessed, 0)
	m, err = c.System(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.EventsProcessed24h)
	assert.Len(t, c.window.buckets, 1)
}

func TestCollector_StreamInfo(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(0)
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := log.Append(ctx, &eventlog.Event{ID: id, Type: rules.EventOrderPaid, TenantID: "shop-1"})
		require.NoError(t, err)
	}
	_, err := log.ReadBatch(ctx, eventlog.DefaultGroup, "c1", 1, 0)
	require.NoError(t, err)

	c, _ := newTestCollector(t, Options{Log: log})
	m, err := c.System(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, m.StreamLength)
	assert.EqualValues(t, 2, m.StreamLag)
	assert.EqualValues(t, 1, m.PendingMessages)
	assert.EqualValues(t, 1, m.ActiveConsumers)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.consumerLag))
}

func TestAlertManager(t *testing.T) {
	a := NewAlertManager(DefaultThresholds())

	healthy := &SystemMetrics{ErrorRate1h: 1, AverageProcessingTimeMs: 10, StreamLag: 5, WebhookSuccessRate1h: 100}
	assert.Empty(t, a.Evaluate(healthy))

	degraded := &SystemMetrics{ErrorRate1h: 12.5, AverageProcessingTimeMs: 1500, StreamLag: 5000, WebhookSuccessRate1h: 80}
	alerts := a.Evaluate(degraded)
	require.Len(t, alerts, 4)
	assert.Equal(t, "error_rate", alerts[0].Type)
	assert.Equal(t, "High error rate: 12.50%", alerts[0].Message)
	assert.Equal(t, []string{"error_rate", "processing_time", "stream_lag", "webhook_failures"}, a.Active())

	assert.Empty(t, a.Evaluate(healthy))
	assert.Empty(t, a.Active())
}

func TestCollector_CheckAlerts(t *testing.T) {
	c, _ := newTestCollector(t, Options{})
	for i := 0; i < 9; i++ {
		c.ObserveRule("shop-1", rules.EventOrderPaid, result(true, true, 1))
	}
	c.ObserveRule("shop-1", rules.EventOrderPaid, result(true, false, 1))

	alerts, err := c.CheckAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "error_rate", alerts[0].Type)
	assert.InDelta(t, 10.0, alerts[0].Value, 0.001)
}

func TestCollector_TenantAndRule(t *testing.T) {
	ctx := context.Background()
	store := rules.NewInMemoryExecutionStore()
	c, clk := newTestCollector(t, Options{Executions: store})

	records := []*rules.RuleExecution{
		{ID: "x1", RuleID: "r1", TenantID: "shop-1", EventID: "e1", ConditionsMet: true, Success: true, ExecutionTimeMs: 2},
		{ID: "x2", RuleID: "r1", TenantID: "shop-1", EventID: "e2", ConditionsMet: true, Success: false, ExecutionTimeMs: 6},
		{ID: "x3", RuleID: "r2", TenantID: "shop-1", EventID: "e1", ConditionsMet: false, Success: true, ExecutionTimeMs: 1},
		{ID: "x4", RuleID: "r3", TenantID: "shop-2", EventID: "e3", ConditionsMet: true, Success: true, ExecutionTimeMs: 1},
	}
	for _, r := range records {
		r.EventType = rules.EventOrderPaid
		r.ExecutedAt = clk.t.Add(-10 * time.Minute)
		_, err := store.Record(ctx, r)
		require.NoError(t, err)
	}

	tm, err := c.Tenant(ctx, "shop-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, tm.RulesEvaluated1h)
	assert.EqualValues(t, 2, tm.RulesExecuted1h)
	assert.InDelta(t, 100.0/3, tm.ErrorRate1h, 0.001)
	require.NotEmpty(t, tm.TopTriggeredRules)
	assert.Equal(t, "r1", tm.TopTriggeredRules[0].RuleID)

	rp, err := c.Rule(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, 24, rp.PeriodHours)
	assert.EqualValues(t, 2, rp.TotalExecutions)
	assert.InDelta(t, 100.0, rp.ConditionsMetRate, 0.001)
	assert.InDelta(t, 50.0, rp.SuccessRate, 0.001)
	assert.InDelta(t, 6.0, rp.MaxExecutionTimeMs, 0.001)

	_, err = NewCollector(prometheus.NewRegistry(), Options{}).Tenant(ctx, "shop-1")
	assert.Error(t, err)
}
