//go:build integration
// +build integration

package effects

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/loyaltyrules/rules"
)

func setupRedis(t *testing.T) *redis.Client {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStreamLedger_DeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	client := setupRedis(t)
	ledger := NewStreamLedger(client, "test:effects", 1000)

	adj := rules.PointsAdjustment{
		EffectMeta: rules.EffectMeta{TenantID: "shop-1", CustomerID: "cust-1", Key: "evt-1:rule-1:0"},
		Operation:  rules.PointsAdd,
		Amount:     50,
	}
	require.NoError(t, ledger.AdjustPoints(ctx, adj))
	require.NoError(t, ledger.AdjustPoints(ctx, adj))
	require.NoError(t, ledger.SetTier(ctx, rules.TierChange{
		EffectMeta: rules.EffectMeta{TenantID: "shop-1", Key: "evt-1:rule-1:1"},
		TierName:   "gold",
	}))

	entries, err := client.XRange(ctx, "test:effects", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "points", entries[0].Values["kind"])
	assert.Equal(t, "tier", entries[1].Values["kind"])
}
