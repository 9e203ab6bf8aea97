//go:build integration
// +build integration

package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) *sql.DB {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "loyalty_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := sql.Open("postgres", fmt.Sprintf("host=%s port=%s user=test password=test dbname=loyalty_test sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.Eventually(t, func() bool { return db.Ping() == nil }, 30*time.Second, time.Second)

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	require.NoError(t, err)
	_, err = db.Exec(string(migrationSQL))
	require.NoError(t, err)
	return db
}

func TestPostgresDeliveryStore(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresDeliveryStore(setupTestDB(t))

	d := &Delivery{
		ID: "d-1", TenantID: "shop-1", RuleID: "rule-1", EventID: "evt-1",
		URL: "https://example.com/hook", Method: "POST", Status: StatusPending, CreatedAt: time.Now().UTC(),
	}
	created, err := store.Create(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.Create(ctx, d)
	require.NoError(t, err)
	assert.False(t, created)

	attempts := []Attempt{
		{Number: 1, StatusCode: 503, Error: "webhook returned status 503", Duration: 12 * time.Millisecond, At: time.Now().UTC()},
		{Number: 2, StatusCode: 200, Duration: 8 * time.Millisecond, At: time.Now().UTC()},
	}
	require.NoError(t, store.Complete(ctx, "d-1", StatusDelivered, attempts))

	got, err := store.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 200, got.LastStatusCode)
	assert.NotNil(t, got.CompletedAt)

	rows, err := store.Attempts(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 503, rows[0].StatusCode)

	list, err := store.List(ctx, "shop-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
	assert.ErrorIs(t, store.Complete(ctx, "missing", StatusFailed, nil), ErrDeliveryNotFound)
}
