//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/multitenantengine"
	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/rules"
	"github.com/liamcoop/loyaltyrules/webhook"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := postgres.Host(ctx)
	require.NoError(t, err)
	port, err := postgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(migrationSQL))
	require.NoError(t, err, "failed to run migrations")

	return db, func() {
		db.Close()
		postgres.Terminate(ctx)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

// TestEndToEnd_CreateRuleAndProcessEvent creates and activates a rule over
// HTTP, processes a matching event and reads back the audit trail.
func TestEndToEnd_CreateRuleAndProcessEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	executions := rules.NewPostgresExecutionStore(db)
	frequency := rules.NewPostgresFrequencyCounter(db)
	ledger := &recordingLedger{}
	executor := rules.NewExecutor(rules.ExecutorDeps{Ledger: ledger})

	engines, err := multitenantengine.NewMultiTenantEngineManager(rules.EngineConfig{
		Store: store, Executions: executions, Executor: executor, Frequency: frequency,
	}, rules.DefaultCacheConfig())
	require.NoError(t, err)
	manager, err := rules.NewManager(rules.ManagerConfig{
		Store: store, Executions: executions, Executor: executor, Frequency: frequency, Invalidator: engines,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(Deps{
		Manager:    manager,
		Engines:    engines,
		Publisher:  processor.NewPublisher(eventlog.NewMemoryLog(100)),
		Deliveries: webhook.NewPostgresDeliveryStore(db),
		Checks:     map[string]func(context.Context) error{"database": db.PingContext},
	}))
	defer srv.Close()
	base := srv.URL + "/api/v1/tenants/acme"

	var def rules.Definition
	require.NoError(t, json.Unmarshal([]byte(bigOrderRule), &def))

	resp := postJSON(t, base+"/rules", CreateRuleRequest{Definition: def, Author: "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rule rules.Rule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rule))
	resp.Body.Close()

	resp = postJSON(t, base+"/rules/"+rule.ID+"/activate", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, base+"/process", ProcessEventRequest{
		EventID:   "evt-100",
		EventType: rules.EventOrderPaid,
		Payload:   orderPayload(250),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var processed ProcessEventResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&processed))
	resp.Body.Close()
	assert.Equal(t, 1, processed.RulesExecuted)
	require.Len(t, ledger.points, 1)

	resp, err = http.Get(base + "/executions?rule_id=" + rule.ID)
	require.NoError(t, err)
	var execs ExecutionsListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execs))
	resp.Body.Close()
	require.Len(t, execs.Executions, 1)
	assert.True(t, execs.Executions[0].ConditionsMet)

	resp, err = http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
