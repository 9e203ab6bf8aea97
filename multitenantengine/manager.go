package multitenantengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/rules"
)

// TenantEngine wraps a rules.Engine with tenant-specific metadata
type TenantEngine struct {
	TenantID string
	Engine   *rules.Engine
	LoadedAt time.Time
}

// MultiTenantEngineManager routes events to per-tenant engines. Engines share
// the store, executor and observer but each keeps its own rule cache.
type MultiTenantEngineManager struct {
	engines map[string]*TenantEngine
	shared  rules.EngineConfig
	cache   rules.CacheConfig
	mu      sync.RWMutex
}

// NewMultiTenantEngineManager creates a new manager instance. shared.Cache is
// ignored; every tenant gets a cache built from cacheConfig.
func NewMultiTenantEngineManager(shared rules.EngineConfig, cacheConfig rules.CacheConfig) (*MultiTenantEngineManager, error) {
	if shared.Store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	shared.Cache = nil
	return &MultiTenantEngineManager{
		engines: make(map[string]*TenantEngine),
		shared:  shared,
		cache:   cacheConfig,
	}, nil
}

// LoadAllTenants warms an engine for every tenant that owns rules
func (m *MultiTenantEngineManager) LoadAllTenants(ctx context.Context) error {
	tenants, err := m.shared.Store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}

	tenantsLoaded := 0
	for _, tenantID := range tenants {
		if err := ValidateTenantID(tenantID); err != nil {
			logger.Warn("skipping tenant with invalid id", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := m.CreateTenant(tenantID); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
		tenantsLoaded++
	}

	logger.Info("tenant engines loaded", "tenants", tenantsLoaded)
	return nil
}

// CreateTenant creates (or replaces) the engine for tenantID
func (m *MultiTenantEngineManager) CreateTenant(tenantID string) error {
	te, err := m.newTenantEngine(tenantID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[tenantID] = te
	m.mu.Unlock()
	return nil
}

func (m *MultiTenantEngineManager) newTenantEngine(tenantID string) (*TenantEngine, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	cfg := m.shared
	cfg.Cache = rules.NewInMemoryRulesCache(m.cache)
	engine, err := rules.NewEngine(tenantID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &TenantEngine{TenantID: tenantID, Engine: engine, LoadedAt: time.Now().UTC()}, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*rules.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}

	return te.Engine, nil
}

// Engine returns the tenant's engine, creating it on first use
func (m *MultiTenantEngineManager) Engine(tenantID string) (*rules.Engine, error) {
	if engine, err := m.GetEngine(tenantID); err == nil {
		return engine, nil
	}

	te, err := m.newTenantEngine(tenantID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.engines[tenantID]; ok {
		return existing.Engine, nil
	}
	m.engines[tenantID] = te
	return te.Engine, nil
}

// ProcessEvent runs payload through tenantID's active rules for eventType
func (m *MultiTenantEngineManager) ProcessEvent(ctx context.Context, tenantID string, eventType rules.EventType, payload map[string]any) ([]*rules.ExecutionResult, error) {
	return m.Process(ctx, tenantID, rules.Invocation{EventType: eventType, Payload: payload})
}

// Process runs a fully described invocation for tenantID
func (m *MultiTenantEngineManager) Process(ctx context.Context, tenantID string, inv rules.Invocation) ([]*rules.ExecutionResult, error) {
	engine, err := m.Engine(tenantID)
	if err != nil {
		return nil, err
	}
	return engine.Process(ctx, inv)
}

// Invalidate drops tenantID's cached rules. It satisfies rules.Invalidator.
func (m *MultiTenantEngineManager) Invalidate(tenantID string) {
	m.mu.RLock()
	te, exists := m.engines[tenantID]
	m.mu.RUnlock()
	if exists {
		te.Engine.Invalidate()
	}
}

// ListTenants returns all loaded tenant IDs
func (m *MultiTenantEngineManager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}
