package rules

import (
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries map[EventType]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[EventType]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

func (c *InMemoryRulesCache) fresh(e cacheEntry) bool {
	return c.config.TTL <= 0 || c.now().Sub(e.cachedAt) <= c.config.TTL
}

// Get retrieves cached rules
// Returns nil if the entry is missing or expired
func (c *InMemoryRulesCache) Get(eventType EventType) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[eventType]
	if !ok || !c.fresh(entry) {
		return nil
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*Rule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(eventType EventType, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[eventType] = cacheEntry{rules: stored, cachedAt: c.now()}
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[EventType]cacheEntry)
}

// IsValid returns true if cache contains valid data for eventType
func (c *InMemoryRulesCache) IsValid(eventType EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[eventType]
	return ok && c.fresh(entry)
}
