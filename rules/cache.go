package rules

import "time"

// RulesCache provides an abstraction for caching active rules per event type
// This allows swapping between in-memory, Redis, or other caching implementations
type RulesCache interface {
	// Get retrieves cached rules for eventType, returns nil on miss or expiry.
	// A cached empty list is returned as a non-nil empty slice.
	Get(eventType EventType) []*Rule

	// Set stores rules for eventType
	Set(eventType EventType, rules []*Rule)

	// Invalidate clears every entry, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if the entry for eventType is present and fresh
	IsValid(eventType EventType) bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only).
	// Processes that do not see another process's mutations serve rules at
	// most TTL old.
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 30 * time.Second,
	}
}
