package dev

import (
	"sort"
	"strings"
	"sync"
)

// ToolchainPrefix is the cache key prefix for entries derived from the
// configuration. A restart purges it.
const ToolchainPrefix = "toolchain/"

// ArtifactCache holds loaded artifacts keyed by string. Entries whose keys
// share a prefix are dropped together by Purge.
type ArtifactCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	release func()
}

// NewArtifactCache creates an empty cache.
func NewArtifactCache() *ArtifactCache {
	return &ArtifactCache{entries: make(map[string]cacheEntry)}
}

// Get returns the value stored under key.
func (c *ArtifactCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Put stores v under key. release, if non-nil, runs when the entry is
// replaced or purged.
func (c *ArtifactCache) Put(key string, v any, release func()) {
	c.mu.Lock()
	old, ok := c.entries[key]
	c.entries[key] = cacheEntry{value: v, release: release}
	c.mu.Unlock()

	if ok && old.release != nil {
		old.release()
	}
}

// Purge drops every entry whose key starts with prefix and returns how many
// were dropped.
func (c *ArtifactCache) Purge(prefix string) int {
	c.mu.Lock()
	var dropped []cacheEntry
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			dropped = append(dropped, e)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, e := range dropped {
		if e.release != nil {
			e.release()
		}
	}
	return len(dropped)
}

// Len returns the number of entries.
func (c *ArtifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the sorted cache keys.
func (c *ArtifactCache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}
