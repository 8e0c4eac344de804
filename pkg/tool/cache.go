package tool

import (
	"sync"
	"sync/atomic"
	"time"
)

// manifestCache is a TTL in-memory cache with stale-while-revalidate
// semantics for manifest reads. sync.Map keeps the read path lock-free.
type manifestCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	manifest   *Manifest // nil = negative entry (version not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// cacheResult holds the outcome of a cache lookup.
type cacheResult struct {
	manifest     *Manifest
	hit          bool
	needsRefresh bool // expired; the winner of the CAS refreshes in background
}

func newManifestCache(ttl time.Duration) *manifestCache {
	return &manifestCache{ttl: ttl}
}

func cacheKey(toolID, version string) string {
	return toolID + "@" + version
}

// get performs a non-blocking lookup. An expired entry is still returned,
// with needsRefresh set for exactly one caller.
func (c *manifestCache) get(toolID, version string) cacheResult {
	val, ok := c.store.Load(cacheKey(toolID, version))
	if !ok {
		return cacheResult{}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return cacheResult{manifest: entry.manifest, hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return cacheResult{manifest: entry.manifest, hit: true, needsRefresh: needsRefresh}
}

// set stores a manifest with a fresh TTL. nil stores a negative entry.
func (c *manifestCache) set(toolID, version string, m *Manifest) {
	c.store.Store(cacheKey(toolID, version), &cacheEntry{
		manifest:  m,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// invalidateTool drops every cached version of a tool.
func (c *manifestCache) invalidateTool(toolID string) int {
	prefix := toolID + "@"
	removed := 0
	c.store.Range(func(key, _ interface{}) bool {
		k := key.(string)
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.store.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// purge drops all entries.
func (c *manifestCache) purge() {
	c.store.Range(func(key, _ interface{}) bool {
		c.store.Delete(key)
		return true
	})
}
