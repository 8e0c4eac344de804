package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// decisionCache holds oracle decisions keyed by subject, tool, version,
// and a hash of the requested context. Entries expire on their own TTL;
// policy-change notifications purge a subject's entries eagerly.
type decisionCache struct {
	entries sync.Map // string -> cacheEntry
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return Decision{}, false
	}
	entry := v.(cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.entries.Delete(key)
		return Decision{}, false
	}
	return entry.decision, true
}

func (c *decisionCache) Set(key string, d Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries.Store(key, cacheEntry{decision: d, expiresAt: time.Now().Add(ttl)})
}

// InvalidateSubject removes every cached decision for a subject,
// returning the number purged
func (c *decisionCache) InvalidateSubject(subject string) int {
	prefix := subject + "|"
	purged := 0
	c.entries.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.entries.Delete(k)
			purged++
		}
		return true
	})
	return purged
}

// Purge drops every entry. Used when the whole policy file changes.
func (c *decisionCache) Purge() int {
	purged := 0
	c.entries.Range(func(k, _ interface{}) bool {
		c.entries.Delete(k)
		purged++
		return true
	})
	return purged
}

func cacheKey(subject, toolID, version, contextHash string) string {
	return subject + "|" + toolID + "|" + version + "|" + contextHash
}

// hashContext produces a stable digest of the requested context. JSON
// map keys marshal in sorted order, so equal contexts hash equally.
func hashContext(reqContext map[string]interface{}) string {
	if len(reqContext) == 0 {
		return "none"
	}
	raw, err := json.Marshal(reqContext)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
