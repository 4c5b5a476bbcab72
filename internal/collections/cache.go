package collections

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache memoizes the namespace root collection for a bounded time.
type Cache interface {
	Get() (Collection, bool)
	Set(Collection)
	// Generation changes whenever the cache is invalidated.
	Generation() uint64
	// SetIfUnchanged stores the collection only when no invalidation happened
	// since generation was observed.
	SetIfUnchanged(Collection, uint64) bool
	Invalidate()
	CollectionWritten(Collection)
}

// TTLCacheConfig describes the namespace root cache entry.
type TTLCacheConfig struct {
	Key string
	TTL time.Duration
	// WatchedName is the namespace root name; writes to any top-level
	// collection with this name invalidate the entry.
	WatchedName string
	Metrics     *metrics.Recorder
}

// TTLCache holds a single expiring entry for the namespace root.
type TTLCache struct {
	key         string
	watchedName string
	entries     *expirable.LRU[string, Collection]
	generation  atomic.Uint64
	recorder    *metrics.Recorder
}

// NewTTLCache constructs a TTLCache.
func NewTTLCache(cfg TTLCacheConfig) *TTLCache {
	return &TTLCache{
		key:         cfg.Key,
		watchedName: strings.TrimSpace(cfg.WatchedName),
		entries:     expirable.NewLRU[string, Collection](1, nil, cfg.TTL),
		recorder:    cfg.Metrics,
	}
}

// Get returns the cached namespace root when present and unexpired.
func (c *TTLCache) Get() (Collection, bool) {
	collection, ok := c.entries.Get(c.key)
	c.recorder.RecordCacheLookup(ok)
	return collection, ok
}

// Set stores the namespace root unconditionally.
func (c *TTLCache) Set(collection Collection) {
	c.entries.Add(c.key, collection)
}

// Generation returns the current invalidation generation.
func (c *TTLCache) Generation() uint64 {
	return c.generation.Load()
}

// SetIfUnchanged stores the collection when the generation still matches.
func (c *TTLCache) SetIfUnchanged(collection Collection, generation uint64) bool {
	if c.generation.Load() != generation {
		return false
	}
	c.entries.Add(c.key, collection)
	if c.generation.Load() != generation {
		c.entries.Remove(c.key)
		return false
	}
	return true
}

// Invalidate drops the cached entry.
func (c *TTLCache) Invalidate() {
	c.generation.Add(1)
	c.entries.Remove(c.key)
	c.recorder.RecordCacheInvalidation()
}

// CollectionWritten invalidates the entry when the written collection is the
// cached one or could become the namespace root.
func (c *TTLCache) CollectionWritten(written Collection) {
	cached, ok := c.entries.Peek(c.key)
	if ok && (cached.ID == written.ID || (cached.Name == written.Name && cached.Depth == written.Depth)) {
		c.Invalidate()
		return
	}
	if written.Depth == rootDepth && written.Name == c.watchedName {
		c.Invalidate()
	}
}
