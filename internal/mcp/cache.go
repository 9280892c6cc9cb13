package mcp

import (
	"sync"
	"time"

	"github.com/loopline/agentd/internal/types"
)

// DefaultToolCacheTTL is the freshness window for cached tool lists.
const DefaultToolCacheTTL = 60 * time.Minute

// staleFactor extends the freshness window for stale-but-usable entries.
// Past fresh but within stale, the cached list is served while a background
// refresh runs; past stale it is a miss.
const staleFactor = 4

// CacheState classifies a lookup.
type CacheState int

const (
	CacheMiss CacheState = iota
	CacheFresh
	CacheStale
)

func (s CacheState) String() string {
	switch s {
	case CacheFresh:
		return "fresh"
	case CacheStale:
		return "stale"
	}
	return "miss"
}

type cacheEntry struct {
	tools     []types.ToolDefinition
	fetchedAt time.Time
	ttl       time.Duration
}

// ToolsCache caches per-server tool lists in memory with per-server TTLs.
type ToolsCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewToolsCache creates an empty cache.
func NewToolsCache() *ToolsCache {
	return &ToolsCache{entries: map[string]cacheEntry{}, now: time.Now}
}

// Put stores a server's tool list with its TTL.
func (c *ToolsCache) Put(serverID string, tools []types.ToolDefinition, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultToolCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[serverID] = cacheEntry{tools: tools, fetchedAt: c.now(), ttl: ttl}
}

// Get returns the cached list and its state. Stale entries are returned so
// callers can serve them while refreshing; misses return nil.
func (c *ToolsCache) Get(serverID string) ([]types.ToolDefinition, CacheState) {
	c.mu.RLock()
	entry, ok := c.entries[serverID]
	c.mu.RUnlock()
	if !ok {
		return nil, CacheMiss
	}

	age := c.now().Sub(entry.fetchedAt)
	switch {
	case age <= entry.ttl:
		return entry.tools, CacheFresh
	case age <= entry.ttl*staleFactor:
		return entry.tools, CacheStale
	default:
		return nil, CacheMiss
	}
}

// Invalidate drops a server's entry.
func (c *ToolsCache) Invalidate(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, serverID)
}
