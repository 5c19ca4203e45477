package keystore

import (
	"sync"
	"time"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// CacheStats holds read-cache counters for monitoring and diagnostics.
type CacheStats struct {
	Hits      uint64    `json:"hits"`
	Misses    uint64    `json:"misses"`
	Evictions uint64    `json:"evictions"`
	Size      int       `json:"size"`
	LastPurge time.Time `json:"lastPurge"`
}

// keyCache is the in-process read cache for unwrapped keys. The key store is
// its sole mutator; entries are evicted on expiry, revocation, and rewrite.
type keyCache struct {
	mu      sync.RWMutex
	entries map[string]*types.EncryptionKey
	stats   CacheStats
}

func newKeyCache() *keyCache {
	return &keyCache{entries: make(map[string]*types.EncryptionKey)}
}

func (c *keyCache) get(id string) (*types.EncryptionKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.entries[id]
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return key, ok
}

func (c *keyCache) put(key *types.EncryptionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.Id] = key
	c.stats.Size = len(c.entries)
}

func (c *keyCache) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.stats.Evictions++
		c.stats.Size = len(c.entries)
	}
}

func (c *keyCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Evictions += uint64(len(c.entries))
	c.entries = make(map[string]*types.EncryptionKey)
	c.stats.Size = 0
	c.stats.LastPurge = time.Now().UTC()
}

func (c *keyCache) snapshot() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
