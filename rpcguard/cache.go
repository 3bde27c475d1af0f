package rpcguard

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// cacheEntry is one cached upstream response.
type cacheEntry struct {
	key      string
	result   json.RawMessage
	storedAt time.Time
	ttl      time.Duration
	element  *list.Element
}

func (e *cacheEntry) fresh(now time.Time) bool {
	return now.Before(e.storedAt.Add(e.ttl))
}

// responseCache is a thread-safe LRU cache. Entries past their TTL are kept
// until evicted by capacity: a stale entry is still served as a degraded
// fallback while the circuit is open.
type responseCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*cacheEntry
	lru     *list.List
	hits    int64
	misses  int64
	stale   int64
}

func newResponseCache(maxSize int) *responseCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &responseCache{
		maxSize: maxSize,
		items:   make(map[string]*cacheEntry),
		lru:     list.New(),
	}
}

// get returns the cached result and whether it is still within its TTL.
func (c *responseCache) get(key string) (json.RawMessage, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false, false
	}

	c.lru.MoveToFront(entry.element)
	if entry.fresh(time.Now()) {
		c.hits++
		return entry.result, true, true
	}
	c.stale++
	return entry.result, false, true
}

// set stores a result with the method's TTL, evicting the oldest entries when
// the cache is full.
func (c *responseCache) set(key string, result json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		entry.result = result
		entry.storedAt = time.Now()
		entry.ttl = ttl
		c.lru.MoveToFront(entry.element)
		return
	}

	for c.lru.Len() >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.items, entry.key)
	}

	entry := &cacheEntry{
		key:      key,
		result:   result,
		storedAt: time.Now(),
		ttl:      ttl,
	}
	entry.element = c.lru.PushFront(entry)
	c.items[key] = entry
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *responseCache) stats() (hits, misses, stale int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.stale
}
