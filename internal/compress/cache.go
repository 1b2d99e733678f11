package compress

import (
	"container/list"
	"crypto/sha256"
	"sync"
)

const defaultCacheEntries = 256

func cacheKey(data []byte, algo Algorithm) [33]byte {
	var key [33]byte
	sum := sha256.Sum256(data)
	copy(key[:32], sum[:])
	key[32] = byte(algo)
	return key
}

// lruCache maps content hashes to packed results, evicting least recently
// used entries at capacity.
type lruCache struct {
	mu      sync.Mutex
	cap     int
	order   *list.List
	entries map[[33]byte]*list.Element
}

type lruEntry struct {
	key   [33]byte
	value []byte
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[[33]byte]*list.Element, capacity),
	}
}

func (c *lruCache) get(key [33]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key [33]byte, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).value = value
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, value: value})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
