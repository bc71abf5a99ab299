package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// ResultCache is an in-process LRU cache with per-entry expiry. The
// front of the list is the most recently used entry; inserting past
// capacity evicts from the back. Safe for concurrent use.
type ResultCache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	ll         *list.List
	items      map[string]*list.Element
	hits       uint64
	misses     uint64
}

// New builds a cache holding at most capacity entries, each living for
// defaultTTL unless PutTTL overrides it.
func New(capacity int, defaultTTL time.Duration) *ResultCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Get returns the live value for key. Expired entries are removed and
// reported as misses.
func (c *ResultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Put stores a value under the default TTL.
func (c *ResultCache) Put(key string, value any) {
	c.PutTTL(key, value, c.defaultTTL)
}

// PutTTL stores a value with an explicit TTL, evicting the least
// recently used entry if the cache is full.
func (c *ResultCache) PutTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Now().Add(ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = expires
		c.ll.MoveToFront(el)
		return
	}
	for c.ll.Len() >= c.capacity {
		if back := c.ll.Back(); back != nil {
			c.removeLocked(back)
		}
	}
	el := c.ll.PushFront(&entry{key: key, value: value, expiresAt: expires})
	c.items[key] = el
}

// InvalidateAll drops every entry but keeps the hit and miss counters.
// Sync completion calls this so the next reads recompute from storage.
func (c *ResultCache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ll.Len()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	return n
}

// Clear drops every entry and resets the counters.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.hits = 0
	c.misses = 0
}

// Stats returns a snapshot of the counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Hits: c.hits, Misses: c.misses, Size: c.ll.Len(), Capacity: c.capacity}
}

func (c *ResultCache) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
