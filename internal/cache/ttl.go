// Package cache provides a small generic in-memory cache with per-entry TTLs.
//
// Expired entries are dropped lazily on Get and eagerly by Purge, which pops
// the expiry heap until the first live entry.
package cache

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is used when Set is called with ttl <= 0.
const DefaultTTL = 300 * time.Second

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	index     int // position in the heap, -1 once removed
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]*entry[V]
	exp        expiryHeap[V]
	defaultTTL time.Duration
	now        func() time.Time
	gen        uint64 // bumped by Delete and InvalidatePrefix
}

type Option[V any] func(*Cache[V])

// WithClock overrides the time source.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultTTL sets the TTL applied when Set receives ttl <= 0.
func WithDefaultTTL[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		items:      map[string]*entry[V]{},
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Get returns the live value for key. An expired entry is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(e)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, v, ttl)
}

// Generation returns a counter that every Delete and InvalidatePrefix bumps.
// Read it before loading a value from the source of truth and hand it to SetAt.
func (c *Cache[V]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetAt stores v only if no invalidation happened since gen was read, so a
// load that raced with a writer cannot cache what the writer replaced.
func (c *Cache[V]) SetAt(gen uint64, key string, v V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setLocked(key, v, ttl)
	return true
}

func (c *Cache[V]) setLocked(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	exp := c.now().Add(ttl)
	if e, ok := c.items[key]; ok {
		e.value = v
		e.expiresAt = exp
		heap.Fix(&c.exp, e.index)
		return
	}
	e := &entry[V]{key: key, value: v, expiresAt: exp}
	c.items[key] = e
	heap.Push(&c.exp, e)
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were removed. An empty prefix clears the cache.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if prefix == "" {
		n := len(c.items)
		c.items = map[string]*entry[V]{}
		c.exp = c.exp[:0]
		return n
	}
	n := 0
	for k, e := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

// Purge drops all expired entries.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for len(c.exp) > 0 {
		e := c.exp[0]
		if now.Before(e.expiresAt) {
			break
		}
		c.removeLocked(e)
		n++
	}
	return n
}

// Len counts stored entries, including expired ones not yet purged.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	delete(c.items, e.key)
	if e.index >= 0 && e.index < len(c.exp) {
		heap.Remove(&c.exp, e.index)
	}
}

type expiryHeap[V any] []*entry[V]

func (h expiryHeap[V]) Len() int           { return len(h) }
func (h expiryHeap[V]) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap[V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[V]) Push(x any) {
	e := x.(*entry[V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
