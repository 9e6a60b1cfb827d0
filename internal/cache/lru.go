// Package cache provides a TTL-bounded LRU cache for rendered query responses.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the default maximum number of cached responses.
const DefaultCapacity = 10000

// DefaultTTL is the default lifetime of a cached response.
const DefaultTTL = 600 * time.Second

// QueryCache caches rendered API responses keyed by endpoint+filter strings.
// Entries expire after a fixed TTL; when the entry count exceeds capacity,
// least recently used entries are evicted first.
type QueryCache struct {
	mu       sync.Mutex
	entries  map[string]*lruEntry
	head     *lruEntry // Most recently used.
	tail     *lruEntry // Least recently used.
	capacity int
	ttl      time.Duration
	now      func() time.Time

	// Metrics (atomic for lock-free reads).
	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64
}

// lruEntry is a doubly-linked list node for LRU tracking.
type lruEntry struct {
	key       string
	value     string
	expiresAt time.Time
	prev      *lruEntry
	next      *lruEntry
}

// New creates a query cache with the given capacity and entry TTL.
// Non-positive arguments fall back to the package defaults.
func New(capacity int, ttl time.Duration) *QueryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &QueryCache{
		entries:  make(map[string]*lruEntry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get retrieves a cached response. Expired entries are removed lazily
// and reported as misses.
func (c *QueryCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return "", false
	}

	if c.now().After(entry.expiresAt) {
		c.removeEntry(entry)
		c.expired.Add(1)
		c.misses.Add(1)

		return "", false
	}

	c.hits.Add(1)
	c.moveToFront(entry)

	return entry.value, true
}

// Put stores a response under key, resetting its TTL. When the cache is at
// capacity, least recently used entries are evicted to make room.
func (c *QueryCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.expiresAt = c.now().Add(c.ttl)
		c.moveToFront(entry)

		return
	}

	for len(c.entries) >= c.capacity && c.tail != nil {
		c.removeEntry(c.tail)
	}

	entry := &lruEntry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}

	c.entries[key] = entry
	c.addToFront(entry)
}

// InvalidateAll removes every entry. Called after ingest writes so readers
// never see aggregates older than the last completed poll cycle.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*lruEntry)
	c.head = nil
	c.tail = nil
}

// Len returns the current number of entries, including any not yet
// lazily expired.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns cache performance counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Expired:  c.expired.Load(),
		Entries:  len(c.entries),
		Capacity: c.capacity,
	}
}

// Stats holds cache performance counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Expired  int64 // Misses caused by TTL expiry rather than absence.
	Entries  int
	Capacity int
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}

	return float64(s.Hits) / float64(total)
}

// moveToFront moves an entry to the front of the LRU list (most recently used).
func (c *QueryCache) moveToFront(entry *lruEntry) {
	if entry == c.head {
		return
	}

	c.removeFromList(entry)
	c.addToFront(entry)
}

// addToFront adds an entry to the front of the LRU list.
func (c *QueryCache) addToFront(entry *lruEntry) {
	entry.prev = nil
	entry.next = c.head

	if c.head != nil {
		c.head.prev = entry
	}

	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

// removeFromList removes an entry from the LRU list.
func (c *QueryCache) removeFromList(entry *lruEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
}

// removeEntry unlinks an entry and deletes it from the map.
func (c *QueryCache) removeEntry(entry *lruEntry) {
	c.removeFromList(entry)
	delete(c.entries, entry.key)
}
