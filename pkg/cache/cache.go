// Package cache keeps fetched media in memory under a strict byte budget.
//
// The RAM tier is a least-recently-used map guarded by one mutex. Put is
// first-writer-wins: a second Put for a present locator is ignored. After an
// insert, least-recently-used entries are evicted until the byte total fits
// the budget again. A single entry larger than the whole budget is still
// stored once everything else has been evicted, so the total may exceed the
// budget by exactly that entry.
//
// An optional Spill tier receives evicted entries and is consulted on RAM
// misses; hits there are promoted back into RAM.
package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entry is a cached response body. Entries are shared between readers and
// must not be modified.
type Entry struct {
	Body        []byte
	ContentType string
}

// Size is the number of bytes the entry counts against the budget
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Spill is a secondary tier that absorbs RAM evictions
type Spill interface {
	Get(key string) (*Entry, bool)
	PutAsync(key string, e *Entry)
	Stats() SpillStats
}

// SpillStats describes the secondary tier
type SpillStats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"max_bytes"`
	Dropped  int64 `json:"dropped"`
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Entries   int         `json:"entries"`
	Bytes     int64       `json:"bytes"`
	MaxBytes  int64       `json:"max_bytes"`
	Hits      uint64      `json:"hits"`
	Misses    uint64      `json:"misses"`
	DiskHits  uint64      `json:"disk_hits"`
	Evictions uint64      `json:"evictions"`
	Disk      *SpillStats `json:"disk,omitempty"`
}

// Cache is a byte-bounded LRU cache keyed by resource locator
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	maxBytes int64
	curBytes int64

	hits      uint64
	misses    uint64
	diskHits  uint64
	evictions uint64

	spill   Spill
	onEvict func(key string, e *Entry)
}

// Option configures a Cache
type Option func(*Cache)

// WithSpill attaches a secondary tier for evicted entries
func WithSpill(s Spill) Option {
	return func(c *Cache) { c.spill = s }
}

// WithEvictHook registers a callback run, under the cache lock, for every eviction
func WithEvictHook(fn func(key string, e *Entry)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New creates a cache holding at most maxBytes of entry bodies
func New(maxBytes int64, opts ...Option) *Cache {
	// Count bound is effectively disabled; the byte budget drives eviction.
	lru, _ := simplelru.NewLRU[string, *Entry](math.MaxInt, nil)
	c := &Cache{lru: lru, maxBytes: maxBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key and marks it most recently used
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok {
		c.hits++
	}
	c.mu.Unlock()
	if ok {
		return e, true
	}

	if c.spill != nil {
		if e, ok := c.spill.Get(key); ok {
			c.mu.Lock()
			c.diskHits++
			c.mu.Unlock()
			c.Put(key, e.Body, e.ContentType)
			return e, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false
}

// Contains reports presence without touching recency or counters
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Put stores body under key unless key is already present. It reports
// whether the entry was inserted.
func (c *Cache) Put(key string, body []byte, contentType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(key) {
		return false
	}

	e := &Entry{Body: body, ContentType: contentType}
	c.lru.Add(key, e)
	c.curBytes += e.Size()

	// The new entry is the most recent, so it is never chosen while others remain
	for c.curBytes > c.maxBytes && c.lru.Len() > 1 {
		k, old, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.curBytes -= old.Size()
		c.evictions++
		if c.spill != nil {
			c.spill.PutAsync(k, old)
		}
		if c.onEvict != nil {
			c.onEvict(k, old)
		}
	}
	return true
}

// Len returns the number of entries in RAM
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the bytes currently held in RAM
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Keys returns keys from least to most recently used
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Entries:   c.lru.Len(),
		Bytes:     c.curBytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		DiskHits:  c.diskHits,
		Evictions: c.evictions,
	}
	c.mu.Unlock()

	if c.spill != nil {
		ds := c.spill.Stats()
		s.Disk = &ds
	}
	return s
}
