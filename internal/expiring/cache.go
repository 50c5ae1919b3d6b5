package expiring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the two expiry clocks of a cache. A non-positive duration
// disables that clock.
type Options struct {
	AccessExpiry time.Duration
	WriteExpiry  time.Duration
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

// Cache is a TTL cache with independent idle-since-access and age-since-write
// deadlines. Entries are visible only while both deadlines are in the future.
// Operations on different keys never contend; concurrent writes to the same
// key are last-write-wins.
type Cache[K comparable, V any] struct {
	name   string
	access time.Duration
	write  time.Duration
	now    func() time.Time

	entries sync.Map // K -> *entry[V]
}

type entry[V any] struct {
	value    V
	written  int64
	accessed atomic.Int64
}

// New constructs an empty cache.
func New[K comparable, V any](name string, opts Options) *Cache[K, V] {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		name:   name,
		access: opts.AccessExpiry,
		write:  opts.WriteExpiry,
		now:    now,
	}
}

// Name reports the registry name of the cache.
func (c *Cache[K, V]) Name() string { return c.name }

// Get returns the value stored under key and refreshes its access clock. An
// expired entry is evicted and reported as absent.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := raw.(*entry[V])
	now := c.now().UnixNano()
	if !c.visible(e, now) {
		c.entries.CompareAndDelete(key, e)
		return zero, false
	}
	e.accessed.Store(now)
	return e.value, true
}

// Put stores value under key, resetting both clocks.
func (c *Cache[K, V]) Put(key K, value V) {
	c.entries.Store(key, c.newEntry(value))
}

// PutIfAbsent stores value only when key has no visible entry and reports
// whether it did. An existing visible entry is left untouched, including its
// access clock.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) bool {
	fresh := c.newEntry(value)
	for {
		raw, loaded := c.entries.LoadOrStore(key, fresh)
		if !loaded {
			return true
		}
		existing := raw.(*entry[V])
		if c.visible(existing, c.now().UnixNano()) {
			return false
		}
		if c.entries.CompareAndSwap(key, existing, fresh) {
			return true
		}
	}
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.entries.Delete(key)
}

// EvictExpired drops every entry whose deadline has passed and returns the
// number of entries removed.
func (c *Cache[K, V]) EvictExpired() int {
	now := c.now().UnixNano()
	removed := 0
	c.entries.Range(func(key, raw any) bool {
		e := raw.(*entry[V])
		if !c.visible(e, now) && c.entries.CompareAndDelete(key, e) {
			removed++
		}
		return true
	})
	return removed
}

// Len counts the stored entries, including expired ones not yet evicted.
func (c *Cache[K, V]) Len() int {
	n := 0
	c.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Run evicts expired entries every interval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}

func (c *Cache[K, V]) newEntry(value V) *entry[V] {
	now := c.now().UnixNano()
	e := &entry[V]{value: value, written: now}
	e.accessed.Store(now)
	return e
}

func (c *Cache[K, V]) visible(e *entry[V], now int64) bool {
	if c.access > 0 && now >= e.accessed.Load()+int64(c.access) {
		return false
	}
	if c.write > 0 && now >= e.written+int64(c.write) {
		return false
	}
	return true
}
