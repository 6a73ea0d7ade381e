// Package cache implements the bounded, LRU-evicting lookup caches that
// sit in front of the address-translation core: pid->dtb, (owner,symbol)
// ->VA, (base,offset)->VA, and (dtb,vaddr)->paddr. All five caches named
// in spec.md (this package's four plus the page cache in
// internal/pagecache) share one flush Epoch: bumping it invalidates
// every cache at once without iterating their contents, so there is no
// cyclic lifetime between a cache entry and whatever produced it.
package cache

import "container/list"

// DefaultCapacity is the default bound for a cache instance, matching
// the "default ~25 entries" figure in spec.md's data model.
const DefaultCapacity = 25

// Epoch is a flush counter shared by every cache attached to one
// instance. Resume (or an explicit flush) bumps it; every cache checks
// its entries' recorded epoch against the current value before trusting
// a hit.
type Epoch struct {
	value uint64
}

// Bump invalidates every cache sharing this epoch.
func (e *Epoch) Bump() {
	e.value++
}

// Current returns the epoch's current value.
func (e *Epoch) Current() uint64 {
	return e.value
}

type entry[K comparable, V any] struct {
	key   K
	value V
	epoch uint64
	elem  *list.Element
}

// Cache is a bounded, approximate-LRU map keyed by K whose entries are
// invalidated the moment the shared Epoch advances past their insertion
// point.
type Cache[K comparable, V any] struct {
	epoch    *Epoch
	capacity int
	items    map[K]*entry[K, V]
	order    *list.List // front = most recently used
}

// New creates a cache bound to epoch with the given capacity. A
// capacity <= 0 uses DefaultCapacity.
func New[K comparable, V any](epoch *Epoch, capacity int) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[K, V]{
		epoch:    epoch,
		capacity: capacity,
		items:    make(map[K]*entry[K, V]),
		order:    list.New(),
	}
}

// Get returns the cached value for key, if present and not stale.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if e.epoch != c.epoch.Current() {
		c.removeEntry(e)
		return zero, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Put inserts or updates key's value, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *Cache[K, V]) Put(key K, value V) {
	if e, ok := c.items[key]; ok {
		e.value = value
		e.epoch = c.epoch.Current()
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry[K, V]{key: key, value: value, epoch: c.epoch.Current()}
	e.elem = c.order.PushFront(e)
	c.items[key] = e

	if len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Flush drops every entry unconditionally, regardless of epoch.
func (c *Cache[K, V]) Flush() {
	c.items = make(map[K]*entry[K, V])
	c.order.Init()
}

// Len returns the number of (possibly stale) entries currently stored.
func (c *Cache[K, V]) Len() int {
	return len(c.items)
}

func (c *Cache[K, V]) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeEntry(back.Value.(*entry[K, V]))
}

func (c *Cache[K, V]) removeEntry(e *entry[K, V]) {
	c.order.Remove(e.elem)
	delete(c.items, e.key)
}
