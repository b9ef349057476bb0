package attr

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries is the attribute cache size when none is configured.
const DefaultCacheEntries = 4096

type cacheKey struct {
	oid string
	key Key
}

// Cache holds decoded attribute values per object, honouring the
// classification: AlwaysRefresh keys are never stored.
type Cache struct {
	entries *lru.Cache[cacheKey, Value]
	class   *Classification
}

// NewCache returns a cache bounded to size entries.
func NewCache(size int, class *Classification) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheEntries
	}
	if class == nil {
		class = DefaultClassification()
	}
	entries, err := lru.New[cacheKey, Value](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, class: class}, nil
}

// Classification returns the table the cache honours.
func (c *Cache) Classification() *Classification {
	return c.class
}

// Get returns a cached value.
func (c *Cache) Get(oid string, k Key) (Value, bool) {
	if c.class.Classify(k) == AlwaysRefresh {
		return Value{}, false
	}
	return c.entries.Get(cacheKey{oid, k})
}

// Put stores v unless k must always be refreshed. It reports whether the
// value was stored.
func (c *Cache) Put(oid string, k Key, v Value) bool {
	if c.class.Classify(k) == AlwaysRefresh || !v.IsValid() {
		return false
	}
	c.entries.Add(cacheKey{oid, k}, v)
	return true
}

// Invalidate drops one cached value. Immutable values stay cached since
// they cannot change.
func (c *Cache) Invalidate(oid string, k Key) {
	if c.class.Classify(k) == Immutable {
		return
	}
	c.entries.Remove(cacheKey{oid, k})
}

// Forget drops every cached value of oid, e.g. after the object was removed.
func (c *Cache) Forget(oid string) {
	for _, ck := range c.entries.Keys() {
		if ck.oid == oid {
			c.entries.Remove(ck)
		}
	}
}

// Len returns the number of cached values.
func (c *Cache) Len() int {
	return c.entries.Len()
}
