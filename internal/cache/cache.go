// Package cache provides in-process TTL caches for read-mostly lookups.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const cleanupInterval = time.Minute

type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
	Delete(key string)
}

type ttlCache[V any] struct {
	c *gocache.Cache
}

// NewTTLCache returns a cache whose entries expire after defaultTTL unless
// Set is given an explicit ttl.
func NewTTLCache[V any](defaultTTL time.Duration) Cache[V] {
	return &ttlCache[V]{c: gocache.New(defaultTTL, cleanupInterval)}
}

func (t *ttlCache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := t.c.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return value, true
}

func (t *ttlCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	t.c.Set(key, value, ttl)
}

func (t *ttlCache[V]) Delete(key string) {
	t.c.Delete(key)
}
