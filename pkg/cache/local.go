package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Local is a bounded, expirable in-process cache used as the L1 layer for
// permission-set snapshots. The hard entry cap keeps memory use bounded
// under pressure; LRU eviction handles the rest.
type Local struct {
	cache *lru.LRU[string, []string]
}

// NewLocal creates an L1 cache with at most maxEntries entries, each
// expiring after ttl.
func NewLocal(maxEntries int, ttl time.Duration) *Local {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Local{
		cache: lru.NewLRU[string, []string](maxEntries, nil, ttl),
	}
}

// Get returns the cached entry, if present and unexpired.
func (l *Local) Get(key string) ([]string, bool) {
	return l.cache.Get(key)
}

// Set stores an entry, evicting the least recently used one at capacity.
func (l *Local) Set(key string, value []string) {
	l.cache.Add(key, value)
}

// Remove deletes an entry. Invalidation paths call this synchronously.
func (l *Local) Remove(key string) {
	l.cache.Remove(key)
}

// Purge drops every entry.
func (l *Local) Purge() {
	l.cache.Purge()
}

// Len returns the current entry count.
func (l *Local) Len() int {
	return l.cache.Len()
}
