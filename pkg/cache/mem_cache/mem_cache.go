package mem_cache

import (
	"sync/atomic"
	"time"

	"github.com/pmkol/httpsdns/pkg/cache"
	"github.com/pmkol/httpsdns/pkg/concurrent_lru"
)

const DefaultSize = 1024

// MemCache is an in-memory LRU cache backend.
// Expired entries are only removed when a Get finds them.
type MemCache struct {
	closed uint32
	lru    *concurrent_lru.ConcurrentLRU[string, *cache.Entry]
}

var _ cache.Backend = (*MemCache)(nil)

// NewMemCache returns a MemCache holding at most size entries.
// If size <= 0, DefaultSize is used.
func NewMemCache(size int) *MemCache {
	if size <= 0 {
		size = DefaultSize
	}
	return &MemCache{
		lru: concurrent_lru.NewConcurrentLRU[string, *cache.Entry](size, nil),
	}
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// Close disables the cache. All subsequent Get and Store are no-ops.
func (c *MemCache) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	return nil
}

func (c *MemCache) Get(key string) (e *cache.Entry, expired bool, ok bool) {
	if c.isClosed() {
		return nil, false, false
	}

	now := time.Now()
	e, ok = c.lru.GetValid(key, func(e *cache.Entry) bool {
		if e.Expired(now) {
			expired = true
			return false
		}
		return true
	})
	return e, expired, ok
}

func (c *MemCache) Store(key string, e *cache.Entry) {
	if c.isClosed() {
		return
	}
	c.lru.Add(key, e)
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
