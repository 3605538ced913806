// Package errcache short-circuits repeated failing requests: a (method,
// host, url) that errored recently returns the cached status without a
// fresh dial, until its TTL expires.
package errcache

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// DefaultTTL matches how long a cached failure stays valid.
const DefaultTTL = 60 * time.Second

type entry struct {
	status   int
	cachedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.cachedAt) > e.ttl
}

// Cache is a bounded, TTL-expiring map from (method, host, url) to a
// cached failure status code.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	ttl   time.Duration
	nowFn func() time.Time
}

// New creates a Cache holding up to capacity entries for ttl each.
// capacity <= 0 falls back to 100 entries; ttl <= 0 falls back to
// DefaultTTL.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru:   &lru.Cache{MaxEntries: capacity},
		ttl:   ttl,
		nowFn: time.Now,
	}
}

func key(method, host, url string) string {
	return strings.Join([]string{method, host, url}, "|")
}

// Put records that (method, host, url) failed with status.
func (c *Cache) Put(method, host, url string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key(method, host, url), entry{status: status, cachedAt: c.nowFn(), ttl: c.ttl})
}

// Get returns the cached status for (method, host, url) if present and
// not yet expired.
func (c *Cache) Get(method, host, url string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(method, host, url)
	v, ok := c.lru.Get(k)
	if !ok {
		return 0, false
	}
	e := v.(entry)
	if e.expired(c.nowFn()) {
		c.lru.Remove(k)
		return 0, false
	}
	return e.status, true
}
