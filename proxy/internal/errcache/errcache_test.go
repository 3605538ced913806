package errcache_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/corewire/mitmcore/proxy/internal/errcache"
)

func TestGetMissBeforePut(t *testing.T) {
	c := qt.New(t)
	cache := errcache.New(10, time.Minute)
	_, ok := cache.Get("GET", "example.com", "/a")
	c.Assert(ok, qt.IsFalse)
}

func TestPutThenGetHits(t *testing.T) {
	c := qt.New(t)
	cache := errcache.New(10, time.Minute)
	cache.Put("GET", "example.com", "/a", 503)

	status, ok := cache.Get("GET", "example.com", "/a")
	c.Assert(ok, qt.IsTrue)
	c.Assert(status, qt.Equals, 503)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := qt.New(t)
	cache := errcache.New(10, 10*time.Millisecond)
	cache.Put("GET", "example.com", "/a", 502)

	time.Sleep(20 * time.Millisecond)
	_, ok := cache.Get("GET", "example.com", "/a")
	c.Assert(ok, qt.IsFalse)
}

func TestKeysAreMethodHostURLDistinct(t *testing.T) {
	c := qt.New(t)
	cache := errcache.New(10, time.Minute)
	cache.Put("GET", "example.com", "/a", 503)

	_, ok := cache.Get("POST", "example.com", "/a")
	c.Assert(ok, qt.IsFalse)
	_, ok = cache.Get("GET", "other.com", "/a")
	c.Assert(ok, qt.IsFalse)
}
