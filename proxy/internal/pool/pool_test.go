package pool_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/corewire/mitmcore/proxy/internal/pool"
)

type fakeConn struct {
	net.Conn
	closed int32
}

func (f *fakeConn) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func dialCounter() (pool.Dialer, *int32) {
	var dials int32
	return func(ctx context.Context, key pool.Key) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return &fakeConn{}, nil
	}, &dials
}

func TestAcquireReusesReleasedConn(t *testing.T) {
	c := qt.New(t)
	dial, dials := dialCounter()
	p := pool.New(pool.Config{}, dial)

	key := pool.Key{Scheme: "http", Addr: "example.com:80"}
	conn1, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	p.Release(key, conn1, true)

	conn2, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(conn2, qt.Equals, conn1)
	c.Assert(atomic.LoadInt32(dials), qt.Equals, int32(1))
}

func TestAcquireDialsFreshWhenUnhealthyReleased(t *testing.T) {
	c := qt.New(t)
	dial, dials := dialCounter()
	p := pool.New(pool.Config{}, dial)

	key := pool.Key{Scheme: "http", Addr: "example.com:80"}
	conn1, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	p.Release(key, conn1, false)

	conn2, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(conn2, qt.Not(qt.Equals), conn1)
	c.Assert(atomic.LoadInt32(dials), qt.Equals, int32(2))
}

func TestAcquireRespectsMaxSockets(t *testing.T) {
	c := qt.New(t)
	dial, _ := dialCounter()
	p := pool.New(pool.Config{MaxSockets: 1}, dial)

	key := pool.Key{Scheme: "http", Addr: "example.com:80"}
	_, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)

	_, err = p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNotNil)
}

func TestReleaseDestroysWhenFreeBudgetExhausted(t *testing.T) {
	c := qt.New(t)
	dial, dials := dialCounter()
	p := pool.New(pool.Config{MaxFreeSockets: 1}, dial)

	key := pool.Key{Scheme: "http", Addr: "example.com:80"}
	conn0, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	conn1, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	p.Release(key, conn0, true)
	// The one free slot is taken by conn0, so conn1 is destroyed.
	p.Release(key, conn1, true)

	conn2, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(conn2, qt.Not(qt.Equals), conn1)
	c.Assert(atomic.LoadInt32(dials), qt.Equals, int32(2))
}

func TestAcquireRetriesOnDialFailure(t *testing.T) {
	c := qt.New(t)
	var attempts int32
	dial := func(ctx context.Context, key pool.Key) (net.Conn, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, errDial
		}
		return &fakeConn{}, nil
	}
	p := pool.New(pool.Config{Retries: 3, RetryDelay: time.Millisecond}, dial)

	_, err := p.Acquire(context.Background(), pool.Key{Addr: "example.com:80"})
	c.Assert(err, qt.IsNil)
	c.Assert(atomic.LoadInt32(&attempts), qt.Equals, int32(2))
}

var errDial = &dialErr{}

type dialErr struct{}

func (*dialErr) Error() string { return "dial failed" }

type countingSink struct {
	hits, misses, creates, destroys, connectErrors int32
}

func (s *countingSink) IncPoolHits()          { atomic.AddInt32(&s.hits, 1) }
func (s *countingSink) IncPoolMisses()        { atomic.AddInt32(&s.misses, 1) }
func (s *countingSink) IncPoolCreates()       { atomic.AddInt32(&s.creates, 1) }
func (s *countingSink) IncPoolDestroys()      { atomic.AddInt32(&s.destroys, 1) }
func (s *countingSink) IncPoolConnectErrors() { atomic.AddInt32(&s.connectErrors, 1) }

func TestAcquireReleaseReportToSink(t *testing.T) {
	c := qt.New(t)
	dial, _ := dialCounter()
	sink := &countingSink{}
	p := pool.New(pool.Config{Sink: sink}, dial)

	key := pool.Key{Scheme: "http", Addr: "example.com:80"}
	conn1, err := p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(atomic.LoadInt32(&sink.misses), qt.Equals, int32(1))
	c.Assert(atomic.LoadInt32(&sink.creates), qt.Equals, int32(1))

	p.Release(key, conn1, true)
	_, err = p.Acquire(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(atomic.LoadInt32(&sink.hits), qt.Equals, int32(1))

	p.Release(key, conn1, false)
	c.Assert(atomic.LoadInt32(&sink.destroys), qt.Equals, int32(1))
}
