// Package pool implements the Connection Pool: per-key LIFO slot lists of
// idle upstream connections, dialed with retry+backoff, swept for
// staleness, and bounded by per-key socket limits.
package pool

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/corewire/mitmcore/internal/helper"
)

const (
	// DefaultMaxSockets bounds in-use+idle slots per key.
	DefaultMaxSockets = 256
	// DefaultMaxFreeSockets bounds idle slots per key.
	DefaultMaxFreeSockets = 256
	// DefaultKeepAliveTimeout is how long an idle slot stays eligible for reuse.
	DefaultKeepAliveTimeout = 30 * time.Second
	// StickyKeepAliveTimeout extends KeepAliveTimeout for NTLM-sticky slots.
	StickyKeepAliveTimeout = time.Hour
	// DefaultMaxConnectionAge bounds how long a slot lives regardless of use.
	DefaultMaxConnectionAge = 5 * time.Minute
	// DefaultRetries is the dial retry budget.
	DefaultRetries = 3
	// DefaultRetryDelay is the base exponential-backoff delay.
	DefaultRetryDelay = 100 * time.Millisecond
	// maxSlotErrors bounds a slot's error count; Release destroys a slot
	// whose count reaches it. Release also destroys a slot at its first
	// unhealthy release, so a pooled slot never carries an error forward.
	maxSlotErrors = 3

	sweepInterval      = 60 * time.Second
	healthWalkInterval = 5 * time.Minute
)

// Key identifies a pool bucket: scheme + userinfo + canonical host:port,
// optionally salted with a sticky id for NTLM affinity.
type Key struct {
	Scheme   string
	UserInfo string
	Addr     string
	StickyID string
}

// NewKey derives a Key the same way the request engine resolves a
// canonical upstream address.
func NewKey(u *url.URL, stickyID string) Key {
	userinfo := ""
	if u.User != nil {
		userinfo = u.User.String()
	}
	return Key{
		Scheme:   u.Scheme,
		UserInfo: userinfo,
		Addr:     helper.CanonicalAddr(u),
		StickyID: stickyID,
	}
}

// Sink receives counter events as they happen, in addition to the Pool's
// own Stats snapshot. Satisfied by *metrics.Sink without pool importing
// the concrete prometheus types directly.
type Sink interface {
	IncPoolHits()
	IncPoolMisses()
	IncPoolCreates()
	IncPoolDestroys()
	IncPoolConnectErrors()
}

// Config tunes pool limits; zero values fall back to the documented defaults.
type Config struct {
	MaxSockets       int
	MaxFreeSockets   int
	KeepAliveTimeout time.Duration
	MaxConnectionAge time.Duration
	Retries          int
	RetryDelay       time.Duration
	KeepAlivePeriod  time.Duration

	// Sink, if set, observes pool events for the metrics endpoint.
	Sink Sink
}

func (c Config) withDefaults() Config {
	if c.MaxSockets <= 0 {
		c.MaxSockets = DefaultMaxSockets
	}
	if c.MaxFreeSockets <= 0 {
		c.MaxFreeSockets = DefaultMaxFreeSockets
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.MaxConnectionAge <= 0 {
		c.MaxConnectionAge = DefaultMaxConnectionAge
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAliveTimeout
	}
	return c
}

// Dialer opens a fresh connection for key. The default dials directly or
// through an upstream proxy; tests may substitute their own.
type Dialer func(ctx context.Context, key Key) (net.Conn, error)

type slot struct {
	conn      net.Conn
	key       Key
	createdAt time.Time
	idleSince time.Time
	idle      bool
	destroyed bool
	errors    int
	sticky    bool
}

func (s *slot) eligible(now time.Time, cfg Config) bool {
	if s.destroyed || !s.idle {
		return false
	}
	keepAlive := cfg.KeepAliveTimeout
	if s.sticky {
		keepAlive = StickyKeepAliveTimeout
	}
	if now.Sub(s.idleSince) > keepAlive {
		return false
	}
	if now.Sub(s.createdAt) > cfg.MaxConnectionAge {
		return false
	}
	if s.errors >= maxSlotErrors {
		return false
	}
	return true
}

type bucket struct {
	mu    sync.Mutex
	slots []*slot
}

// Pool manages upstream connections grouped by Key.
type Pool struct {
	cfg    Config
	dial   Dialer
	stats  *Stats
	mu     sync.Mutex
	keyed  map[Key]*bucket
	cancel context.CancelFunc
}

// Stats exposes the counters SPEC_FULL §4.3 asks the metrics sink to observe.
type Stats struct {
	mu            sync.Mutex
	Hits          int64
	Misses        int64
	Creates       int64
	Destroys      int64
	ConnectErrors int64
}

func (s *Stats) incr(field *int64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// New creates a Pool. If dial is nil, DefaultDialer is used.
func New(cfg Config, dial Dialer) *Pool {
	if dial == nil {
		dial = DefaultDialer(false)
	}
	return &Pool{
		cfg:   cfg.withDefaults(),
		dial:  dial,
		stats: &Stats{},
		keyed: make(map[Key]*bucket),
	}
}

// Stats returns the live counters.
func (p *Pool) Stats() Stats {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	return Stats{
		Hits:          p.stats.Hits,
		Misses:        p.stats.Misses,
		Creates:       p.stats.Creates,
		Destroys:      p.stats.Destroys,
		ConnectErrors: p.stats.ConnectErrors,
	}
}

// Start launches the sweeper and soft health-walk goroutines, stopping
// both when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.sweepLoop(ctx)
	go p.healthWalkLoop(ctx)
}

// Stop cancels the background goroutines started by Start.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pool) bucketFor(key Key) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.keyed[key]
	if !ok {
		b = &bucket{}
		p.keyed[key] = b
	}
	return b
}

// Acquire returns an eligible idle connection for key, or dials a new one.
// The lock's critical section covers only the slot-list lookup/splice, not
// the dial itself.
func (p *Pool) Acquire(ctx context.Context, key Key) (net.Conn, error) {
	b := p.bucketFor(key)

	b.mu.Lock()
	now := time.Now()
	for i := len(b.slots) - 1; i >= 0; i-- {
		s := b.slots[i]
		if s.eligible(now, p.cfg) {
			s.idle = false
			b.mu.Unlock()
			p.stats.incr(&p.stats.Hits)
			if p.cfg.Sink != nil {
				p.cfg.Sink.IncPoolHits()
			}
			return s.conn, nil
		}
	}
	total := len(b.slots)
	b.mu.Unlock()

	if total >= p.cfg.MaxSockets {
		return nil, errPoolExhausted(key)
	}

	p.stats.incr(&p.stats.Misses)
	if p.cfg.Sink != nil {
		p.cfg.Sink.IncPoolMisses()
	}
	conn, err := p.dialWithRetry(ctx, key)
	if err != nil {
		p.stats.incr(&p.stats.ConnectErrors)
		if p.cfg.Sink != nil {
			p.cfg.Sink.IncPoolConnectErrors()
		}
		return nil, err
	}
	p.stats.incr(&p.stats.Creates)
	if p.cfg.Sink != nil {
		p.cfg.Sink.IncPoolCreates()
	}

	s := &slot{conn: conn, key: key, createdAt: now, sticky: key.StickyID != ""}
	b.mu.Lock()
	b.slots = append(b.slots, s)
	b.mu.Unlock()

	return conn, nil
}

// Release returns conn to its key's idle list, or destroys it if unhealthy
// or the free-slot budget is exhausted.
func (p *Pool) Release(key Key, conn net.Conn, healthy bool) {
	b := p.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	var target *slot
	idleCount := 0
	for _, s := range b.slots {
		if s.conn == conn {
			target = s
		}
		if s.idle {
			idleCount++
		}
	}
	if target == nil {
		_ = conn.Close()
		return
	}
	if !healthy {
		target.errors++
	} else {
		target.errors = 0
	}
	if !healthy || target.errors >= maxSlotErrors || idleCount >= p.cfg.MaxFreeSockets {
		p.destroyLocked(b, target)
		return
	}
	target.idle = true
	target.idleSince = time.Now()
}

func (p *Pool) destroyLocked(b *bucket, target *slot) {
	target.destroyed = true
	_ = target.conn.Close()
	for i, s := range b.slots {
		if s == target {
			b.slots = append(b.slots[:i], b.slots[i+1:]...)
			break
		}
	}
	p.stats.incr(&p.stats.Destroys)
	if p.cfg.Sink != nil {
		p.cfg.Sink.IncPoolDestroys()
	}
}

func (p *Pool) dialWithRetry(ctx context.Context, key Key) (net.Conn, error) {
	var lastErr error
	delay := p.cfg.RetryDelay
	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		conn, err := p.dial(ctx, key)
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(p.cfg.KeepAlivePeriod)
			}
			return conn, nil
		}
		lastErr = err
		if attempt == p.cfg.Retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.keyed))
	for _, b := range p.keyed {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, b := range buckets {
		b.mu.Lock()
		kept := b.slots[:0]
		for _, s := range b.slots {
			if s.idle && !s.eligible(now, p.cfg) {
				_ = s.conn.Close()
				s.destroyed = true
				p.stats.incr(&p.stats.Destroys)
				if p.cfg.Sink != nil {
					p.cfg.Sink.IncPoolDestroys()
				}
				continue
			}
			kept = append(kept, s)
		}
		b.slots = kept
		b.mu.Unlock()
	}
}

func (p *Pool) healthWalkLoop(ctx context.Context) {
	ticker := time.NewTicker(healthWalkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// DefaultDialer always dials key.Addr directly over TCP; sslInsecure is not
// used. ProxyDialer is the variant that dials through an upstream proxy.
func DefaultDialer(sslInsecure bool) Dialer {
	return func(ctx context.Context, key Key) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "tcp", key.Addr)
	}
}

// ProxyDialer routes every dial through proxyURL.
func ProxyDialer(proxyURL *url.URL, sslInsecure bool) Dialer {
	return func(ctx context.Context, key Key) (net.Conn, error) {
		return helper.GetProxyConn(ctx, proxyURL, key.Addr, sslInsecure)
	}
}

type poolExhaustedError struct{ key Key }

func (e poolExhaustedError) Error() string {
	return "pool: max sockets reached for " + e.key.Addr
}

func errPoolExhausted(key Key) error { return poolExhaustedError{key: key} }
