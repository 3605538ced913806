// Package registry implements the Fake-Server Registry: a bounded pool of
// ephemeral local TLS listeners, one per distinct SAN set, so repeated
// CONNECTs to hosts whose leaf certificate covers the same hostnames reuse
// one bound port instead of terminating TLS inline on every tunnel.
package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"

	"github.com/corewire/mitmcore/cert"
)

// DefaultCapacity bounds how many distinct SAN-set listeners stay bound at
// once before the least-recently-used one is evicted.
const DefaultCapacity = 100

// Sink receives registry lifecycle events. Satisfied by *metrics.Sink
// without this package importing prometheus directly.
type Sink interface {
	SetRegistryListeners(n float64)
	IncRegistryEvictions()
}

// Handler takes ownership of an accepted, not-yet-handshaken TLS
// connection and feeds it into the request pipeline; hostnames is the
// entry's SAN set (primary hostname first). It must not block the accept
// loop; long-lived handling happens in its own goroutine, which is what
// Registry does when invoking it.
type Handler func(conn net.Conn, hostnames []string)

// State is an Entry's position in its Creating -> Ready -> Evicted lifecycle.
type State int

const (
	StateCreating State = iota
	StateReady
	StateEvicted
)

// Entry is one bound listener serving every hostname in its SAN set.
type Entry struct {
	hostnames []string
	listener  net.Listener
	port      int

	mu    sync.Mutex
	state State
	done  chan struct{}
	wg    sync.WaitGroup
}

// Port returns the bound local port.
func (e *Entry) Port() int { return e.port }

// Done is closed when the entry is evicted.
func (e *Entry) Done() <-chan struct{} { return e.done }

func (e *Entry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Entry) getState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Registry owns the LRU of bound listeners and the certificate factory
// they re-enter on SNI.
type Registry struct {
	ca       cert.CA
	handler  Handler
	capacity int
	sink     Sink

	mu        sync.Mutex
	lru       *lru.Cache
	hostIndex map[string]string
	group     singleflight.Group
}

// New creates a Registry that mints leaves from ca and hands accepted,
// TLS-terminated connections to handler.
func New(ca cert.CA, handler Handler, capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		ca:        ca,
		handler:   handler,
		capacity:  capacity,
		hostIndex: make(map[string]string),
	}
	r.lru = &lru.Cache{
		MaxEntries: capacity,
		OnEvicted: func(key lru.Key, value any) {
			setKey := key.(string)
			for _, h := range strings.Split(setKey, ",") {
				if r.hostIndex[h] == setKey {
					delete(r.hostIndex, h)
				}
			}
			if entry, ok := value.(*Entry); ok {
				r.closeEntry(entry)
			}
			if r.sink != nil {
				r.sink.IncRegistryEvictions()
				r.sink.SetRegistryListeners(float64(r.lru.Len()))
			}
		},
	}
	return r
}

// SetSink attaches a metrics sink; nil disables reporting.
func (r *Registry) SetSink(sink Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func setKey(hostnames []string) string {
	sorted := append([]string(nil), hostnames...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// GetListener returns the port of a listener covering hostname, creating
// one on first sight of hostname (or of a leaf whose SAN set happens to
// include it). Concurrent callers for the same hostname share one bind via
// singleflight.
func (r *Registry) GetListener(ctx context.Context, hostname string) (int, <-chan struct{}, error) {
	r.mu.Lock()
	if sk, ok := r.hostIndex[hostname]; ok {
		if v, ok := r.lru.Get(sk); ok {
			entry := v.(*Entry)
			r.mu.Unlock()
			if entry.getState() == StateReady {
				return entry.port, entry.done, nil
			}
		} else {
			r.mu.Unlock()
		}
	} else {
		r.mu.Unlock()
	}

	v, err := r.group.Do(hostname, func() (any, error) {
		return r.create(ctx, hostname)
	})
	if err != nil {
		return 0, nil, err
	}
	entry := v.(*Entry)
	return entry.port, entry.done, nil
}

func (r *Registry) create(ctx context.Context, hostname string) (*Entry, error) {
	// Re-check under the singleflight key: another goroutine may have
	// populated the registry for this exact hostname while we waited for
	// the group slot.
	r.mu.Lock()
	if sk, ok := r.hostIndex[hostname]; ok {
		if v, ok := r.lru.Get(sk); ok {
			r.mu.Unlock()
			return v.(*Entry), nil
		}
	}
	r.mu.Unlock()

	leaf, err := r.ca.GetCert(hostname)
	if err != nil {
		return nil, err
	}
	hostnames := leafHostnames(leaf, hostname)
	sk := setKey(hostnames)

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			c, err := r.ca.GetCert(chi.ServerName)
			if err != nil {
				return nil, err
			}
			return &tls.Config{Certificates: []tls.Certificate{*c}}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	port := listener.Addr().(*net.TCPAddr).Port
	entry := &Entry{
		hostnames: hostnames,
		listener:  listener,
		port:      port,
		state:     StateReady,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	for _, h := range hostnames {
		r.hostIndex[h] = sk
	}
	r.lru.Add(sk, entry)
	sink := r.sink
	listeners := r.lru.Len()
	r.mu.Unlock()
	if sink != nil {
		sink.SetRegistryListeners(float64(listeners))
	}

	entry.wg.Add(1)
	go r.acceptLoop(entry)

	return entry, nil
}

func (r *Registry) acceptLoop(entry *Entry) {
	defer entry.wg.Done()
	for {
		conn, err := entry.listener.Accept()
		if err != nil {
			return
		}
		entry.wg.Add(1)
		go func() {
			defer entry.wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("registry handler panicked", "panic", rec)
				}
			}()
			r.handler(conn, entry.hostnames)
		}()
	}
}

// closeEntry stops the accept loop and marks the entry evicted. In-flight
// connections finish on their own; eviction does not wait for them.
func (r *Registry) closeEntry(entry *Entry) {
	entry.setState(StateEvicted)
	_ = entry.listener.Close()
	close(entry.done)
}

func leafHostnames(leaf *tls.Certificate, fallback string) []string {
	if leaf.Leaf == nil && len(leaf.Certificate) > 0 {
		if parsed, err := x509.ParseCertificate(leaf.Certificate[0]); err == nil {
			leaf.Leaf = parsed
		}
	}
	if leaf.Leaf != nil && len(leaf.Leaf.DNSNames) > 0 {
		return leaf.Leaf.DNSNames
	}
	return []string{fallback}
}
