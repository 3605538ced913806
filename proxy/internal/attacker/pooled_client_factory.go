package attacker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/corewire/mitmcore/internal/helper"
	"github.com/corewire/mitmcore/proxy/internal/pool"
	"github.com/corewire/mitmcore/proxy/internal/types"
)

// PooledClientFactory wraps DefaultClientFactory, routing the main
// fallback/separate client's dials (new connections, per CreateMainClient's
// contract) through a Connection Pool instead of letting http.Transport
// manage its own connection cache. The HTTP/2, plain-HTTP, and HTTPS
// clients reuse an already-established socket handed to them directly, so
// they have no pool slot to acquire and are left to DefaultClientFactory.
type PooledClientFactory struct {
	types.ClientFactory
	Pool *pool.Pool
}

// NewPooledClientFactory builds a PooledClientFactory backed by p.
func NewPooledClientFactory(p *pool.Pool) *PooledClientFactory {
	return &PooledClientFactory{
		ClientFactory: types.NewDefaultClientFactory(),
		Pool:          p,
	}
}

// CreateMainClient overrides the default transport's dialing with pool
// acquire/release so repeated requests to the same upstream reuse sockets
// across separate http.Client calls instead of redialing every time.
func (f *PooledClientFactory) CreateMainClient(upstreamManager types.UpstreamManager, insecureSkipVerify bool) *http.Client {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		key := pool.Key{Scheme: "http", Addr: addr}
		conn, err := f.Pool.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		return &pooledConn{Conn: conn, pool: f.Pool, key: key}, nil
	}
	dialTLSContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		key := pool.Key{Scheme: "https", Addr: addr}
		raw, err := f.Pool.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		host, _, _ := net.SplitHostPort(addr)
		tlsConn := tls.Client(raw, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: insecureSkipVerify,
			KeyLogWriter:       helper.GetTLSKeyLogWriter(),
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			f.Pool.Release(key, raw, false)
			return nil, err
		}
		return &pooledConn{Conn: tlsConn, pool: f.Pool, key: key}, nil
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:              upstreamManager.RealUpstreamProxy(),
			DialContext:        dialContext,
			DialTLSContext:     dialTLSContext,
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// pooledConn returns itself to the pool on Close instead of tearing down
// the socket, matching the pool's release-don't-destroy contract for
// healthy connections.
type pooledConn struct {
	net.Conn
	pool   *pool.Pool
	key    pool.Key
	closed bool
}

func (c *pooledConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.Release(c.key, c.Conn, true)
	return nil
}
