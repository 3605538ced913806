package attacker

import (
	"net"

	"github.com/corewire/mitmcore/proxy/internal/pool"
)

// poolConn wraps a connection pulled from pool.Pool so that closing it (the
// only signal conn.WrapServerConn gives us) releases the socket back to the
// pool instead of tearing it down. Released as healthy=true unconditionally:
// by the time Close is reached the server-side transport has already
// finished with the connection normally, and error-driven teardown goes
// through pool.Release directly at the call site that observed the error.
type poolConn struct {
	net.Conn
	pool   *pool.Pool
	key    pool.Key
	closed bool
}

func (c *poolConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.Release(c.key, c.Conn, true)
	return nil
}

// closeUnhealthy releases the underlying connection as unhealthy (destroyed
// instead of pooled). Used by callers like the fast-path splice that leave
// the connection in a state with no reliable keep-alive signal.
func (c *poolConn) closeUnhealthy() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.Release(c.key, c.Conn, false)
	return nil
}
