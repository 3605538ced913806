package attacker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	connpkg "github.com/corewire/mitmcore/proxy/internal/conn"
	"github.com/corewire/mitmcore/proxy/internal/proxycontext"
)

// ServeFakeServerConn feeds a connection accepted by the Fake-Server
// Registry's bound listener into the same request engine a CONNECT-tunnel
// connection goes through (serveConn), after completing its TLS handshake.
// hostname is the SNI the registry entry was created for; it seeds the
// dial function the same way the CONNECT request's Host does for an
// inline HTTPSLazyAttack, so every request on this connection resolves to
// that upstream unless the pipeline says otherwise.
func (a *Attacker) ServeFakeServerConn(c net.Conn, hostname string) {
	tlsConn, ok := c.(*tls.Conn)
	if !ok {
		c.Close()
		return
	}

	clientConn := connpkg.NewClientConn(c)
	clientConn.TLS = true
	clientConn.UpstreamCert = false
	clientConn.CloseChan = make(chan struct{})

	connCtx := connpkg.NewContext(clientConn)
	connCtx.Intercept = true

	ctx := proxycontext.WithConnContext(context.Background(), connCtx)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.Close()
		return
	}

	for _, addon := range a.addonRegistry.Get() {
		addon.ClientConnected(clientConn)
	}

	syntheticConnect := (&http.Request{
		Method: http.MethodConnect,
		Host:   hostname,
		URL:    &url.URL{Host: hostname},
		Header: http.Header{},
	}).WithContext(ctx)
	a.InitHTTPSDialFn(syntheticConnect)

	a.serveConn(tlsConn, connCtx)
}
