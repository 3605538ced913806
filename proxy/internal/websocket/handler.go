package websocket

import (
	"bufio"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/corewire/mitmcore/proxy/internal/pipeline"
	"github.com/corewire/mitmcore/proxy/internal/pool"
	"github.com/corewire/mitmcore/proxy/internal/proxycontext"
)

// wsMagic is the GUID RFC 6455 defines for computing Sec-WebSocket-Accept.
const wsMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler implements WebSocket handling for the proxy. Pool and pipeline are
// both optional: with pool nil it falls back to a bare net/tls dial per
// upgrade; with pipeline nil every upgrade goes straight to the origin.
type Handler struct {
	pool     *pool.Pool
	pipeline *pipeline.Pipeline
}

// New creates a new WebSocket handler backed by p (the Connection Pool) and
// pl (for upgrade interceptors). Either may be nil.
func New(p *pool.Pool, pl *pipeline.Pipeline) *Handler {
	return &Handler{pool: p, pipeline: pl}
}

// IsUpgradeRequest reports whether req is a well-formed WebSocket upgrade:
// GET, Upgrade: websocket, Connection containing "upgrade", and both
// Sec-WebSocket-Key/Sec-WebSocket-Version present.
func IsUpgradeRequest(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if !connectionContainsUpgrade(req.Header.Get("Connection")) {
		return false
	}
	if req.Header.Get("Sec-WebSocket-Key") == "" {
		return false
	}
	if req.Header.Get("Sec-WebSocket-Version") == "" {
		return false
	}
	return true
}

// connectionContainsUpgrade reports whether the comma-separated Connection
// header value contains "upgrade", case-insensitively.
func connectionContainsUpgrade(v string) bool {
	for _, tok := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// computeAccept derives the Sec-WebSocket-Accept value for client key per
// RFC 6455 §1.3.
func computeAccept(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, wsMagic)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// targetURL resolves the origin address for req: its absolute form if one
// is present, otherwise built from Host, using wss when the client
// connection is itself TLS-terminated.
func targetURL(req *http.Request, tlsClient bool) *url.URL {
	if req.URL.IsAbs() && req.URL.Host != "" {
		u := *req.URL
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		return &u
	}
	scheme := "ws"
	if tlsClient {
		scheme = "wss"
	}
	return &url.URL{Scheme: scheme, Host: req.Host, Path: req.URL.Path, RawQuery: req.URL.RawQuery}
}

// dialOrigin connects to target, through the pool when configured, and
// returns a release func the caller must invoke exactly once when done.
// Reuse is never attempted after a raw relay, so release always destroys
// the pooled slot rather than returning it.
func (h *Handler) dialOrigin(ctx context.Context, target *url.URL) (net.Conn, func(), error) {
	addr := target.Host
	if !strings.Contains(addr, ":") {
		if target.Scheme == "wss" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	if h.pool == nil {
		var c net.Conn
		var err error
		if target.Scheme == "wss" {
			c, err = tls.Dial("tcp", addr, nil)
		} else {
			c, err = net.Dial("tcp", addr)
		}
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}

	key := pool.Key{Scheme: target.Scheme, Addr: addr}
	raw, err := h.pool.Acquire(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	c := net.Conn(raw)
	if target.Scheme == "wss" {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: strippedHost(addr)})
		if err := tlsConn.Handshake(); err != nil {
			h.pool.Release(key, raw, false)
			return nil, nil, err
		}
		c = tlsConn
	}

	release := func() {
		h.pool.Release(key, raw, false)
	}
	return c, release, nil
}

func strippedHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// HandleWSS upgrades a hijacked connection into a WebSocket relay: it
// validates the upgrade predicate, gives any registered upgrade interceptor
// a chance to short-circuit with a locally synthesized 101, and otherwise
// dials the origin and relays the handshake before switching to a
// bidirectional transfer.
func (h *Handler) HandleWSS(res http.ResponseWriter, req *http.Request) {
	logger := slog.Default().With(
		"in", "websocket.HandleWSS",
		"host", req.Host,
	)

	if !IsUpgradeRequest(req) {
		res.WriteHeader(http.StatusBadRequest)
		return
	}

	if h.pipeline != nil {
		result := h.pipeline.RunUpgrade(req.Context(), req)
		if result.Verdict == pipeline.DirectResponse {
			h.replyDirect(res, req, logger)
			return
		}
	}

	tlsClient := false
	if connCtx, ok := proxycontext.GetConnContext(req.Context()); ok && connCtx.ClientConn != nil {
		tlsClient = connCtx.ClientConn.TLS
	}
	target := targetURL(req, tlsClient)

	upgradeBuf, err := httputil.DumpRequest(req, false)
	if err != nil {
		logger.Error("DumpRequest failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	cconn, cbuf, err := res.(http.Hijacker).Hijack()
	if err != nil {
		slog.Error("Hijack failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer cconn.Close()

	origin, release, err := h.dialOrigin(req.Context(), target)
	if err != nil {
		logger.Error("origin dial failed", "error", err)
		return
	}
	defer release()

	if _, err := origin.Write(upgradeBuf); err != nil {
		logger.Error("wss upgrade failed", "error", err)
		return
	}
	if cbuf != nil && cbuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(origin, cbuf.Reader, int64(cbuf.Reader.Buffered())); err != nil {
			logErr(logger, err)
			return
		}
	}

	originBuf := bufio.NewReader(origin)
	statusLine, err := originBuf.ReadString('\n')
	if err != nil {
		logErr(logger, err)
		return
	}
	if _, err := io.WriteString(cconn, statusLine); err != nil {
		logErr(logger, err)
		return
	}

	is101 := strings.Contains(statusLine, " 101 ")
	for {
		line, err := originBuf.ReadString('\n')
		if err != nil {
			logErr(logger, err)
			return
		}
		if _, err := io.WriteString(cconn, line); err != nil {
			logErr(logger, err)
			return
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if originBuf.Buffered() > 0 {
		if _, err := io.CopyN(cconn, originBuf, int64(originBuf.Buffered())); err != nil {
			logErr(logger, err)
			return
		}
	}

	if !is101 {
		return
	}

	transfer(logger, origin, cconn)
}

// replyDirect synthesizes a 101 Switching Protocols response locally,
// computing Sec-WebSocket-Accept from the client's key, without ever
// dialing the origin.
func (h *Handler) replyDirect(res http.ResponseWriter, req *http.Request, logger *slog.Logger) {
	accept := computeAccept(req.Header.Get("Sec-WebSocket-Key"))
	cconn, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		logger.Error("Hijack failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer cconn.Close()

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := io.WriteString(cconn, resp); err != nil {
		logErr(logger, err)
	}
}

// transfer bidirectionally transfers data between two connections.
func transfer(logger *slog.Logger, server, client io.ReadWriteCloser) {
	done := make(chan struct{})
	defer close(done)

	errChan := make(chan error)
	go func() {
		_, err := io.Copy(server, client)
		logger.Debug("client copy end", "error", err)
		client.Close()
		select {
		case <-done:
			return
		case errChan <- err:
			return
		}
	}()
	go func() {
		_, err := io.Copy(client, server)
		logger.Debug("server copy end", "error", err)
		server.Close()

		select {
		case <-done:
			return
		case errChan <- err:
			return
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			logger.Debug("transfer error", "error", err)
			return // If there's an error, return immediately
		}
	}
}

// logErr logs errors, filtering out common expected errors.
func logErr(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	if err == io.EOF {
		return
	}
	if err == io.ErrUnexpectedEOF {
		return
	}
	msg := err.Error()
	if msg == "read: connection reset by peer" {
		return
	}
	if msg == "write: broken pipe" {
		return
	}
	if strings.Contains(msg, "use of closed network connection") {
		return
	}
	if strings.Contains(msg, "i/o timeout") {
		return
	}
	if strings.Contains(msg, "operation was canceled") {
		return
	}
	if strings.Contains(msg, "context canceled") {
		return
	}
	if strings.Contains(msg, "TLS handshake timeout") {
		return
	}
	if strings.Contains(msg, "server closed idle connection") {
		return
	}
	if strings.Contains(msg, "http: server closed idle connection") {
		return
	}
	if strings.Contains(msg, "connection reset by peer") {
		return
	}
	if strings.Contains(msg, "broken pipe") {
		return
	}
	if strings.Contains(msg, "deadline exceeded") {
		return
	}
	if strings.Contains(msg, "operation timed out") {
		return
	}

	logger.Error("unexpected error", "error", err)
}
