package attacker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
}

// logErr logs errors, filtering out normal/expected errors.
func logErr(logger *slog.Logger, err error) {
	msg := err.Error()

	for _, str := range normalErrMsgs {
		if strings.Contains(msg, str) {
			logger.Debug("normal error", "error", err)
			return
		}
	}

	logger.Error("unexpected error", "error", err)
}

// mapUpstreamError translates an upstream dial/request error into the status
// code that best describes it to the client, instead of a blanket 502: a
// missing DNS record is a 404, a dead/overloaded origin is a 503, a stalled
// one is a 504, and anything else falls back to 502.
func mapUpstreamError(err error) int {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return http.StatusNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") {
		return http.StatusServiceUnavailable
	}
	if strings.Contains(msg, "connection reset") {
		return http.StatusBadGateway
	}

	return http.StatusBadGateway
}

// httpError writes an HTTP error response.
func httpError(w http.ResponseWriter, errMsg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
	w.WriteHeader(code)
	fmt.Fprintln(w, errMsg)
}
