package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/corewire/mitmcore/proxy/internal/conn"
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

// logErr only surfaces unexpected error messages at Error level; the
// traffic-teardown noise every tunnel produces on close logs at Debug.
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

// transfer splices two connections bidirectionally until either side
// closes or errors, then tears both down.
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

		if clientConn, ok := client.(*conn.WrapClientConn); ok {
			if tcpConn, ok := clientConn.Conn.(*net.TCPConn); ok {
				err := tcpConn.CloseRead()
				logger.Debug("clientConn.Conn.(*net.TCPConn).CloseRead()", "error", err)
			}
		}

		select {
		case <-done:
			return
		case errChan <- err:
			return
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			logErr(logger, err)
			return
		}
	}
}

func httpError(w http.ResponseWriter, errMsg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
	w.WriteHeader(code)
	fmt.Fprintln(w, errMsg)
}
