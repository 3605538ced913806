// Package web implements the dashboard addon: a websocket feed of every
// flow passing through the proxy, plus breakpoint-driven request/response
// editing from the browser side.
package web

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/corewire/mitmcore/proxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebAddon broadcasts flow events to every connected dashboard client and
// relays breakpoint edits back into the flow.
type WebAddon struct {
	proxy.BaseAddon

	addr string

	mu    sync.Mutex
	conns map[*concurrentConn]struct{}
}

// NewWebAddon creates a WebAddon that serves its websocket feed on addr.
func NewWebAddon(addr string) *WebAddon {
	a := &WebAddon{
		addr:  addr,
		conns: make(map[*concurrentConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/echo", a.handleEcho)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web addon server exited", "error", err)
		}
	}()

	return a
}

func (a *WebAddon) handleEcho(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("web addon upgrade failed", "error", err)
		return
	}

	c := newConn(wsConn)
	a.addConn(c)
	defer a.removeConn(c)

	c.readloop()
}

func (a *WebAddon) addConn(c *concurrentConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[c] = struct{}{}
}

func (a *WebAddon) removeConn(c *concurrentConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, c)
}

func (a *WebAddon) each(fn func(*concurrentConn)) {
	a.mu.Lock()
	conns := make([]*concurrentConn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		fn(c)
	}
}

func (a *WebAddon) ServerConnected(connCtx *proxy.ConnContext) {
	a.each(func(c *concurrentConn) { c.trySendConnMessage(&proxy.Flow{ConnContext: connCtx}) })
}

func (a *WebAddon) ServerDisconnected(connCtx *proxy.ConnContext) {
	a.each(func(c *concurrentConn) { c.whenConnClose(connCtx) })
}

func (a *WebAddon) Requestheaders(f *proxy.Flow) {
	a.each(func(c *concurrentConn) { c.trySendConnMessage(f) })

	msg, err := newMessageFlow(messageTypeRequest, f)
	if err != nil {
		slog.Error("web addon build request message failed", "error", err)
		return
	}
	a.each(func(c *concurrentConn) { c.writeMessage(msg) })
}

func (a *WebAddon) Request(f *proxy.Flow) {
	msg, err := newMessageFlow(messageTypeRequestBody, f)
	if err != nil {
		slog.Error("web addon build request body message failed", "error", err)
		return
	}
	a.each(func(c *concurrentConn) { c.writeMessageMayWait(msg, f) })
}

func (a *WebAddon) Responseheaders(f *proxy.Flow) {
	if f.Response == nil {
		return
	}
	msg, err := newMessageFlow(messageTypeResponse, f)
	if err != nil {
		slog.Error("web addon build response message failed", "error", err)
		return
	}
	a.each(func(c *concurrentConn) { c.writeMessage(msg) })
}

func (a *WebAddon) Response(f *proxy.Flow) {
	if f.Response == nil {
		return
	}
	msg, err := newMessageFlow(messageTypeResponseBody, f)
	if err != nil {
		slog.Error("web addon build response body message failed", "error", err)
		return
	}
	a.each(func(c *concurrentConn) { c.writeMessageMayWait(msg, f) })
}
