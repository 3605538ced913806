// Package pipeline implements the Interceptor Pipeline: an ordered chain of
// request/response interceptors driven off the addon event stream, with
// per-interceptor deadlines and panic recovery so a single misbehaving
// interceptor cannot stall or crash a flow.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/corewire/mitmcore/proxy/internal/types"
)

// DefaultDeadline bounds how long a single interceptor call may run before
// the pipeline gives up on it and synthesizes a 504.
const DefaultDeadline = 10 * time.Second

// Verdict tags the outcome of an interceptor call.
type Verdict int

const (
	// Next lets the flow continue unmodified to the next interceptor (or
	// upstream, if this was the last one).
	Next Verdict = iota
	// ModifyAndForward means the interceptor rewrote the request/response
	// in place; the (possibly mutated) flow continues to the next stage.
	ModifyAndForward
	// DirectResponse short-circuits the flow: the attached Response is sent
	// to the client and no further interceptor or upstream call happens.
	DirectResponse
)

// Result is the tagged return value of an interceptor call.
type Result struct {
	Verdict  Verdict
	Response *types.Response
}

func ResultNext() Result                      { return Result{Verdict: Next} }
func ResultModified() Result                  { return Result{Verdict: ModifyAndForward} }
func ResultDirect(resp *types.Response) Result { return Result{Verdict: DirectResponse, Response: resp} }

// Interceptor is a single stage in the pipeline. Interceptors run in
// descending Priority order; ties run in registration order.
type Interceptor interface {
	Priority() int
	OnRequest(ctx context.Context, flow *types.Flow) Result
	OnResponse(ctx context.Context, flow *types.Flow) Result
}

// ConnectInterceptor inspects a CONNECT request before any dial or TLS
// termination happens, and can short-circuit the tunnel entirely.
type ConnectInterceptor interface {
	OnConnect(ctx context.Context, req *http.Request) Result
}

// UpgradeInterceptor inspects a protocol-upgrade request (e.g. WebSocket)
// before the upgrade is relayed upstream.
type UpgradeInterceptor interface {
	OnUpgrade(ctx context.Context, req *http.Request) Result
}

// FuncInterceptor adapts the teacher's single-function request/response
// hooks into an Interceptor with priority 0.
type FuncInterceptor struct {
	RequestFunc  func(ctx context.Context, flow *types.Flow) Result
	ResponseFunc func(ctx context.Context, flow *types.Flow) Result
}

func (f *FuncInterceptor) Priority() int { return 0 }

func (f *FuncInterceptor) OnRequest(ctx context.Context, flow *types.Flow) Result {
	if f.RequestFunc == nil {
		return ResultNext()
	}
	return f.RequestFunc(ctx, flow)
}

func (f *FuncInterceptor) OnResponse(ctx context.Context, flow *types.Flow) Result {
	if f.ResponseFunc == nil {
		return ResultNext()
	}
	return f.ResponseFunc(ctx, flow)
}

// Sink receives interceptor-call outcomes. Satisfied by *metrics.Sink
// without this package importing prometheus directly.
type Sink interface {
	IncInterceptorTimeouts()
	IncInterceptorPanics()
}

// Pipeline runs a sorted set of Interceptors over a Flow, as a types.Addon.
type Pipeline struct {
	types.BaseAddon

	mu           sync.RWMutex
	interceptors []Interceptor
	deadline     time.Duration
	sink         Sink
}

// New creates an empty Pipeline. Interceptors call Add before the proxy
// starts serving traffic; Add after start is safe but racy with in-flight
// sorts, so callers should prefer wiring all interceptors up front.
func New(deadline time.Duration) *Pipeline {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Pipeline{deadline: deadline}
}

// SetSink attaches a metrics sink; nil disables reporting.
func (p *Pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Add registers an interceptor and keeps the set sorted by Priority.
func (p *Pipeline) Add(i Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interceptors = append(p.interceptors, i)
	sort.SliceStable(p.interceptors, func(a, b int) bool {
		return p.interceptors[a].Priority() > p.interceptors[b].Priority()
	})
}

// Empty reports whether no interceptors are registered, letting callers
// fast-path traffic that would otherwise just run an empty chain.
func (p *Pipeline) Empty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.interceptors) == 0
}

func (p *Pipeline) snapshot() []Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Interceptor, len(p.interceptors))
	copy(out, p.interceptors)
	return out
}

// Request implements types.Addon: runs every interceptor's OnRequest in
// priority order against flow. A DirectResponse verdict sets flow.Response
// and stops the chain.
func (p *Pipeline) Request(flow *types.Flow) {
	for _, i := range p.snapshot() {
		res := p.runWithDeadline(flow, i, true)
		if res.Verdict == DirectResponse {
			flow.Response = res.Response
			return
		}
	}
}

// Response implements types.Addon: runs every interceptor's OnResponse in
// priority order against flow.
func (p *Pipeline) Response(flow *types.Flow) {
	for _, i := range p.snapshot() {
		res := p.runWithDeadline(flow, i, false)
		if res.Verdict == DirectResponse {
			flow.Response = res.Response
			return
		}
	}
}

// RunConnect runs, in Pipeline priority order, every registered Interceptor
// that also implements ConnectInterceptor against req. The first
// DirectResponse wins.
func (p *Pipeline) RunConnect(ctx context.Context, req *http.Request) Result {
	for _, i := range p.snapshot() {
		ci, ok := i.(ConnectInterceptor)
		if !ok {
			continue
		}
		res := ci.OnConnect(ctx, req)
		if res.Verdict == DirectResponse {
			return res
		}
	}
	return ResultNext()
}

// RunUpgrade runs every registered UpgradeInterceptor against req. The
// first DirectResponse wins.
func (p *Pipeline) RunUpgrade(ctx context.Context, req *http.Request) Result {
	for _, i := range p.snapshot() {
		ui, ok := i.(UpgradeInterceptor)
		if !ok {
			continue
		}
		res := ui.OnUpgrade(ctx, req)
		if res.Verdict == DirectResponse {
			return res
		}
	}
	return ResultNext()
}

// runWithDeadline calls i's OnRequest or OnResponse with a bounded context,
// recovering from panics and translating both a panic and a deadline
// exceeded into a synthesized error response rather than letting either
// escape into the caller.
func (p *Pipeline) runWithDeadline(flow *types.Flow, i Interceptor, isRequest bool) (result Result) {
	ctx, cancel := context.WithTimeout(context.Background(), p.deadline)
	defer cancel()

	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("interceptor panicked", "panic", r, "flow", flow.ID)
				if sink != nil {
					sink.IncInterceptorPanics()
				}
				done <- errorResult(http.StatusInternalServerError)
			}
		}()
		if isRequest {
			done <- i.OnRequest(ctx, flow)
		} else {
			done <- i.OnResponse(ctx, flow)
		}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		slog.Warn("interceptor deadline exceeded", "flow", flow.ID)
		if sink != nil {
			sink.IncInterceptorTimeouts()
		}
		return errorResult(http.StatusGatewayTimeout)
	}
}

func errorResult(status int) Result {
	return ResultDirect(&types.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(http.StatusText(status)),
	})
}
