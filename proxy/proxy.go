package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/corewire/mitmcore/cert"
	"github.com/corewire/mitmcore/internal/helper"
	"github.com/corewire/mitmcore/proxy/internal/addonregistry"
	"github.com/corewire/mitmcore/proxy/internal/attacker"
	"github.com/corewire/mitmcore/proxy/internal/conn"
	"github.com/corewire/mitmcore/proxy/internal/errcache"
	"github.com/corewire/mitmcore/proxy/internal/intercept"
	"github.com/corewire/mitmcore/proxy/internal/metrics"
	"github.com/corewire/mitmcore/proxy/internal/pipeline"
	"github.com/corewire/mitmcore/proxy/internal/pool"
	"github.com/corewire/mitmcore/proxy/internal/registry"
	"github.com/corewire/mitmcore/proxy/internal/upstream"
	"github.com/corewire/mitmcore/proxy/internal/websocket"
	"github.com/corewire/mitmcore/version"
)

type Proxy struct {
	Version         string
	config          Config
	addonRegistry   *addonregistry.Registry
	upstreamManager *upstream.Manager

	entry           *entry
	attacker        *attacker.Attacker
	ca              cert.CA
	shouldIntercept func(req *http.Request) bool // req is received by proxy.server
	authProxy       func(res http.ResponseWriter, req *http.Request) (bool, error)

	filter   *intercept.Filter
	pipeline *pipeline.Pipeline
	pool     *pool.Pool
	registry *registry.Registry
	errCache *errcache.Cache
	metrics  *metrics.Sink
}

// NewProxy creates a new Proxy with the given configuration and CA.
// This function creates all internal dependencies with default settings.
func NewProxy(config Config, ca cert.CA) (*Proxy, error) {
	// Set default for StreamLargeBodies if not specified
	if config.StreamLargeBodies <= 0 {
		config.StreamLargeBodies = 1024 * 1024 * 5 // default: 5mb
	}

	if config.FixedCert != nil {
		fixedLeaf, err := cert.LoadFixedCertFromPEM(config.FixedCert.CertPEM, config.FixedCert.KeyPEM)
		if err != nil {
			return nil, err
		}
		selfSign, ok := ca.(*cert.SelfSignCA)
		if !ok {
			return nil, errors.New("proxy: FixedCert requires a *cert.SelfSignCA")
		}
		selfSign.SetFixedCert(fixedLeaf)
	}
	if selfSign, ok := ca.(*cert.SelfSignCA); ok && config.GetCertSocketTimeout > 0 {
		selfSign.ProbeTimeout = config.GetCertSocketTimeout
	}

	addonRegistry := addonregistry.New()
	upstreamManager := upstream.NewManager(config)

	filter := intercept.New(intercept.Config{
		Domains:          config.InterceptConfig.Domains,
		URLs:             config.InterceptConfig.URLs,
		URLPrefixes:      config.InterceptConfig.URLPrefixes,
		PathPrefixes:     config.InterceptConfig.PathPrefixes,
		StaticExtensions: config.InterceptConfig.StaticExtensions,
		FastDomains:      config.InterceptConfig.FastDomains,
	})

	interceptorDeadline := config.InterceptorTimeout
	if interceptorDeadline <= 0 {
		interceptorDeadline = pipeline.DefaultDeadline
	}
	pl := pipeline.New(interceptorDeadline)
	addonRegistry.Add(pl)

	var metricsSink *metrics.Sink
	if config.EnablePerformanceMetrics {
		metricsSink = metrics.New(nil)
		pl.SetSink(metricsSink)
	}

	poolCfg := poolConfigFrom(config.Pool)
	if metricsSink != nil {
		poolCfg.Sink = metricsSink
	}

	// poolDialer resolves the upstream proxy per key the same way
	// upstreamManager.GetUpstreamConn does, so pool-backed dials still
	// honor HTTP_PROXY/SetUpstreamProxy instead of always dialing direct.
	poolDialer := func(ctx context.Context, key pool.Key) (net.Conn, error) {
		fakeReq := &http.Request{URL: &url.URL{Scheme: key.Scheme, Host: key.Addr}, Host: key.Addr}
		proxyURL, err := upstreamManager.GetUpstreamProxyURL(fakeReq)
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return helper.GetProxyConn(ctx, proxyURL, key.Addr, config.InsecureSkipVerify)
		}
		return (&net.Dialer{}).DialContext(ctx, "tcp", key.Addr)
	}
	connPool := pool.New(poolCfg, poolDialer)
	errCache := errcache.New(config.RegistryCapacity, 0)

	wsHandler := websocket.New(connPool, pl)

	clientFactory := config.ClientFactory
	if clientFactory == nil {
		clientFactory = attacker.NewPooledClientFactory(connPool)
	}

	atk, err := attacker.New(attacker.Args{
		CA:                 ca,
		UpstreamManager:    upstreamManager,
		AddonRegistry:      addonRegistry,
		StreamLargeBodies:  config.StreamLargeBodies,
		MaxBodySize:        config.MaxBodySize,
		InsecureSkipVerify: config.InsecureSkipVerify,
		WSHandler:          wsHandler,
		ClientFactory:      clientFactory,
		ErrCache:           errCache,
		Pool:               connPool,
		Filter:             filter,
		PipelineEmpty:      pl.Empty,
	})
	if err != nil {
		return nil, err
	}

	fakeServerRegistry := registry.New(ca, func(c net.Conn, hostnames []string) {
		hostname := ""
		if len(hostnames) > 0 {
			hostname = hostnames[0]
		}
		atk.ServeFakeServerConn(c, hostname)
	}, config.RegistryCapacity)
	if metricsSink != nil {
		fakeServerRegistry.SetSink(metricsSink)
	}

	proxy := &Proxy{
		Version:         version.Version,
		config:          config,
		addonRegistry:   addonRegistry,
		upstreamManager: upstreamManager,
		attacker:        atk,
		ca:              ca,
		filter:          filter,
		pipeline:        pl,
		pool:            connPool,
		registry:        fakeServerRegistry,
		errCache:        errCache,
		metrics:         metricsSink,
	}
	proxy.shouldIntercept = filter.ShouldIntercept

	proxy.entry = newEntry(proxy)

	return proxy, nil
}

func poolConfigFrom(c PoolConfig) pool.Config {
	return pool.Config{
		MaxSockets:       c.MaxSockets,
		MaxFreeSockets:   c.MaxFreeSockets,
		KeepAliveTimeout: c.KeepAliveTimeout,
		MaxConnectionAge: c.MaxConnectionAge,
		Retries:          c.Retries,
		RetryDelay:       c.RetryDelay,
	}
}

func (p *Proxy) AddAddon(addon Addon) {
	p.addonRegistry.Add(addon)
}

// AddInterceptor registers an Interceptor with the proxy's pipeline.
func (p *Proxy) AddInterceptor(i Interceptor) {
	p.pipeline.Add(i)
}

// Metrics returns the Prometheus handler for the proxy's metrics, or nil
// if Config.EnablePerformanceMetrics was false.
func (p *Proxy) Metrics() http.Handler {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.Handler()
}

func (p *Proxy) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.pool.Start(ctx)
	go func() {
		if err := p.attacker.Start(); err != nil {
			slog.Error("attacker start failed", "error", err)
		}
	}()
	err := p.entry.start()
	cancel()
	return err
}

func (p *Proxy) Close() error {
	p.pool.Stop()
	return p.entry.close()
}

func (p *Proxy) Shutdown(ctx context.Context) error {
	p.pool.Stop()
	return p.entry.shutdown(ctx)
}

func (p *Proxy) GetCertificate() x509.Certificate {
	return *p.ca.GetRootCA()
}

func (p *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return p.ca.GetCert(commonName)
}

func (p *Proxy) SetShouldInterceptRule(rule func(req *http.Request) bool) {
	p.shouldIntercept = rule
}

func (p *Proxy) SetUpstreamProxy(fn func(req *http.Request) (*url.URL, error)) {
	p.upstreamManager.SetUpstreamProxy(fn)
}

func (p *Proxy) SetAuthProxy(fn func(res http.ResponseWriter, req *http.Request) (bool, error)) {
	p.authProxy = fn
}

// NotifyClientDisconnected implements conn.AddonNotifier interface.
func (p *Proxy) NotifyClientDisconnected(clientConn *conn.ClientConn) {
	for _, addon := range p.addonRegistry.Get() {
		addon.ClientDisconnected(clientConn)
	}
}

// NotifyServerDisconnected implements conn.AddonNotifier interface.
func (p *Proxy) NotifyServerDisconnected(connCtx *conn.Context) {
	for _, addon := range p.addonRegistry.Get() {
		addon.ServerDisconnected(connCtx)
	}
}
