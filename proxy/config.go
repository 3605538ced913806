package proxy

import (
	"time"
)

// Config holds the proxy configuration settings.
type Config struct {
	Addr               string
	StreamLargeBodies  int64
	InsecureSkipVerify bool
	Upstream           string
	ClientFactory      ClientFactory

	// FixedCert, when set, is served for every SNI instead of minting
	// per-host leaves (see cert.SelfSignCA.SetFixedCert).
	FixedCert *FixedCertConfig

	// InterceptConfig drives the Selective-Intercept Filter that decides,
	// per request, whether the full inspection pipeline runs or the
	// request is fast-pathed as a transparent relay. A zero value
	// (no configured domains) fast-paths everything.
	InterceptConfig InterceptConfig

	// GetCertSocketTimeout bounds how long the certificate factory waits
	// to probe the real origin's certificate before synthesizing a
	// single-SAN fallback leaf.
	GetCertSocketTimeout time.Duration

	// EnablePerformanceMetrics turns on the Prometheus metrics sink for
	// the connection pool, fake-server registry, and interceptor pipeline.
	EnablePerformanceMetrics bool

	// MaxBodySize hard-caps buffered request/response bodies; larger
	// bodies abort with 413 rather than switching to streaming. Zero
	// disables the cap (only StreamLargeBodies applies).
	MaxBodySize int64

	// RegistryCapacity bounds how many distinct-SAN-set fake-server
	// listeners stay bound at once. Zero uses registry.DefaultCapacity.
	RegistryCapacity int

	// InterceptorTimeout bounds a single interceptor call. Zero uses
	// pipeline.DefaultDeadline.
	InterceptorTimeout time.Duration

	// Pool tunes the upstream connection pool. Zero values fall back to
	// the pool package's documented defaults.
	Pool PoolConfig
}

// GetUpstream implements upstream.Config.
func (c Config) GetUpstream() string { return c.Upstream }

// GetSslInsecure implements upstream.Config.
func (c Config) GetSslInsecure() bool { return c.InsecureSkipVerify }

// FixedCertConfig preloads a single certificate/key pair to serve for
// every SNI, bypassing per-host issuance entirely.
type FixedCertConfig struct {
	CertPEM []byte
	KeyPEM  []byte
}

// InterceptConfig mirrors intercept.Config; kept as a distinct type here so
// callers configuring Proxy never need to import proxy/internal/intercept
// directly.
type InterceptConfig struct {
	Domains          []string
	URLs             []string
	URLPrefixes      []string
	PathPrefixes     []string
	StaticExtensions []string
	FastDomains      []string
}

// PoolConfig mirrors pool.Config; kept as a distinct type here so callers
// configuring Proxy never need to import proxy/internal/pool directly.
type PoolConfig struct {
	MaxSockets       int
	MaxFreeSockets   int
	KeepAliveTimeout time.Duration
	MaxConnectionAge time.Duration
	Retries          int
	RetryDelay       time.Duration
}
