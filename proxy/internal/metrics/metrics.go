// Package metrics provides the Prometheus counters/gauges the pool,
// registry, and request engine report through.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mitmcore"

// Sink holds every metric the proxy reports, registered against its own
// *prometheus.Registry so a caller that doesn't want metrics never pays
// for the default global registry's other collectors.
type Sink struct {
	registry *prometheus.Registry

	PoolHits          prometheus.Counter
	PoolMisses        prometheus.Counter
	PoolCreates       prometheus.Counter
	PoolDestroys      prometheus.Counter
	PoolConnectErrors prometheus.Counter
	PoolActiveSlots   *prometheus.GaugeVec

	RegistryListeners prometheus.Gauge
	RegistryEvictions prometheus.Counter

	InterceptorDuration *prometheus.HistogramVec
	InterceptorTimeouts prometheus.Counter
	InterceptorPanics   prometheus.Counter

	RequestsTotal  *prometheus.CounterVec
	RequestErrors  *prometheus.CounterVec
	RequestLatency prometheus.Histogram
}

// New builds and registers a Sink. registry may be nil, in which case a
// private registry is created (recommended, so /metrics only ever exposes
// this proxy's own series).
func New(registry *prometheus.Registry) *Sink {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Sink{
		registry: registry,
		PoolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_hits_total", Help: "Connection pool acquisitions served from an idle slot.",
		}),
		PoolMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_misses_total", Help: "Connection pool acquisitions that required a fresh dial.",
		}),
		PoolCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_creates_total", Help: "Connections dialed by the pool.",
		}),
		PoolDestroys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_destroys_total", Help: "Pool slots destroyed (unhealthy, stale, or over budget).",
		}),
		PoolConnectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_connect_errors_total", Help: "Dial failures exhausting the pool's retry budget.",
		}),
		PoolActiveSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_active_slots", Help: "Slots currently held per pool key.",
		}, []string{"key"}),
		RegistryListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registry_listeners", Help: "Fake-server listeners currently bound.",
		}),
		RegistryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_evictions_total", Help: "Fake-server registry LRU evictions.",
		}),
		InterceptorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "interceptor_duration_seconds", Help: "Per-interceptor call latency.",
		}, []string{"stage"}),
		InterceptorTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "interceptor_timeouts_total", Help: "Interceptor calls that exceeded their deadline.",
		}),
		InterceptorPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "interceptor_panics_total", Help: "Interceptor calls that recovered from a panic.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Proxied requests by method.",
		}, []string{"method"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_errors_total", Help: "Proxied requests ending in an error, by class.",
		}, []string{"class"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds", Help: "End-to-end request latency.",
		}),
	}

	registry.MustRegister(
		s.PoolHits, s.PoolMisses, s.PoolCreates, s.PoolDestroys, s.PoolConnectErrors, s.PoolActiveSlots,
		s.RegistryListeners, s.RegistryEvictions,
		s.InterceptorDuration, s.InterceptorTimeouts, s.InterceptorPanics,
		s.RequestsTotal, s.RequestErrors, s.RequestLatency,
	)
	return s
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// The Inc* methods satisfy pool.Sink and registry.Sink so those packages
// can report events without importing prometheus themselves.

func (s *Sink) IncPoolHits()          { s.PoolHits.Inc() }
func (s *Sink) IncPoolMisses()        { s.PoolMisses.Inc() }
func (s *Sink) IncPoolCreates()       { s.PoolCreates.Inc() }
func (s *Sink) IncPoolDestroys()      { s.PoolDestroys.Inc() }
func (s *Sink) IncPoolConnectErrors() { s.PoolConnectErrors.Inc() }

func (s *Sink) SetRegistryListeners(n float64) { s.RegistryListeners.Set(n) }
func (s *Sink) IncRegistryEvictions()          { s.RegistryEvictions.Inc() }

func (s *Sink) IncInterceptorTimeouts() { s.InterceptorTimeouts.Inc() }
func (s *Sink) IncInterceptorPanics()   { s.InterceptorPanics.Inc() }
