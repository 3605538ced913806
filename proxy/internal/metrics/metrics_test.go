package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	qt "github.com/frankban/quicktest"

	"github.com/corewire/mitmcore/proxy/internal/metrics"
)

func TestNewRegistersAndServesMetrics(t *testing.T) {
	c := qt.New(t)

	s := metrics.New(nil)
	s.PoolHits.Inc()
	s.RequestsTotal.WithLabelValues("GET").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	c.Assert(rec.Code, qt.Equals, 200)
	c.Assert(rec.Body.String(), qt.Contains, "mitmcore_pool_hits_total 1")
	c.Assert(rec.Body.String(), qt.Contains, `mitmcore_requests_total{method="GET"} 1`)
}

func TestNewWithExplicitRegistry(t *testing.T) {
	c := qt.New(t)
	reg := prometheus.NewRegistry()
	s := metrics.New(reg)
	c.Assert(s, qt.IsNotNil)

	mfs, err := reg.Gather()
	c.Assert(err, qt.IsNil)
	c.Assert(len(mfs) > 0, qt.IsTrue)
}
