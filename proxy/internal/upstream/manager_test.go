package upstream_test

import (
	"net/http"
	"net/url"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/corewire/mitmcore/proxy/internal/upstream"
)

type stubConfig struct {
	upstream string
	insecure bool
}

func (c stubConfig) GetUpstream() string  { return c.upstream }
func (c stubConfig) GetSslInsecure() bool { return c.insecure }

func TestNewManagerCreatesInstance(t *testing.T) {
	c := qt.New(t)

	mgr := upstream.NewManager(stubConfig{upstream: "http://proxy:8080", insecure: true})

	c.Assert(mgr, qt.IsNotNil)
}

func TestManagerGetUpstreamProxyURLReturnsConfiguredUpstream(t *testing.T) {
	c := qt.New(t)

	mgr := upstream.NewManager(stubConfig{upstream: "http://proxy:8080"})
	req := &http.Request{
		URL:  &url.URL{Scheme: "https", Host: "example.com"},
		Host: "example.com",
	}

	proxyURL, err := mgr.GetUpstreamProxyURL(req)

	c.Assert(err, qt.IsNil)
	c.Assert(proxyURL, qt.IsNotNil)
	c.Assert(proxyURL.String(), qt.Equals, "http://proxy:8080")
}

func TestManagerGetUpstreamProxyURLUsesCustomFunction(t *testing.T) {
	c := qt.New(t)

	mgr := upstream.NewManager(stubConfig{})
	customURL, _ := url.Parse("http://custom:9090")

	mgr.SetUpstreamProxy(func(_ *http.Request) (*url.URL, error) {
		return customURL, nil
	})

	req := &http.Request{
		URL:  &url.URL{Scheme: "https", Host: "example.com"},
		Host: "example.com",
	}

	proxyURL, err := mgr.GetUpstreamProxyURL(req)

	c.Assert(err, qt.IsNil)
	c.Assert(proxyURL.String(), qt.Equals, "http://custom:9090")
}
