// Package intercept implements the Selective-Intercept Filter: the policy
// that decides whether a request needs the full inspection pipeline or can
// be fast-pathed as a transparent relay.
package intercept

import (
	"net/http"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/match"
)

// Config mirrors the spec's intercept_config surface.
type Config struct {
	Domains          []string
	URLs             []string
	URLPrefixes      []string
	PathPrefixes     []string
	StaticExtensions []string
	FastDomains      []string
}

// Filter evaluates Config's six-step decision table (spec §4.4).
type Filter struct {
	domains          []string
	urls             []string
	urlPrefixes      []string
	pathPrefixes     []string
	staticExtensions []string
	fastDomains      map[string]struct{}
}

// New builds a Filter from cfg, lowercasing hostnames up front.
func New(cfg Config) *Filter {
	f := &Filter{
		domains:          lowerAll(cfg.Domains),
		urls:             cfg.URLs,
		urlPrefixes:      cfg.URLPrefixes,
		pathPrefixes:     cfg.PathPrefixes,
		staticExtensions: lowerAll(cfg.StaticExtensions),
		fastDomains:      make(map[string]struct{}, len(cfg.FastDomains)),
	}
	for _, d := range lowerAll(cfg.FastDomains) {
		f.fastDomains[d] = struct{}{}
	}
	return f
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// ShouldIntercept implements the spec §4.4 decision table:
//  1. No configured domains -> fast path.
//  2. Host must equal (or be a subdomain of) a configured domain.
//  3. A configured static extension on the path -> fast path.
//  4. No urls/url_prefixes/path_prefixes configured -> fast path.
//  5. A url/url_prefix/path_prefix match -> intercept.
//  6. Otherwise -> fast path.
func (f *Filter) ShouldIntercept(req *http.Request) bool {
	if len(f.domains) == 0 {
		return false
	}

	host := strings.ToLower(req.Host)
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if !f.hostMatchesDomain(host) {
		return false
	}

	path := req.URL.Path
	if f.hasStaticExtension(path) {
		return false
	}

	if len(f.urls) == 0 && len(f.urlPrefixes) == 0 && len(f.pathPrefixes) == 0 {
		return false
	}

	fullURL := req.URL.String()
	for _, u := range f.urls {
		if match.Match(fullURL, u) || fullURL == u {
			return true
		}
	}
	for _, p := range f.urlPrefixes {
		if strings.HasPrefix(fullURL, p) {
			return true
		}
	}
	for _, p := range f.pathPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsFastDomain reports whether host (or its parent domain) is listed in
// fast_domains. The Request Engine fast-paths such a host even when
// ShouldIntercept returns true for it, but only while no interceptor is
// registered.
func (f *Filter) IsFastDomain(host string) bool {
	host = strings.ToLower(host)
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return domainMatches(host, keys(f.fastDomains))
}

func (f *Filter) hostMatchesDomain(host string) bool {
	return domainMatches(host, f.domains)
}

// domainMatches reports whether host equals one of domains, or is a
// subdomain (".example.com" suffix) of one.
func domainMatches(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (f *Filter) hasStaticExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range f.staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func keys(m map[string]struct{}) []string {
	return lo.Keys(m)
}
