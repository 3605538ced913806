package main

import (
	"flag"
	"strings"
)

// loadConfig parses the command-line flags into a Config.
func loadConfig() *Config {
	config := new(Config)

	var ignoreHosts, allowHosts, interceptDomains, interceptFastDomains string

	flag.BoolVar(&config.version, "version", false, "show version")
	flag.StringVar(&config.Addr, "addr", ":9080", "proxy listen addr")
	flag.StringVar(&config.WebAddr, "web_addr", ":9081", "web interface listen addr")
	flag.BoolVar(&config.SslInsecure, "ssl_insecure", false, "not verify upstream server SSL/TLS certificates")
	flag.StringVar(&ignoreHosts, "ignore_hosts", "", "comma-separated list of hosts to not intercept")
	flag.StringVar(&allowHosts, "allow_hosts", "", "comma-separated list of hosts to intercept exclusively")
	flag.StringVar(&config.CertPath, "cert_path", "", "path of generated cert files")
	flag.IntVar(&config.Debug, "debug", 0, "debug mode: 1 - print debug log, 2 - show debug from")
	flag.StringVar(&config.Dump, "dump", "", "dump filename")
	flag.IntVar(&config.DumpLevel, "dump_level", 0, "dump level: 0 - header, 1 - header + body")
	flag.StringVar(&config.Upstream, "upstream", "", "upstream proxy")
	flag.BoolVar(&config.UpstreamCert, "upstream_cert", true, "connect to upstream server to look up certificate details")
	flag.StringVar(&config.MapRemote, "map_remote", "", "map remote config filename")
	flag.StringVar(&config.MapLocal, "map_local", "", "map local config filename")
	flag.StringVar(&config.LogFile, "log_file", "", "log file path")
	flag.StringVar(&config.ProxyAuth, "proxy_auth", "", `proxy authentication, format: "user:pass|user2:pass2", or "any"`)

	flag.Int64Var(&config.MaxBodySize, "max_body_size", 0, "hard cap in bytes on buffered request/response bodies, 0 disables")
	flag.IntVar(&config.RegistryCapacity, "registry_capacity", 0, "max concurrent fake-server listeners, 0 uses the default")
	flag.DurationVar(&config.InterceptorTimeout, "interceptor_timeout", 0, "per-interceptor deadline, 0 uses the default")
	flag.DurationVar(&config.GetCertSocketTimeout, "get_cert_socket_timeout", 0, "upstream cert probe timeout, 0 uses the default")
	flag.BoolVar(&config.EnablePerformanceMetrics, "enable_performance_metrics", false, "turn on the Prometheus metrics sink")
	flag.StringVar(&interceptDomains, "intercept_domains", "", "comma-separated list of intercept-filter domains; no URL or path rules are set from the command line, so the filter intercepts none of these hosts")
	flag.StringVar(&interceptFastDomains, "intercept_fast_domains", "", "comma-separated list of hosts that always fast-path as a transparent relay")

	flag.IntVar(&config.PoolMaxSockets, "pool_max_sockets", 0, "max open upstream sockets per host, 0 uses the default")
	flag.IntVar(&config.PoolMaxFreeSockets, "pool_max_free_sockets", 0, "max idle upstream sockets kept per host, 0 uses the default")
	flag.DurationVar(&config.PoolKeepAliveTimeout, "pool_keep_alive_timeout", 0, "idle upstream socket lifetime, 0 uses the default")
	flag.DurationVar(&config.PoolMaxConnectionAge, "pool_max_connection_age", 0, "hard cap on a pooled upstream socket's age, 0 disables")
	flag.IntVar(&config.PoolRetries, "pool_retries", 0, "dial retry attempts, 0 uses the default")
	flag.DurationVar(&config.PoolRetryDelay, "pool_retry_delay", 0, "delay between dial retries, 0 uses the default")

	flag.Parse()

	if ignoreHosts != "" {
		config.IgnoreHosts = strings.Split(ignoreHosts, ",")
	}
	if allowHosts != "" {
		config.AllowHosts = strings.Split(allowHosts, ",")
	}
	if interceptDomains != "" {
		config.InterceptDomains = strings.Split(interceptDomains, ",")
	}
	if interceptFastDomains != "" {
		config.InterceptFastDomains = strings.Split(interceptFastDomains, ",")
	}

	return config
}
