package helper

import (
	"net"
	"strings"

	"github.com/tidwall/match"
)

// MatchHost reports whether address (a "host:port" or bare host) matches
// any entry in hosts. An entry may carry its own port ("example.com:443",
// matched exactly against address's port) or omit it (matched against any
// port). Entries may use "*" glob wildcards ("*.example.com").
func MatchHost(address string, hosts []string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		port = ""
	}

	for _, entry := range hosts {
		entryHost, entryPort, hasPort := strings.Cut(entry, ":")
		if hasPort && entryPort != port {
			continue
		}
		if match.Match(host, entryHost) {
			return true
		}
	}
	return false
}
