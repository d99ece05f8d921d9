package memcachebin

import (
	"fmt"
	"net"
	"strings"
)

// DefaultPort is used for server addresses given without a port.
const DefaultPort = "11211"

// ParseServers parses a connection target into host:port addresses.
//
// Accepted forms are "memcache://host:port[,host:port...]" and a bare
// comma-separated address list. Hosts without a port get DefaultPort.
// Credentials, paths and query parameters are rejected.
func ParseServers(target string) ([]string, error) {
	hosts := target
	if scheme, rest, ok := strings.Cut(target, "://"); ok {
		if scheme != "memcache" {
			return nil, fmt.Errorf("memcache: unsupported scheme %q", scheme)
		}
		if strings.Contains(rest, "@") {
			return nil, fmt.Errorf("memcache: authentication is not supported")
		}
		rest = strings.TrimSuffix(rest, "/")
		if strings.ContainsAny(rest, "/?#") {
			return nil, fmt.Errorf("memcache: unexpected path or query in %q", target)
		}
		hosts = rest
	}

	var servers []string
	for _, host := range strings.Split(hosts, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		addr, err := normalizeAddr(host)
		if err != nil {
			return nil, err
		}
		servers = append(servers, addr)
	}

	if len(servers) == 0 {
		return nil, fmt.Errorf("memcache: no servers in %q", target)
	}
	return servers, nil
}

func normalizeAddr(host string) (string, error) {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		// no port: "host" or a bare IPv6 literal
		trimmed := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
		if strings.Contains(trimmed, "[") || strings.Contains(trimmed, "]") {
			return "", fmt.Errorf("memcache: invalid server address %q", host)
		}
		return net.JoinHostPort(trimmed, DefaultPort), nil
	}
	if h == "" {
		return "", fmt.Errorf("memcache: missing host in %q", host)
	}
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(h, port), nil
}
