package executor

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when an endpoint does not name one.
const DefaultPort = 22

// Endpoint identifies a remote target. It is the connection cache key and
// the aggregation key for parallel results.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses "host", "host:port" or "[v6addr]:port".
// defaultPort is used when no port is given; zero means DefaultPort.
func ParseEndpoint(s string, defaultPort int) (Endpoint, error) {
	if defaultPort == 0 {
		defaultPort = DefaultPort
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port present (or a bare IPv6 address).
		return Endpoint{Host: strings.Trim(s, "[]"), Port: defaultPort}, nil
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("endpoint %q has invalid port %q", s, portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}
