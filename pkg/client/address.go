package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSSHUser = "minichat"
	dialTimeout    = 10 * time.Second
)

// transportScheme describes how one URL scheme reaches the server
type transportScheme struct {
	defaultPort string
	// display renders the resolved address for logs and errors
	display func(user, address string) string
	dial    func(user, address string, opts Options) (net.Conn, error)
}

var schemes = map[string]transportScheme{
	"tcp": {
		defaultPort: "8080",
		display:     func(_, address string) string { return address },
		dial: func(_, address string, _ Options) (net.Conn, error) {
			return net.DialTimeout("tcp", address, dialTimeout)
		},
	},
	"ssh": {
		defaultPort: "8022",
		display:     func(user, address string) string { return "ssh://" + user + "@" + address },
		dial:        dialSSH,
	},
	"ws": {
		defaultPort: "9090",
		display:     func(_, address string) string { return "ws://" + address + "/ws" },
		dial: func(_, address string, _ Options) (net.Conn, error) {
			return DialWebSocket(address, false)
		},
	},
	"wss": {
		defaultPort: "9090",
		display:     func(_, address string) string { return "wss://" + address + "/ws" },
		dial: func(_, address string, _ Options) (net.Conn, error) {
			return DialWebSocket(address, true)
		},
	},
}

// dialConfig is a parsed server address: a display form and a dialer
type dialConfig struct {
	scheme  string
	display string
	dial    func() (net.Conn, error)
}

// parseServerAddress accepts host[:port] for plain TCP, or a tcp://, ssh://,
// ws:// or wss:// URL. Missing ports take the scheme's default.
func parseServerAddress(raw string, opts Options) (*dialConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("server address is empty")
	}

	name, user, hostPort := "tcp", "", raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		name = strings.ToLower(u.Scheme)
		hostPort = u.Host
		if u.User != nil {
			user = u.User.Username()
		}
	}

	scheme, ok := schemes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported server scheme %q (want tcp, ssh, ws or wss)", name)
	}
	address, err := withDefaultPort(hostPort, scheme.defaultPort)
	if err != nil {
		return nil, err
	}
	if name == "ssh" && user == "" {
		user = defaultSSHUser
	}

	return &dialConfig{
		scheme:  name,
		display: scheme.display(user, address),
		dial:    func() (net.Conn, error) { return scheme.dial(user, address, opts) },
	}, nil
}

// withDefaultPort returns hostPort as host:port, adding defaultPort when it
// has none. Bracketed IPv6 hosts are accepted with or without a port.
func withDefaultPort(hostPort, defaultPort string) (string, error) {
	if hostPort == "" {
		return "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || !strings.Contains(addrErr.Err, "missing port") {
			return "", fmt.Errorf("invalid server address %q: %w", hostPort, err)
		}
		host, port = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]"), defaultPort
	}
	if host == "" {
		return "", errors.New("missing host in server address")
	}
	return net.JoinHostPort(host, port), nil
}
