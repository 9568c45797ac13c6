package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		raw     string
		scheme  string
		display string
	}{
		{"localhost", "tcp", "localhost:8080"},
		{"example.com:7000", "tcp", "example.com:7000"},
		{"  example.com:7000  ", "tcp", "example.com:7000"},
		{"[::1]", "tcp", "[::1]:8080"},
		{"tcp://chat.local:1234", "tcp", "chat.local:1234"},
		{"TCP://chat.local", "tcp", "chat.local:8080"},
		{"ssh://chat.local", "ssh", "ssh://minichat@chat.local:8022"},
		{"ssh://bob@chat.local:2222", "ssh", "ssh://bob@chat.local:2222"},
		{"ws://chat.local", "ws", "ws://chat.local:9090/ws"},
		{"wss://chat.local:443", "wss", "wss://chat.local:443/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.raw, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, cfg.scheme)
			assert.Equal(t, tt.display, cfg.display)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"ftp://chat.local",
		"tcp://",
		"ssh://",
		"ws://chat.local:1:2",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := parseServerAddress(raw, Options{})
			assert.Error(t, err)
		})
	}
}

func TestWithDefaultPort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"chat.local", "chat.local:99"},
		{"chat.local:12", "chat.local:12"},
		{"[fe80::1]", "[fe80::1]:99"},
		{"[fe80::1]:12", "[fe80::1]:12"},
	}
	for _, tt := range tests {
		got, err := withDefaultPort(tt.in, "99")
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", ":12", "a:b:c"} {
		_, err := withDefaultPort(bad, "99")
		assert.Error(t, err, bad)
	}
}
