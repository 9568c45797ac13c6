//go:build linux

package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleNetstat = `TcpExt: SyncookiesSent SyncookiesRecv ListenOverflows ListenDrops
TcpExt: 0 0 17 19
IpExt: InNoRoutes ListenOverflows
IpExt: 0 99
`

func TestNetstatCounter(t *testing.T) {
	v, ok := netstatCounter(strings.NewReader(sampleNetstat), "TcpExt:", "ListenOverflows")
	assert.True(t, ok)
	assert.Equal(t, uint64(17), v)

	v, ok = netstatCounter(strings.NewReader(sampleNetstat), "IpExt:", "ListenOverflows")
	assert.True(t, ok)
	assert.Equal(t, uint64(99), v)
}

func TestNetstatCounterMissing(t *testing.T) {
	tests := map[string]string{
		"no section":   "IpExt: InNoRoutes\nIpExt: 0\n",
		"no column":    "TcpExt: SyncookiesSent\nTcpExt: 4\n",
		"header only":  "TcpExt: ListenOverflows\n",
		"short values": "TcpExt: A ListenOverflows\nTcpExt: 1\n",
		"not a number": "TcpExt: ListenOverflows\nTcpExt: lots\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := netstatCounter(strings.NewReader(input), "TcpExt:", "ListenOverflows")
			assert.False(t, ok)
		})
	}
}
