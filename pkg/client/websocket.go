package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/aeolun/minichat/pkg/transport"
)

// DialWebSocket connects to a server's /ws endpoint using ws or wss
func DialWebSocket(addr string, useTLS bool) (net.Conn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/ws"}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s got %s (is the HTTP port right?): %w", u.String(), resp.Status, err)
		}
		return nil, err
	}
	return transport.NewWebSocketConn(ws), nil
}
