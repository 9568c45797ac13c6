// Package transport adapts message- and channel-oriented connections to
// net.Conn so every transport can carry the same framed byte stream.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextMessage is returned by Read when the peer sends a text message;
// the chat stream is binary only
var ErrTextMessage = errors.New("websocket: text messages are not accepted")

// closeGrace bounds how long Close waits to write the close frame
const closeGrace = time.Second

// WebSocketConn is a net.Conn over a WebSocket. Each Write becomes one
// binary message. Read streams message bodies back to back, so frame
// boundaries need not line up with message boundaries.
type WebSocketConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	msg    io.Reader // body of the message being read, nil between messages

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps an established WebSocket
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.msg == nil {
			kind, r, err := c.ws.NextReader()
			if err != nil {
				return 0, c.readError(err)
			}
			if kind != websocket.BinaryMessage {
				return 0, ErrTextMessage
			}
			c.msg = r
		}

		n, err := c.msg.Read(b)
		if errors.Is(err, io.EOF) {
			c.msg = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// readError maps a clean close to io.EOF and a local Close to net.ErrClosed
func (c *WebSocketConn) readError(err error) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

func (c *WebSocketConn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal-closure frame and closes the socket. Later calls
// return the first result.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// WriteControl is safe alongside a concurrent WriteMessage
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
