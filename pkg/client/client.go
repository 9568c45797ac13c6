// Package client is a scriptable minichat protocol client. It owns no UI:
// callers issue requests and read responses.
package client

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/minichat/pkg/handshake"
	"github.com/aeolun/minichat/pkg/protocol"
)

// Options tunes Dial
type Options struct {
	// Secure runs the key-exchange handshake right after dialing
	Secure bool
	// HostKeyCallback verifies ssh:// servers; overrides the known_hosts lookup
	HostKeyCallback ssh.HostKeyCallback
	// InsecureSkipHostKeyCheck accepts any ssh:// host key
	InsecureSkipHostKeyCheck bool
}

// ServerError is an Error response returned by a synchronous call
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Client is one connection to a minichat server
type Client struct {
	conn    net.Conn
	codec   *protocol.ClientCodec
	address string

	nickname string

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial connects to addr (host:port, tcp://, ssh://, ws:// or wss://)
func Dial(addr string, opts Options) (*Client, error) {
	cfg, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}

	c := New(conn)
	c.address = cfg.display

	if opts.Secure {
		if err := c.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// New wraps an established byte stream
func New(conn net.Conn) *Client {
	c := &Client{conn: conn, address: conn.RemoteAddr().String()}
	rw := struct {
		io.Reader
		io.Writer
	}{
		Reader: &countingReader{r: conn, counter: &c.bytesReceived},
		Writer: &countingWriter{w: conn, counter: &c.bytesSent},
	}
	c.codec = protocol.NewClientCodec(rw)
	return c
}

// Handshake upgrades the connection to an encrypted channel. It must be the
// first exchange on the connection.
func (c *Client) Handshake() error {
	return handshake.ClientUpgrade(c.codec)
}

// Encrypted reports whether the handshake completed
func (c *Client) Encrypted() bool {
	return c.codec.Encrypted()
}

// Connect claims a nickname and waits for the verdict. A rejection is
// returned as *ServerError and the client may try again.
func (c *Client) Connect(nickname string) (string, error) {
	if err := c.codec.Send(&protocol.ConnectRequest{Nickname: nickname}); err != nil {
		return "", err
	}

	resp, err := c.Recv()
	if err != nil {
		return "", err
	}
	switch resp := resp.(type) {
	case *protocol.ConnectAckResponse:
		c.nickname = nickname
		return resp.Message, nil
	case *protocol.ErrorResponse:
		return "", &ServerError{Message: resp.Message}
	default:
		return "", fmt.Errorf("unexpected %s response to connect", protocol.TypeName(resp.Type()))
	}
}

// Join asks to join room. The JoinAck arrives through Recv.
func (c *Client) Join(room string) error {
	return c.codec.Send(&protocol.JoinRoomRequest{Room: room})
}

// Leave asks to leave room. The LeaveAck arrives through Recv.
func (c *Client) Leave(room string) error {
	return c.codec.Send(&protocol.LeaveRoomRequest{Room: room})
}

// SendRoom posts content to a joined room. The echo arrives through Recv.
func (c *Client) SendRoom(room, content string) error {
	return c.codec.Send(&protocol.SendRequest{To: protocol.RoomRecipient(room), Content: content})
}

// SendUser sends a direct message. The Ack or Error arrives through Recv.
func (c *Client) SendUser(nickname, content string) error {
	return c.codec.Send(&protocol.SendRequest{To: protocol.UserRecipient(nickname), Content: content})
}

// Send writes an arbitrary request
func (c *Client) Send(req protocol.Request) error {
	return c.codec.Send(req)
}

// Recv blocks for the next response
func (c *Client) Recv() (protocol.Response, error) {
	return c.codec.Recv()
}

// Nickname returns the nickname accepted by the server, if any
func (c *Client) Nickname() string {
	return c.nickname
}

// Address returns the server address in display form
func (c *Client) Address() string {
	return c.address
}

// BytesSent returns bytes written to the transport
func (c *Client) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns bytes read from the transport
func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close closes the transport
func (c *Client) Close() error {
	return c.conn.Close()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
