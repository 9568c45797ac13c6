package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHChannelConn is a net.Conn over one SSH channel. SSH channels have no
// deadlines, so the deadline setters are no-ops.
type SSHChannelConn struct {
	ssh.Channel
	local  net.Addr
	remote net.Addr

	release func() error
	once    sync.Once
	err     error
}

var _ net.Conn = (*SSHChannelConn)(nil)

// NewSSHChannelConn wraps channel. release, if non-nil, runs once after the
// channel is closed; clients use it to drop the SSH connection that owns
// the channel.
func NewSSHChannelConn(channel ssh.Channel, local, remote net.Addr, release func() error) *SSHChannelConn {
	return &SSHChannelConn{
		Channel: channel,
		local:   local,
		remote:  remote,
		release: release,
	}
}

// Close closes the channel, then runs release. A channel already closed by
// the peer is not an error.
func (c *SSHChannelConn) Close() error {
	c.once.Do(func() {
		err := c.Channel.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if c.release != nil {
			err = errors.Join(err, c.release())
		}
		c.err = err
	})
	return c.err
}

func (c *SSHChannelConn) LocalAddr() net.Addr                { return c.local }
func (c *SSHChannelConn) RemoteAddr() net.Addr               { return c.remote }
func (c *SSHChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *SSHChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *SSHChannelConn) SetWriteDeadline(t time.Time) error { return nil }
