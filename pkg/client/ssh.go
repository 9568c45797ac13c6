package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aeolun/minichat/pkg/transport"
)

// hostKeyCallback picks the host key check for SSH dials: the caller's
// callback, no check at all, or the user's known_hosts file.
func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.HostKeyCallback != nil {
		return opts.HostKeyCallback, nil
	}
	if opts.InsecureSkipHostKeyCheck {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s (add the server key or skip host key checks): %w", path, err)
	}
	return callback, nil
}

// dialSSH opens an SSH connection and one "session" channel to carry the
// chat stream. The server does not authenticate SSH users.
func dialSSH(user, address string, opts Options) (net.Conn, error) {
	callback, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: callback,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh open channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	release := func() error {
		// the peer may already have dropped the connection
		_ = client.Close()
		return nil
	}
	return transport.NewSSHChannelConn(channel, netConn.LocalAddr(), netConn.RemoteAddr(), release), nil
}
