package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/minichat/pkg/transport"
)

const sshServerVersion = "SSH-2.0-minichat"

// startSSHServer serves chat sessions over SSH "session" channels. SSH is
// only a transport here: the client still speaks the binary protocol over
// the channel, and identity is the chat nickname.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	keyPath, err := s.hostKeyPath()
	if err != nil {
		return err
	}
	hostKey, err := loadOrGenerateHostKey(keyPath)
	if err != nil {
		return fmt.Errorf("host key %s: %w", keyPath, err)
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s (host key %s)", listener.Addr(), ssh.FingerprintSHA256(hostKey.PublicKey()))

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, sshServerConfig(hostKey))
	return nil
}

func sshServerConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: sshServerVersion,
	}
	config.AddHostKey(hostKey)
	return config
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.serveSSHConn(conn, config)
	}
}

// serveSSHConn completes the SSH handshake and runs one chat session per
// accepted channel until the client hangs up or the server stops
func (s *Server) serveSSHConn(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	debugLog.Printf("SSH connection from %s (%s)", sshConn.RemoteAddr(), sshConn.ClientVersion())

	hungUp := make(chan struct{})
	defer close(hungUp)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-hungUp:
		}
	}()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if t := newChannel.ChannelType(); t != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels carry chat: "+t)
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog.Printf("SSH channel accept from %s failed: %v", sshConn.RemoteAddr(), err)
			continue
		}

		go replySessionRequests(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(transport.NewSSHChannelConn(channel, sshConn.LocalAddr(), sshConn.RemoteAddr(), nil), "ssh")
		}()
	}
}

// replySessionRequests accepts the requests terminal clients send before
// using a channel and refuses exec or subsystem, which would mean a
// different program on the other end
func replySessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		ok := false
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			ok = true
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// hostKeyPath resolves the configured host key location
func (s *Server) hostKeyPath() (string, error) {
	keyPath, err := ExpandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(keyPath) == "" {
		where := "the server config file"
		if strings.TrimSpace(s.configPath) != "" {
			where = s.configPath
		}
		return "", fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key in %s or remove it to use the default (%s)",
			where, DefaultConfig().SSHHostKeyPath)
	}
	return keyPath, nil
}

// loadOrGenerateHostKey reads a PEM private key from path, creating an
// ed25519 key there (mode 0600) when the file does not exist
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse: %w", err)
		}
		debugLog.Printf("Loaded SSH host key from %s", path)
		return signer, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read: %w", err)
	}

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "minichat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	data = pem.EncodeToMemory(block)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	log.Printf("Generated new SSH host key at %s", path)
	return signer, nil
}
