// Package server runs the chat service: it accepts byte-stream connections
// over TCP, SSH and WebSocket and drives each through the session engine
// against a shared room registry.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/minichat/pkg/rooms"
)

// Registry is the room registry as the server uses it
type Registry interface {
	rooms.Registry
	Users() []string
	Rooms() []rooms.RoomInfo
}

// Server represents the minichat server
type Server struct {
	registry    Registry
	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server
	httpAddr    net.Addr
	sessions    *SessionTable
	metrics     *Metrics
	config      ServerConfig
	configPath  string
	startTime   time.Time
	shutdown    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// gate orders wg.Add from untracked goroutines (HTTP handlers, callers
	// of ServeConn) against Stop's wg.Wait
	gate     sync.Mutex
	stopping bool
}

// NewServer creates a server backed by an in-memory room hub
func NewServer(config ServerConfig, configPath string) *Server {
	metrics := NewMetrics()
	hub := rooms.NewHub(rooms.Options{
		Capacity: config.RoomCapacity,
		Overflow: config.OverflowPolicy,
		Observer: metrics,
	})
	return newServer(config, configPath, hub, metrics)
}

// NewServerWithRegistry creates a server around an existing registry
func NewServerWithRegistry(config ServerConfig, configPath string, registry Registry) *Server {
	return newServer(config, configPath, registry, NewMetrics())
}

func newServer(config ServerConfig, configPath string, registry Registry, metrics *Metrics) *Server {
	return &Server{
		registry:   registry,
		sessions:   NewSessionTable(config.MailboxCapacity, metrics),
		metrics:    metrics,
		config:     config,
		configPath: configPath,
		shutdown:   make(chan struct{}),
	}
}

// Start starts the TCP, SSH and HTTP servers
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// Sessions exposes the session manager
func (s *Server) Sessions() *SessionTable {
	return s.sessions
}

// Metrics exposes the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stop gracefully stops the server. Calls after the first are no-ops.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.gate.Lock()
	s.stopping = true
	close(s.shutdown)
	s.gate.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}

	var httpErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpErr = s.httpServer.Shutdown(ctx)
		cancel()
	}

	// Sessions only end once their transport is closed
	s.sessions.CloseAll()
	s.wg.Wait()

	return httpErr
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection handles a single TCP client connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s.ServeConn(conn, "tcp")
}

// ServeConn runs the session engine on an established byte stream and
// returns once the session has ended. The connection is closed on return.
func (s *Server) ServeConn(conn net.Conn, transport string) {
	if !s.track() {
		conn.Close()
		return
	}
	defer s.wg.Done()

	sess := s.sessions.Add(transport, conn)
	// Stop may have run CloseAll between track and Add
	select {
	case <-s.shutdown:
		s.sessions.Remove(sess.ID)
		return
	default:
	}
	debugLog.Printf("New %s connection from %s (session %d)", transport, conn.RemoteAddr(), sess.ID)
	s.serveSession(sess)
}

// track registers one more goroutine with wg, or reports false once Stop
// has begun
func (s *Server) track() bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// listen opens a TCP listener with SO_REUSEADDR so restarts can rebind
// immediately
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}
