package server

import (
	"io"
	"log"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
)

func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.SSHPort = 0
	cfg.HTTPPort = 0
	return cfg
}

// newTestServer builds a server without starting any listener
func newTestServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	srv := NewServer(cfg, "")
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// pipeConn serves one session over an in-memory pipe and returns the
// client end
func pipeConn(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(serverConn, "pipe")
	t.Cleanup(func() { clientConn.Close() })
	return clientConn
}

func pipeClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	return client.New(pipeConn(t, srv))
}

// connected returns a pipe client already holding nickname
func connected(t *testing.T, srv *Server, nickname string) *client.Client {
	t.Helper()

	c := pipeClient(t, srv)
	msg, err := c.Connect(nickname)
	require.NoError(t, err)
	require.Equal(t, "Welcome", msg)
	return c
}

// joined connects nickname and joins room, returning the member snapshot
func joined(t *testing.T, srv *Server, nickname, room string) (*client.Client, []string) {
	t.Helper()

	c := connected(t, srv, nickname)
	require.NoError(t, c.Join(room))
	ack := recvAs[*protocol.JoinAckResponse](t, c)
	require.Equal(t, room, ack.Room)
	return c, ack.Members
}

type received struct {
	resp protocol.Response
	err  error
}

func recv(t *testing.T, c *client.Client) protocol.Response {
	t.Helper()

	ch := make(chan received, 1)
	go func() {
		resp, err := c.Recv()
		ch <- received{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.resp
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func recvAs[T protocol.Response](t *testing.T, c *client.Client) T {
	t.Helper()

	resp := recv(t, c)
	typed, ok := resp.(T)
	require.Truef(t, ok, "unexpected response %T: %+v", resp, resp)
	return typed
}

func recvError(t *testing.T, c *client.Client) string {
	t.Helper()
	return recvAs[*protocol.ErrorResponse](t, c).Message
}

// recvUntil reads responses until match returns true, failing after limit
func recvUntil(t *testing.T, c *client.Client, limit int, match func(protocol.Response) bool) protocol.Response {
	t.Helper()

	for i := 0; i < limit; i++ {
		resp := recv(t, c)
		if match(resp) {
			return resp
		}
	}
	t.Fatalf("no matching response within %d responses", limit)
	return nil
}

func roomEvent(room string, op protocol.RoomOp) *protocol.RoomEvent {
	return &protocol.RoomEvent{Room: room, Op: op}
}
