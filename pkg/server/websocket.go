package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Clients are not browsers bound to an origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and serves one chat session on it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	// A single message never carries more than one maximal frame plus slack
	ws.SetReadLimit(protocol.MaxFrameSize + 64*1024)

	// ServeConn registers with the server's wait group itself and closes
	// the socket if Stop won the race with the upgrade
	s.ServeConn(transport.NewWebSocketConn(ws), "websocket")
}
