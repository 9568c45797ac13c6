package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router builds the HTTP routes served on the HTTP port
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthHandler)
	r.Get("/rooms", s.RoomsHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/ws", s.HandleWebSocket)

	return r
}

// startHTTPServer serves metrics, status and WebSocket on the HTTP port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		log.Printf("HTTP server disabled (http_port=%d)", s.config.HTTPPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpAddr = listener.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (/metrics, /health, /rooms, /ws)", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

type roomSummary struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Members []string `json:"members"`
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	var uptime int64
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}

	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  uptime,
		"active_sessions": s.sessions.Len(),
		"users":           len(s.registry.Users()),
		"rooms":           len(s.registry.Rooms()),
	}

	writeJSON(w, health)
}

// RoomsHandler lists rooms with their members
func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.Rooms()
	out := make([]roomSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, roomSummary{Name: info.Name, Count: len(info.Members), Members: info.Members})
	}

	writeJSON(w, map[string]interface{}{
		"rooms": out,
		"count": len(out),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
