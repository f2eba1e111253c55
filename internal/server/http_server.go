// Package server exposes the HTTP side of the relay: health and stats
// endpoints next to the WebSocket bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Stats is the body of the /stats endpoint.
type Stats struct {
	Peers        int   `json:"peers"`
	HandlerSlots int64 `json:"handler_slots"`
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "tcpcast server is running!")
}

// StatsHandler reports the number of registered peers and handler slots.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	stats := Stats{
		Peers:        s.registry.Len(),
		HandlerSlots: s.handlers().size,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("error writing stats response", "error", err)
	}
}

// Routes configures and returns an HTTP ServeMux with the health check,
// stats and WebSocket endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/stats", s.StatsHandler)
	mux.Handle("/ws", s.WebSocketHandler())
	return mux
}

// CreateHTTPServer creates an HTTP server on addr with reasonable timeouts.
func CreateHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ServeHTTP serves the routes of s on ln until ctx is done. The HTTP
// server is closed, not drained, when ctx ends.
func (s *Server) ServeHTTP(ctx context.Context, ln net.Listener) error {
	httpServer := CreateHTTPServer(ln.Addr().String(), s.Routes())

	stop := context.AfterFunc(ctx, func() {
		if err := httpServer.Close(); err != nil {
			s.logger.Warn("error closing http server", "error", err)
		}
	})
	defer stop()

	s.logger.Info("http listening", "addr", ln.Addr().String())
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
