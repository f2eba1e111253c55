// Package server bridges WebSocket clients into the relay. A WebSocket peer
// shares the registry with TCP peers: its frames are broadcast like TCP
// chunks and it receives every broadcast as one text frame.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

type wsSink struct {
	conn *websocket.Conn
}

func (w wsSink) write(payload []byte, deadline time.Time) error {
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w wsSink) ping(deadline time.Time) error {
	return w.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (w wsSink) pingPeriod() time.Duration {
	return wsPingPeriod
}

func (w wsSink) close() error {
	return w.conn.Close()
}

// WebSocketHandler upgrades GET requests to WebSocket connections and serves
// them as relay peers. Requests are refused with 503 while every handler
// slot is taken.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.BufferSize,
		WriteBufferSize: s.cfg.BufferSize,
		CheckOrigin:     s.origins.check,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		pool := s.handlers()
		if !pool.tryAcquire() {
			s.logger.Warn("rejecting websocket connection, no free handler slot", "addr", r.RemoteAddr)
			http.Error(w, "Server is at capacity.", http.StatusServiceUnavailable)
			return
		}
		defer pool.release()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		peer := s.register(r.RemoteAddr, TransportWebSocket, wsSink{conn: conn})
		s.serveWebSocket(conn, peer)
	})
}

// serveWebSocket reads frames until the connection ends. Each frame is one
// chunk.
func (s *Server) serveWebSocket(conn *websocket.Conn, peer *Peer) {
	defer func() {
		s.registry.Remove(peer)
		peer.Close()
	}()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		peer.logger.Warn("error setting initial read deadline", "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	limiter := newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logWebSocketReadEnd(peer, err)
			return
		}
		if len(data) == 0 {
			continue
		}
		s.relay(peer, limiter, data)
	}
}

func (s *Server) logWebSocketReadEnd(peer *Peer, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		peer.logger.Warn("frame exceeded maximum size", "limit", s.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		peer.logger.Info("peer disconnected")
	case isExpectedCloseError(err):
		peer.logger.Debug("connection closed", "error", err)
	default:
		peer.logger.Warn("websocket read failed", "error", err)
	}
}
