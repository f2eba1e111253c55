// Package server constructs the tcpcast relay: a TCP listener whose accept
// loop registers every connection and hands it to a bounded set of handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Server relays every chunk read from one client to all registered clients.
type Server struct {
	host     string
	port     int
	cfg      Config
	listener net.Listener
	registry *Registry
	poolOnce sync.Once
	pool     *handlerPool
	origins  *originPolicy
	logger   *slog.Logger
}

// New binds a TCP listener on host:port using the default configuration.
func New(host string, port int) (*Server, error) {
	cfg := NewConfig()
	cfg.Host = host
	cfg.Port = port
	return NewWithConfig(cfg)
}

// NewWithConfig binds a TCP listener on cfg.Host:cfg.Port. The returned
// Server has an empty registry and serves nothing until Start is called.
func NewWithConfig(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := cfg.sanitize()

	addr := net.JoinHostPort(sanitized.Host, strconv.Itoa(sanitized.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s := &Server{
		host:     sanitized.Host,
		port:     sanitized.Port,
		cfg:      sanitized,
		listener: listener,
		registry: NewRegistry(sanitized.EchoSender, sanitized.Logger),
		origins:  newOriginPolicy(sanitized.AllowedOrigins, sanitized.Logger),
		logger:   sanitized.Logger,
	}

	s.logger.Info("tcp listening", "addr", listener.Addr().String())
	return s, nil
}

func (s *Server) String() string {
	return fmt.Sprintf("Server{host: %s, port: %d}", s.host, s.port)
}

// Addr returns the address the listener is bound to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry returns the registry shared by all transports of this server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Config returns a copy of the effective configuration.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// handlers returns the pool shared by every transport. Whichever of Start or
// a bridge touches it first fixes its size.
func (s *Server) handlers() *handlerPool {
	return s.installPool(s.cfg.Threads)
}

func (s *Server) installPool(size int) *handlerPool {
	s.poolOnce.Do(func() {
		s.pool = newHandlerPool(size)
		s.logger.Info("handler pool ready", "slots", s.pool.size)
	})
	return s.pool
}

// Start runs the accept loop with at most threads concurrent connection
// handlers; a non-positive value uses Config.Threads. If a bridge already
// created the handler pool, that pool is kept. It blocks until ctx is
// done, in which case the listener is closed and nil is returned, or until
// Accept fails permanently.
func (s *Server) Start(ctx context.Context, threads int) error {
	if threads <= 0 {
		threads = s.cfg.Threads
	}
	pool := s.installPool(threads)
	if pool.size != int64(threads) {
		s.logger.Warn("handler pool already in use, keeping its size",
			"slots", pool.size, "requested", threads)
	}

	stop := context.AfterFunc(ctx, func() {
		if err := s.listener.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing listener", "error", err)
		}
	})
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				tempDelay = nextAcceptDelay(tempDelay)
				s.logger.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("accept on %s: %w", s.listener.Addr(), err)
		}
		tempDelay = 0

		// The loop does not accept again until this connection has a slot.
		if err := pool.acquire(ctx); err != nil {
			_ = conn.Close()
			return nil
		}

		peer := s.register(conn.RemoteAddr().String(), TransportTCP, streamSink{conn: conn})
		go func() {
			defer pool.release()
			s.serveConn(conn, peer)
		}()
	}
}

func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	delay *= 2
	if delay > time.Second {
		delay = time.Second
	}
	return delay
}

// register creates a peer for a freshly accepted connection and appends it
// to the registry.
func (s *Server) register(addr, transport string, out sink) *Peer {
	peer := newPeer(addr, transport, out, s.cfg.SendQueueSize, s.cfg.WriteTimeout, s.logger)
	s.registry.Add(peer)
	return peer
}
