// Package server manages individual peers: the writable half of a client
// connection, with its outbound queue and write pump.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sink is the transport-specific output of a peer.
type sink interface {
	write(payload []byte, deadline time.Time) error
	close() error
}

// pinger is implemented by sinks that need keepalive frames.
type pinger interface {
	ping(deadline time.Time) error
	pingPeriod() time.Duration
}

// Peer represents one registered client. Broadcasts are queued on its send
// channel and written by its own pump goroutine, so a slow client never
// blocks the broadcaster.
type Peer struct {
	id           string
	addr         string
	transport    string
	out          sink
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *slog.Logger
}

func newPeer(addr, transport string, out sink, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Peer {
	p := &Peer{
		id:           uuid.NewString(),
		addr:         addr,
		transport:    transport,
		out:          out,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	p.logger = logger.With("peer", p.id, "addr", addr, "transport", transport)
	go p.writePump()
	return p
}

// ID returns the unique identifier assigned to the peer.
func (p *Peer) ID() string { return p.id }

// Addr returns the remote address of the peer.
func (p *Peer) Addr() string { return p.addr }

// Transport returns the name of the transport the peer connected over.
func (p *Peer) Transport() string { return p.transport }

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// enqueue queues payload for delivery without blocking. It returns false when
// the peer is closed or its queue is full.
func (p *Peer) enqueue(payload []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- payload:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

// Close closes the peer and its underlying connection. It is safe to call
// more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.out.close(); err != nil && !isExpectedCloseError(err) {
			p.logger.Warn("error closing connection", "error", err)
		}
	})
}

func (p *Peer) writePump() {
	var tick <-chan time.Time
	if pg, ok := p.out.(pinger); ok {
		ticker := time.NewTicker(pg.pingPeriod())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.done:
			return
		case payload := <-p.send:
			if err := p.out.write(payload, time.Now().Add(p.writeTimeout)); err != nil {
				p.logWriteError(err)
				p.Close()
				return
			}
		case <-tick:
			if err := p.out.(pinger).ping(time.Now().Add(p.writeTimeout)); err != nil {
				p.logWriteError(err)
				p.Close()
				return
			}
		}
	}
}

func (p *Peer) logWriteError(err error) {
	if isExpectedCloseError(err) {
		p.logger.Debug("write to closed connection", "error", err)
		return
	}
	p.logger.Warn("write failed, dropping peer", "error", err)
}
