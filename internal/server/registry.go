// Package server coordinates peer registration, message broadcast, and
// dead-peer cleanup via the Registry type.
package server

import (
	"log/slog"
	"sync"
)

// Registry holds the live peers in the order they joined. All access goes
// through one mutex, which is never held during network I/O.
type Registry struct {
	mu         sync.Mutex
	peers      []*Peer
	echoSender bool
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. When echoSender is true a broadcast
// is delivered to its sender as well.
func NewRegistry(echoSender bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		echoSender: echoSender,
		logger:     logger,
	}
}

// Add appends p to the registry and returns the new peer count.
func (r *Registry) Add(p *Peer) int {
	r.mu.Lock()
	r.peers = append(r.peers, p)
	count := len(r.peers)
	r.mu.Unlock()

	r.logger.Info("peer registered", "peer", p.ID(), "addr", p.Addr(), "transport", p.Transport(), "peers", count)
	return count
}

// Remove deletes p from the registry, keeping the order of the others. It
// reports whether p was present.
func (r *Registry) Remove(p *Peer) bool {
	r.mu.Lock()
	removed := r.removeLocked(p)
	count := len(r.peers)
	r.mu.Unlock()

	if removed {
		r.logger.Info("peer unregistered", "peer", p.ID(), "addr", p.Addr(), "peers", count)
	}
	return removed
}

func (r *Registry) removeLocked(p *Peer) bool {
	for i, existing := range r.peers {
		if existing == p {
			copy(r.peers[i:], r.peers[i+1:])
			r.peers[len(r.peers)-1] = nil
			r.peers = r.peers[:len(r.peers)-1]
			return true
		}
	}
	return false
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot returns a copy of the registered peers in registry order.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*Peer, len(r.peers))
	copy(peers, r.peers)
	return peers
}

// Broadcast queues payload for every registered peer in registry order and
// returns how many peers accepted it. Peers that cannot take the payload are
// dropped from the registry and closed. payload must not be modified after
// the call.
func (r *Registry) Broadcast(sender *Peer, payload []byte) int {
	peers := r.Snapshot()

	var failed []*Peer
	delivered := 0
	for _, p := range peers {
		if p == sender && !r.echoSender {
			continue
		}
		if !p.enqueue(payload) {
			failed = append(failed, p)
			continue
		}
		delivered++
	}

	r.dropFailed(failed)
	return delivered
}

// dropFailed removes peers that could not receive a broadcast and closes them.
func (r *Registry) dropFailed(failed []*Peer) {
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	var dropped []*Peer
	for _, p := range failed {
		if r.removeLocked(p) {
			dropped = append(dropped, p)
		}
	}
	count := len(r.peers)
	r.mu.Unlock()

	for _, p := range dropped {
		r.logger.Warn("peer dropped, send queue full or closed", "peer", p.ID(), "addr", p.Addr(), "peers", count)
		p.Close()
	}
}
