// Package server implements the tcpcast relay: a TCP server that broadcasts
// every chunk a client sends to all connected clients, the sender included.
//
// The implementation is organized into specialized files for configuration,
// the peer registry, per-connection handlers, and the WebSocket and QUIC
// bridges that let other clients join the same registry.
package server
