package server

import (
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// streamConn is a bidirectional byte stream with deadlines. net.Conn and
// QUIC streams both satisfy it.
type streamConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamSink writes broadcasts straight to the stream.
type streamSink struct {
	conn streamConn
}

func (s streamSink) write(payload []byte, deadline time.Time) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s streamSink) close() error {
	return s.conn.Close()
}

// serveConn reads chunks from conn until it is closed or fails, broadcasting
// each chunk. The peer is unregistered and closed on return.
func (s *Server) serveConn(conn streamConn, peer *Peer) {
	defer func() {
		s.registry.Remove(peer)
		peer.Close()
	}()

	limiter := newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
	buf := make([]byte, s.cfg.BufferSize)

	for {
		if s.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				peer.logger.Warn("error setting read deadline", "error", err)
				return
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.relay(peer, limiter, buf[:n])
		}
		if err != nil {
			logReadEnd(peer, err)
			return
		}
	}
}

// relay decodes one chunk and broadcasts it to every registered peer.
func (s *Server) relay(peer *Peer, limiter *rateLimiter, chunk []byte) {
	if !limiter.allow() {
		peer.logger.Warn("rate limit exceeded; discarding chunk",
			"bytes", len(chunk),
			"burst", s.cfg.RateLimit.Burst,
			"interval", s.cfg.RateLimit.RefillInterval)
		return
	}

	message := decodeLossy(chunk)
	peer.logger.Info("received", "message", message)
	s.registry.Broadcast(peer, []byte(message))
}

func logReadEnd(peer *Peer, err error) {
	switch {
	case errors.Is(err, io.EOF):
		peer.logger.Info("peer disconnected")
	case isTimeout(err):
		peer.logger.Info("peer idle, disconnecting", "error", err)
	case isExpectedCloseError(err):
		peer.logger.Debug("connection closed", "error", err)
	default:
		peer.logger.Warn("read failed", "error", err)
	}
}

// decodeLossy returns b as UTF-8 text. Each maximal invalid subpart, that
// is the longest prefix of a valid encoding or else a single byte, becomes
// one U+FFFD.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
			b = b[invalidPrefixLen(b):]
			continue
		}
		sb.Write(b[:size])
		b = b[size:]
	}
	return sb.String()
}

// invalidPrefixLen returns how many bytes of b, which does not start with a
// valid encoding, belong to its leading invalid subpart.
func invalidPrefixLen(b []byte) int {
	var want int
	lo, hi := byte(0x80), byte(0xBF)
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		want = 2
	case c == 0xE0:
		want, lo = 3, 0xA0
	case c == 0xED:
		want, hi = 3, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		want = 3
	case c == 0xF0:
		want, lo = 4, 0x90
	case c == 0xF4:
		want, hi = 4, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		want = 4
	default:
		return 1
	}

	n := 1
	for n < want && n < len(b) && b[n] >= lo && b[n] <= hi {
		n++
		lo, hi = 0x80, 0xBF
	}
	return n
}
