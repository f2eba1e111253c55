// Package server defines shared transport names and error classification
// helpers used by the handler, peer and bridge code.
package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

// Transport names reported in logs and stats.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
	TransportQUIC      = "quic"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a network timeout, such as an expired
// read or write deadline.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
