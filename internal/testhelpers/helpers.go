// Package testhelpers provides common utilities for testing the tcpcast relay.
//
// It offers dialing and reading helpers for the TCP, WebSocket and QUIC
// transports so that package tests do not repeat connection boilerplate.
package testhelpers

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// DialTCP connects to addr and closes the connection when the test ends.
func DialTCP(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err, "dial %s", addr)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadN reads from conn until n bytes have arrived or timeout expires, and
// returns whatever was read.
func ReadN(t *testing.T, conn net.Conn, n int, timeout time.Duration) []byte {
	t.Helper()

	deadline := time.Now().Add(timeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	out := make([]byte, 0, n)
	buf := make([]byte, 1024)
	for len(out) < n {
		read, err := conn.Read(buf)
		out = append(out, buf[:read]...)
		if err != nil {
			break
		}
	}
	return out
}

// ExpectNoData fails the test if conn delivers any bytes within wait.
func ExpectNoData(t *testing.T, conn net.Conn, wait time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if n > 0 {
		t.Fatalf("expected no data, got %q", buf[:n])
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// IsClosed reports whether the peer closed conn within wait.
func IsClosed(conn net.Conn, wait time.Duration) bool {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		return !errors.Is(err, os.ErrDeadlineExceeded)
	}
}

// MakeRequest creates and executes an HTTP request with a 5-second timeout,
// failing the test if the request cannot be made.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "make request")
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// WebSocketURL converts an httptest server URL into the ws:// URL of path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket creates a WebSocket connection to the specified URL with
// TestOrigin as its origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReceiveText reads one text frame from conn.
func ReceiveText(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}

// DialQUIC connects to a QUIC relay at addr and opens the stream that the
// relay treats as the client connection.
func DialQUIC(t *testing.T, addr, protocol string) *quic.Stream {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{protocol},
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, nil)
	require.NoError(t, err, "dial quic %s", addr)
	t.Cleanup(func() { _ = conn.CloseWithError(0, "test done") })

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	return stream
}
