package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/tcpcast/internal/server"
	"github.com/Tyrowin/tcpcast/internal/testhelpers"
)

func startHTTP(t *testing.T, srv *server.Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func connectWebSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(ts.URL, "/ws"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketAndTCPClientsShareBroadcasts(t *testing.T) {
	srv := startServer(t, 8, nil)
	ts := startHTTP(t, srv)

	tcp := testhelpers.DialTCP(t, srv.Addr().String())
	ws := connectWebSocket(t, ts)
	waitForPeers(t, srv, 2)

	_, err := tcp.Write([]byte("from tcp"))
	require.NoError(t, err)
	assert.Equal(t, "from tcp", string(testhelpers.ReadN(t, tcp, 8, readTimeout)))
	assert.Equal(t, "from tcp", testhelpers.ReceiveText(t, ws, readTimeout))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("from ws")))
	assert.Equal(t, "from ws", string(testhelpers.ReadN(t, tcp, 7, readTimeout)))
	assert.Equal(t, "from ws", testhelpers.ReceiveText(t, ws, readTimeout))
}

func TestWebSocketClientIsUnregisteredOnClose(t *testing.T) {
	srv := startServer(t, 8, nil)
	ts := startHTTP(t, srv)

	ws := connectWebSocket(t, ts)
	waitForPeers(t, srv, 1)
	assert.Equal(t, server.TransportWebSocket, srv.Registry().Snapshot()[0].Transport())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitForPeers(t, srv, 0)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	srv := startServer(t, 8, nil)
	ts := startHTTP(t, srv)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(testhelpers.WebSocketURL(ts.URL, "/ws"), headers)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, srv.Registry().Len())
}

func TestWebSocketRejectsNonGET(t *testing.T) {
	srv := startServer(t, 8, nil)
	ts := startHTTP(t, srv)

	resp, err := http.Post(ts.URL+"/ws", "text/plain", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketRejectedWhenHandlerSlotsAreTaken(t *testing.T) {
	srv := startServer(t, 1, nil)
	ts := startHTTP(t, srv)
	dialClients(t, srv, 1)

	conn, resp, err := websocket.DefaultDialer.Dial(testhelpers.WebSocketURL(ts.URL, "/ws"), http.Header{
		"Origin": []string{testhelpers.TestOrigin},
	})
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	srv := startServer(t, 3, nil)
	ts := startHTTP(t, srv)
	dialClients(t, srv, 2)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/plain")
	resp.Body.Close()

	resp = testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/stats")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var stats server.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, server.Stats{Peers: 2, HandlerSlots: 3}, stats)
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	server.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "tcpcast server is running!", rr.Body.String())
}
