package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-app/relay/internal/config"
)

func newHTTPTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))

	cfg := &config.ServerConfig{
		PingInterval:         30 * time.Second,
		WriteTimeout:         5 * time.Second,
		StoreTimeout:         time.Second,
		ReadLimitBytes:       1 << 20,
		AttachmentLimitBytes: 1 << 20,
		SendBuffer:           32,
	}
	dispatcher := NewDispatcher(svc, cfg.AttachmentLimitBytes, zerolog.Nop())
	server := NewServer(cfg, svc, dispatcher, zerolog.Nop())

	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newHTTPTestServer(t)
	status, body := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestWebSocketRegisterFlow(t *testing.T) {
	ts, svc := newHTTPTestServer(t)
	conn := dialWS(t, ts)

	welcome := readEvent(t, conn)
	assert.Equal(t, "welcome", welcome["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "register_wavelength",
		"frequency": "130.0",
		"name":      "Net",
	}))

	result := readEvent(t, conn)
	assert.Equal(t, "register_result", result["type"])
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "130.0", result["frequency"])
	assert.True(t, svc.Registry().Active("130.0"))

	// The query surface sees the live channel.
	status, body := getJSON(t, ts.URL+"/api/wavelengths/130.0")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["isOnline"])
	assert.Equal(t, "Net", body["name"])

	status, body = getJSON(t, ts.URL+"/api/next-available-frequency?preferred=130.0")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "130.1", body["frequency"])

	// Dropping the transport frees everything.
	conn.Close()
	assert.Eventually(t, func() bool {
		return !svc.Registry().Active("130.0")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketJoinAndMessage(t *testing.T) {
	ts, _ := newHTTPTestServer(t)

	hostConn := dialWS(t, ts)
	readEvent(t, hostConn) // welcome
	require.NoError(t, hostConn.WriteJSON(map[string]any{
		"type":      "register_wavelength",
		"frequency": "130.0",
		"name":      "Net",
	}))
	readEvent(t, hostConn) // register_result

	memberConn := dialWS(t, ts)
	readEvent(t, memberConn) // welcome
	require.NoError(t, memberConn.WriteJSON(map[string]any{
		"type":      "join_wavelength",
		"frequency": "130.0",
	}))
	joined := readEvent(t, memberConn)
	assert.Equal(t, "join_result", joined["type"])
	assert.Equal(t, true, joined["success"])

	notice := readEvent(t, hostConn)
	assert.Equal(t, "client_joined", notice["type"])

	require.NoError(t, memberConn.WriteJSON(map[string]any{
		"type":      "send_message",
		"content":   "radio check",
		"messageId": "msg_1",
	}))

	message := readEvent(t, hostConn)
	assert.Equal(t, "message", message["type"])
	assert.Equal(t, "radio check", message["content"])

	echo := readEvent(t, memberConn)
	assert.Equal(t, "message", echo["type"])
	assert.Equal(t, true, echo["isSelf"])
}

func TestQueryEndpointsErrors(t *testing.T) {
	ts, _ := newHTTPTestServer(t)

	status, _ := getJSON(t, ts.URL+"/api/wavelengths/bogus")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = getJSON(t, ts.URL+"/api/wavelengths/432.1")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := getJSON(t, ts.URL+"/api/wavelengths")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["wavelengths"])
}

func TestOriginCheck(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := &config.ServerConfig{AllowedOrigins: []string{"https://app.example"}}
	server := NewServer(cfg, svc, nil, zerolog.Nop())

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://app.example")
	assert.True(t, server.checkOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example")
	assert.False(t, server.checkOrigin(denied))

	open := NewServer(&config.ServerConfig{}, svc, nil, zerolog.Nop())
	assert.True(t, open.checkOrigin(denied))
}
