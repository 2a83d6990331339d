package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	s := NewServer(":0", opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseAll(websocket.CloseGoingAway, "test done")
		ts.Close()
	})
	return s, ts.URL
}

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, env types.Envelope) types.Envelope {
	t.Helper()
	require.NoError(t, c.WriteJSON(env))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp types.Envelope
	require.NoError(t, c.ReadJSON(&resp))
	return resp
}

func TestPingPongKeepsCorrelation(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)

	ping := types.NewEnvelope(types.TypePing, nil)
	ping.CorrelationID = "ping-1"
	resp := roundTrip(t, c, ping)

	assert.Equal(t, types.TypePong, resp.Type)
	assert.Equal(t, "ping-1", resp.CorrelationID)
}

func TestRequestEchoed(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)

	req := types.NewEnvelope(types.TypeRequest, map[string]any{"n": float64(7)})
	req.CorrelationID = "req-1"
	resp := roundTrip(t, c, req)

	assert.Equal(t, types.TypeResponse, resp.Type)
	assert.Equal(t, "req-1", resp.CorrelationID)
	assert.Equal(t, map[string]any{"n": float64(7)}, resp.Data["echo"])
}

func TestRequestHandlerError(t *testing.T) {
	_, url := startServer(t, WithRequestHandler(func(context.Context, string, types.Envelope) (*types.Envelope, error) {
		return nil, fmt.Errorf("boom")
	}))
	c := dial(t, url)

	req := types.NewEnvelope(types.TypeTrigger, map[string]any{"request_id": "trig-1"})
	resp := roundTrip(t, c, req)

	assert.Equal(t, types.TypeError, resp.Type)
	assert.Equal(t, "trig-1", resp.CorrelationID)
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, "boom", resp.Data["error"])
}

func TestStatusEndpoint(t *testing.T) {
	s, url := startServer(t)
	dial(t, url)
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(url + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Stats  Stats  `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Stats.Connections)
}

func TestBroadcastAndCloseCode(t *testing.T) {
	s, url := startServer(t)
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return s.GetClientCount() == 2 }, time.Second, 5*time.Millisecond)

	sent, err := s.BroadcastMessage(types.NewEnvelope("notice", map[string]any{"text": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env types.Envelope
		require.NoError(t, c.ReadJSON(&env))
		assert.Equal(t, "notice", env.Type)
	}

	s.CloseAll(4001, "maintenance")
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = a.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4001, closeErr.Code)
	assert.Equal(t, 0, s.GetClientCount())
}

func TestInvalidMessageCounted(t *testing.T) {
	s, url := startServer(t)
	c := dial(t, url)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Eventually(t, func() bool { return s.GetStats().InvalidMessages == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerStatusOverChannel(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)

	req := types.NewEnvelope(types.TypeRequest, map[string]any{"action": "server_status"})
	req.CorrelationID = "status-1"
	resp := roundTrip(t, c, req)

	assert.Equal(t, types.TypeResponse, resp.Type)
	assert.Equal(t, "ok", resp.Data["status"])
	assert.Equal(t, float64(1), resp.Data["active_connections"])
}
