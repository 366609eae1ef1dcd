package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, f *fixture) (agentURL, viewerURL string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.hub.ServeAgent(context.Background(), conn, "127.0.0.1")
	})
	mux.HandleFunc("/ws/ui", func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.hub.ServeViewer(conn, "127.0.0.1", "admin")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	return base + "/ws/agent", base + "/ws/ui"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebsocketAgentToViewer(t *testing.T) {
	f := newFixture(t)
	agentURL, viewerURL := serve(t, f)

	viewer := dial(t, viewerURL)
	assert.Equal(t, "hello", readType(t, viewer)["type"])
	require.NoError(t, viewer.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","machineIds":[7]}`)))
	assert.Equal(t, "subscribed", readType(t, viewer)["type"])

	agent := dial(t, agentURL)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, hello(7, agentKey)))
	ok := readType(t, agent)
	assert.Equal(t, "hello_ok", ok["type"])
	assert.Equal(t, "machine_status", readType(t, viewer)["type"])

	require.NoError(t, agent.WriteMessage(websocket.TextMessage, metricsFrame(nil)))
	ev := readType(t, viewer)
	assert.Equal(t, "metrics", ev["type"])
	assert.EqualValues(t, 7, ev["machineId"])

	require.NoError(t, agent.Close())
	status := readType(t, viewer)
	assert.Equal(t, "machine_status", status["type"])
	assert.Equal(t, false, status["online"])
}

func TestWebsocketBadKeyClosesWithCode(t *testing.T) {
	f := newFixture(t)
	agentURL, _ := serve(t, f)

	agent := dial(t, agentURL)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, hello(7, "nope")))
	_, _, err := agent.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CloseBadKey, ce.Code)
}
