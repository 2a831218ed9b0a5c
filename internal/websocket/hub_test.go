package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapulse/internal/broker"
)

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := NewHub(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialTestHub(t, hub)

	// First frame is the connected notice
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeConnected, env.Type)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(Envelope{Type: TypeRunStatus, Topic: "pipeline.run-1.status", Payload: map[string]any{"status": "running"}})

	env = readEnvelope(t, conn)
	assert.Equal(t, TypeRunStatus, env.Type)
	assert.Equal(t, "pipeline.run-1.status", env.Topic)
	assert.False(t, env.Timestamp.IsZero())
}

func TestHubShutdownDisconnectsClients(t *testing.T) {
	hub := NewHub(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialTestHub(t, hub)
	readEnvelope(t, conn)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Shutdown()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestAdapterForwardsBrokerEvents(t *testing.T) {
	hub := NewHub(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	b := broker.New(16, nil)
	defer b.Close()

	adapter, err := NewAdapter(b, hub)
	require.NoError(t, err)
	defer adapter.Close()

	conn := dialTestHub(t, hub)
	readEnvelope(t, conn)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish(context.Background(), "pipeline.run-1.status", map[string]any{"status": "running"})

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeRunStatus, env.Type)
	assert.Equal(t, "pipeline.run-1.status", env.Topic)
	payload, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", payload["status"])
}

func TestServeWSRejectsDisallowedOrigin(t *testing.T) {
	hub := NewHub(Options{AllowedOrigins: []string{"https://app.example.com"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The configured origin gets through
	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHubAppliesOptionDefaults(t *testing.T) {
	hub := NewHub(Options{}, nil)
	assert.Equal(t, defaultBufferSize, hub.opts.ReadBufferSize)
	assert.Equal(t, defaultPongWait, hub.opts.PongWait)
	assert.Less(t, hub.opts.PingPeriod, hub.opts.PongWait)

	hub = NewHub(Options{PongWait: 10 * time.Second, PingPeriod: 30 * time.Second}, nil)
	assert.Less(t, hub.opts.PingPeriod, hub.opts.PongWait, "ping period above pong wait falls back to the derived value")
}

func TestServeWSAfterShutdownClosesConnection(t *testing.T) {
	hub := NewHub(Options{}, nil)
	hub.Shutdown()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// The upgrade itself succeeds, but registration hits the stopped hub and
	// the connection is closed instead of blocking forever.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestAdapterFiltersControlMessages(t *testing.T) {
	hub := NewHub(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	b := broker.New(16, nil)
	defer b.Close()

	adapter, err := NewAdapter(b, hub)
	require.NoError(t, err)
	defer adapter.Close()

	conn := dialTestHub(t, hub)
	readEnvelope(t, conn)

	b.Publish(context.Background(), "pipeline.control.pause", map[string]any{"run_id": "run-1"})
	b.Publish(context.Background(), "quality.run-1.report", map[string]any{"score": 0.9})

	// Only the quality event arrives; the control command is filtered
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeQuality, env.Type)
	assert.Equal(t, "quality.run-1.report", env.Topic)
}
