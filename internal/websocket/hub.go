// Package websocket pushes run status, quality and control point events to
// connected browser clients. The hub fans broker traffic out to every client;
// clients that cannot keep up are disconnected.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Envelope is the wire format of every pushed event
type Envelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Event types pushed to clients
const (
	TypeConnected    = "connected"
	TypeRunStatus    = "run_status"
	TypeQuality      = "quality_report"
	TypeControlPoint = "controlpoint"
	TypeBrokerEvent  = "broker_event"
)

const (
	defaultBufferSize = 1024
	defaultPongWait   = 60 * time.Second
)

// Options configures connection behavior for the hub's clients
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration

	// AllowedOrigins lists browser origins accepted at upgrade time. An
	// empty list or a "*" entry accepts every origin; requests without an
	// Origin header (non-browser clients) are always accepted.
	AllowedOrigins []string
}

func (o *Options) applyDefaults() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultBufferSize
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
}

// Hub maintains the set of active clients and broadcasts events to them
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	opts    Options
	logger  *slog.Logger

	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	done   chan struct{}
	closed sync.Once

	clientsGauge metric.Int64UpDownCounter
}

// NewHub creates a hub; call Run to start it
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	h := &Hub{
		clients:    make(map[*Client]bool),
		opts:       opts,
		logger:     logger.With(slog.String("component", "websocket.hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}

	meter := otel.Meter("datapulse/websocket")
	gauge, err := meter.Int64UpDownCounter("websocket.clients",
		metric.WithDescription("Connected websocket clients"))
	if err != nil {
		h.logger.Warn("metric_instrument_failed", slog.String("error", err.Error()))
	} else {
		h.clientsGauge = gauge
	}
	return h
}

// checkOrigin enforces the allowed-origins list at upgrade time
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Run processes register, unregister and broadcast events until ctx ends
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-h.done:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			if h.clientsGauge != nil {
				h.clientsGauge.Add(context.Background(), 1)
			}
			h.logger.Debug("client_connected", slog.Int("clients", n))
		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			if ok && h.clientsGauge != nil {
				h.clientsGauge.Add(context.Background(), -1)
			}
			h.logger.Debug("client_disconnected", slog.Int("clients", n))
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than block the hub
					go client.conn.Close()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends an envelope to every connected client
func (h *Hub) Broadcast(envelope Envelope) {
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now()
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Warn("broadcast_marshal_failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection and stops the hub
func (h *Hub) Shutdown() {
	h.closed.Do(func() {
		close(h.done)
		h.mu.Lock()
		n := len(h.clients)
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()
		if n > 0 && h.clientsGauge != nil {
			h.clientsGauge.Add(context.Background(), -int64(n))
		}
		h.logger.Info("websocket_hub_stopped")
	})
}
