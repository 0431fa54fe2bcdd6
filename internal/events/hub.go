// Package events streams subscription changes to connected clients over
// WebSocket. Operator dashboards use it to watch reconciliation
// corrections land without polling.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/coachdesk/subsync/internal/metrics"
)

// Event types published by the platform.
const (
	TypeSubscriptionReconciled = "subscription.reconciled"
	TypeSubscriptionUpdated    = "subscription.updated"
)

// Event is one broadcast message.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	sendBufferSize = 16
	maxClients     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Hub fans events out to connected clients. Slow clients are dropped
// rather than allowed to block the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Publish broadcasts an event to all connected clients. Satisfies the
// engine's Publisher interface.
func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	evt := Event{Type: eventType, Timestamp: time.Now(), Data: data}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("event marshal failed", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow client; disconnect it rather than block the broadcast.
			go h.drop(c)
		}
	}
}

// HandleWS upgrades GET /v1/events to a WebSocket connection.
func (h *Hub) HandleWS(c *gin.Context) {
	h.mu.RLock()
	full := len(h.clients) >= maxClients
	h.mu.RUnlock()
	if full {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_clients", "message": "event stream at capacity"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	metrics.ActiveEventClients.Inc()

	go h.writePump(cl)
	go h.readPump(cl)
}

// Shutdown closes all client connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()

		metrics.ActiveEventClients.Dec()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
