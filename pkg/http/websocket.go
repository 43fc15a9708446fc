package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"callpilot/pkg/messaging"
	"callpilot/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 256
	hubQueueSize   = 1024
)

// envelope is one encoded message bound for the subscribers of a call
type envelope struct {
	callID string
	data   []byte
}

// Client represents a connected WebSocket client
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logrus.Logger
	callID string // empty when subscribed to every call
}

// Hub fans broadcast messages out to websocket subscribers. A client
// subscribes to one call with ?call_id= or to every call without it.
type Hub struct {
	logger          *logrus.Logger
	clients         map[*Client]bool
	callSubscribers map[string]map[*Client]bool
	broadcast       chan envelope
	register        chan *Client
	unregister      chan *Client
	mutex           sync.RWMutex
	running         atomic.Bool
	done            chan struct{}
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a new broadcast hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:          logger,
		clients:         make(map[*Client]bool),
		callSubscribers: make(map[string]map[*Client]bool),
		broadcast:       make(chan envelope, hubQueueSize),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		done:            make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every client. It must
// be called once.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket broadcast hub")
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down WebSocket broadcast hub")
			h.mutex.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			if client.callID != "" {
				if _, exists := h.callSubscribers[client.callID]; !exists {
					h.callSubscribers[client.callID] = make(map[*Client]bool)
				}
				h.callSubscribers[client.callID][client] = true
			}
			h.mutex.Unlock()
			h.logger.WithField("call_id", client.callID).Info("Client connected to WebSocket")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeLocked(client)
				h.logger.WithField("call_id", client.callID).Info("Client disconnected from WebSocket")
			}
			h.mutex.Unlock()

		case env := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.callSubscribers[env.callID] {
				h.deliverLocked(client, env.data)
			}
			for client := range h.clients {
				if client.callID == "" {
					h.deliverLocked(client, env.data)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// deliverLocked queues data for client, dropping clients that cannot keep up
func (h *Hub) deliverLocked(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.WithField("call_id", client.callID).Warn("Dropping slow WebSocket client")
		h.removeLocked(client)
	}
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if client.callID == "" {
		return
	}
	if subscribers, exists := h.callSubscribers[client.callID]; exists {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.callSubscribers, client.callID)
		}
	}
}

// Broadcast implements messaging.Broadcaster. It never blocks the caller:
// when the hub queue is full the message is dropped.
func (h *Hub) Broadcast(callID string, msg messaging.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).WithField("call_id", callID).Error("Failed to marshal broadcast message")
		return
	}

	select {
	case h.broadcast <- envelope{callID: callID, data: data}:
		metrics.RecordBroadcast("websocket", msg.Type)
	default:
		h.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"type":    msg.Type,
		}).Warn("WebSocket hub queue full, dropping message")
	}
}

// ServeWs upgrades the request and registers the client
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !h.IsRunning() {
		http.Error(w, "websocket hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientSendSize),
		logger: h.logger,
		callID: r.URL.Query().Get("call_id"),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames and unregisters the client once the
// connection fails or closes
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
	}
}

// writePump sends queued messages, one JSON document per frame
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// IsRunning reports whether Run is serving the hub
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
