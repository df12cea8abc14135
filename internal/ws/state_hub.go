package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"personscan/internal/pipeline"
)

// client serializes writes to one connection
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// StateHub manages WebSocket connections that follow the pipeline state
type StateHub struct {
	clients map[*websocket.Conn]*client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewStateHub creates a new state hub
func NewStateHub(logger *zap.Logger) *StateHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateHub{
		clients: make(map[*websocket.Conn]*client),
		logger:  logger.Named("ws"),
	}
}

// register adds a connection
func (h *StateHub) register(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &client{conn: conn}
	h.clients[conn] = c
	h.logger.Debug("client registered", zap.Int("clients", len(h.clients)))
	return c
}

// Unregister removes a connection
func (h *StateHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.logger.Debug("client unregistered", zap.Int("clients", len(h.clients)))
	}
}

// HasClients returns true if any client is connected
func (h *StateHub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients
func (h *StateHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all clients, dropping the ones that fail
func (h *StateHub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			h.logger.Debug("dropping client after write error", zap.Error(err))
			h.Unregister(c.conn)
			c.conn.Close()
		}
	}
}

// BroadcastState sends a state message to all clients
func (h *StateHub) BroadcastState(msg *StateMessage) {
	if !h.HasClients() {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal state message", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

// Run pushes every state change to connected clients until ctx is done or
// the state is closed
func (h *StateHub) Run(ctx context.Context, state *pipeline.State) {
	ch, unsubscribe := state.SubscribeChannel(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			h.BroadcastState(NewStateMessage(snap))
		}
	}
}

// CloseAll closes every client connection
func (h *StateHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, c := range h.clients {
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		delete(h.clients, conn)
	}
}
