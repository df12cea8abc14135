package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"personscan/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades requests to WebSocket connections following the state
type Handler struct {
	hub   *StateHub
	state *pipeline.State
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *StateHub, state *pipeline.State) *Handler {
	return &Handler{hub: hub, state: state}
}

// ServeHTTP handles WebSocket upgrade requests.
// The current state is sent right after the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	h.hub.logger.Debug("new connection", zap.String("remote", r.RemoteAddr))
	c := h.hub.register(conn)

	data, err := json.Marshal(NewStateMessage(h.state.Snapshot()))
	if err == nil {
		err = c.write(websocket.TextMessage, data)
	}
	if err != nil {
		h.hub.Unregister(conn)
		conn.Close()
		return
	}

	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnection
func (h *Handler) readPump(c *client) {
	conn := c.conn
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(done)
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug("read error", zap.Error(err))
			}
			return
		}
	}
}
