package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer in front
	},
}

// Hub maintains the set of active websocket clients and pushes pattern
// lifecycle events to all of them. Consumers filter by userId client-side;
// the stream carries ids and statuses, never amounts.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		logger:    logger,
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps a stalled client from hanging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("websocket write failed", zap.Error(err))
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe handles incoming websocket connections.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	h.logger.Info("websocket client connected", zap.Int("clients", total))

	// We only push; the read loop exists to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			h.logger.Info("websocket client disconnected", zap.Int("clients", remaining))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Warn("websocket read failed", zap.Error(err))
				}
				break
			}
		}
	}()
}

// BroadcastEvent serialises a pattern event and fans it out.
func (h *Hub) BroadcastEvent(ev models.PatternEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event not serialisable", zap.Error(err))
		return
	}
	h.broadcast <- data
}

// BroadcastPatternEvent adapts the hub into the notify callback the
// discovery runner and the matcher dispatcher accept.
func BroadcastPatternEvent(hub *Hub) func(models.PatternEvent) {
	return func(ev models.PatternEvent) {
		hub.BroadcastEvent(ev)
	}
}
