package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/internal/metrics"
	"github.com/rawblock/chainwatch-engine/internal/pipeline"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Stream event types.
const (
	EventAlert      = "alert"
	EventRunSummary = "run_summary"
)

// StreamEvent is the JSON frame pushed to alert stream clients.
type StreamEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub maintains the set of active websocket clients and broadcasts messages.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewHub creates a hub accepting browser connections from allowedOrigins.
// Requests without an Origin header (non-browser clients) are always accepted.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := originSet(allowedOrigins)
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		logger:    logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed.allows(origin)
			},
		},
	}
}

// Run fans queued messages out to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				// Set write deadline to prevent blocked clients from hanging the hub
				_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Debug("websocket write failed, dropping client", zap.Error(err))
					client.Close()
					delete(h.clients, client)
				}
			}
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			h.mutex.Unlock()
		}
	}
}

// Subscribe handles incoming websocket connections
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mutex.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", zap.Int("clients", n))

	// Clients only receive; reading is how disconnects are noticed.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			n := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Broadcast queues raw data for every client. It drops the message when the
// queue is full rather than block a detection run.
func (h *Hub) Broadcast(data []byte) bool {
	select {
	case h.broadcast <- data:
		return true
	default:
		h.logger.Warn("broadcast queue full, dropping message")
		return false
	}
}

// Publish streams an alert. It satisfies heuristics.AlertSink.
func (h *Hub) Publish(_ context.Context, alert models.Alert) error {
	return h.send(EventAlert, alert)
}

// PublishRunSummary streams a finished run; usable as a pipeline.RunListener.
func (h *Hub) PublishRunSummary(_ context.Context, summary *pipeline.RunSummary) {
	if err := h.send(EventRunSummary, summary); err != nil {
		h.logger.Warn("run summary not streamed", zap.Error(err))
	}
}

func (h *Hub) send(typ string, v any) error {
	b, err := json.Marshal(StreamEvent{Type: typ, Timestamp: time.Now().UTC(), Data: v})
	if err != nil {
		return err
	}
	h.Broadcast(b)
	return nil
}
