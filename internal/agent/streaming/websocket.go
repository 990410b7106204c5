// Package streaming serves agent events over WebSocket, as an
// alternative to the SSE endpoint for clients that want a two-way
// connection with ping/pong liveness.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/agent"
	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
	v1 "github.com/scripton/scripton/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// Handler upgrades HTTP connections and streams agent events over them.
type Handler struct {
	manager  *agent.Manager
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a WebSocket streaming handler.
func NewHandler(m *agent.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth is the transport's concern; cross-origin dashboards
			// are expected consumers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws-streaming")),
	}
}

// ServeAgentEvents streams the agent's event queue over a WebSocket
// connection. Each event is one JSON text message. The connection closes
// when the agent is disposed or the client goes away.
// GET /ws/agents/:agentId/events
func (h *Handler) ServeAgentEvents(c *gin.Context) {
	agentID := c.Param("agentId")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.manager.StreamEvents(ctx, agentID)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	go h.readPump(conn, agentID, cancel)
	h.writePump(conn, agentID, events)
}

// readPump discards client messages and keeps the pong deadline fresh.
// A read error means the client is gone; cancel tears down the stream.
func (h *Handler) readPump(conn *websocket.Conn, agentID string, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events until the channel closes, pinging on a ticker
// to detect dead peers.
func (h *Handler) writePump(conn *websocket.Conn, agentID string, events <-chan v1.AgentEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disposed"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("event marshal failed",
					zap.String("agent_id", agentID),
					zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("agent_id", agentID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
