package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/agent-bridge/backend/internal/ws"
)

// WebSocketHandler handles WebSocket attachment to session event streams.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Attach handles GET /api/sessions/:id/ws - attaches to a session's event
// stream via WebSocket. Existence checks and the synthetic session_state
// frame are handled inside the ws package.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, c.Param("id")); err != nil {
		// The upgrade failure already wrote a response.
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/ws", h.Attach)
}
