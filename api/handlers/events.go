package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-bridge/backend/internal/agent"
	"github.com/agent-bridge/backend/internal/eventbus"
	"github.com/agent-bridge/backend/internal/model"
)

// EventsHandler streams session events over server-sent events.
type EventsHandler struct {
	manager *agent.Manager
	bus     *eventbus.Bus
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(manager *agent.Manager, bus *eventbus.Bus) *EventsHandler {
	return &EventsHandler{manager: manager, bus: bus}
}

// sessionState is the payload of the synthetic session_state event that
// opens every stream.
type sessionState struct {
	Session  *model.Session   `json:"session"`
	Messages []*model.Message `json:"messages"`
}

// Stream handles GET /api/sessions/:id/events. On open it delivers one
// synthetic session_state event carrying the full current session and
// message history, then streams live events until the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.manager.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	messages, err := h.manager.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("session_state", sessionState{Session: session, Messages: messages})
	c.Writer.Flush()

	// Buffered so a slow HTTP writer cannot stall the bus publisher.
	events := make(chan eventbus.Event, 64)
	subID := h.bus.Subscribe(sessionID, func(event eventbus.Event) {
		select {
		case events <- event:
		default:
			// Client too slow; the event is dropped, not queued.
		}
	})
	defer h.bus.Unsubscribe(sessionID, subID)

	c.Stream(func(w io.Writer) bool {
		select {
		case event := <-events:
			c.SSEvent(event.Type, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})

	c.Status(http.StatusOK)
}

// RegisterRoutes registers the event stream route on a Gin router group.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/events", h.Stream)
}
