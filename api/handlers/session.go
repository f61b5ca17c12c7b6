// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-bridge/backend/internal/agent"
	"github.com/agent-bridge/backend/internal/model"
)

// SessionHandler handles HTTP requests for session and agent lifecycle
// management.
type SessionHandler struct {
	manager *agent.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *agent.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// ExecuteToolRequest represents the request body for a human tool command.
type ExecuteToolRequest struct {
	ToolName string          `json:"tool_name" binding:"required"`
	Args     json.RawMessage `json:"args"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:        s.ID,
		Name:      s.Name,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendDomainError maps the error taxonomy to HTTP status codes.
func sendDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrAgentNotFound):
		sendError(c, http.StatusNotFound, "AGENT_NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrSessionExists):
		sendError(c, http.StatusConflict, "SESSION_EXISTS", err.Error())
	case errors.Is(err, model.ErrAgentExists):
		sendError(c, http.StatusConflict, "AGENT_EXISTS", err.Error())
	case errors.Is(err, model.ErrInvalidState):
		sendError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, model.ErrInitTimeout), errors.Is(err, model.ErrToolTimeout):
		sendError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	case errors.Is(err, model.ErrNameRequired):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	session, err := h.manager.CreateSession(c.Request.Context(), &model.CreateSessionRequest{Name: req.Name})
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(session))
}

// List handles GET /api/sessions - lists all sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.manager.ListSessions(c.Request.Context())
	if err != nil {
		sendDomainError(c, err)
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, session := range sessions {
		response[i] = toSessionResponse(session)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.manager.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(session))
}

// Delete handles DELETE /api/sessions/:id - stops any agent and deletes the
// session with its history.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.manager.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		sendDomainError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CreateAgent handles POST /api/sessions/:id/agent - spawns the worker and
// waits for readiness.
func (h *SessionHandler) CreateAgent(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.manager.CreateAgent(c.Request.Context(), sessionID); err != nil {
		sendDomainError(c, err)
		return
	}

	session, err := h.manager.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(session))
}

// Start handles POST /api/sessions/:id/agent/start.
func (h *SessionHandler) Start(c *gin.Context) {
	h.lifecycle(c, h.manager.Start)
}

// Stop handles POST /api/sessions/:id/agent/stop.
func (h *SessionHandler) Stop(c *gin.Context) {
	h.lifecycle(c, h.manager.Stop)
}

// TakeControl handles POST /api/sessions/:id/agent/take-control.
func (h *SessionHandler) TakeControl(c *gin.Context) {
	h.lifecycle(c, h.manager.TakeControl)
}

// ReleaseControl handles POST /api/sessions/:id/agent/release-control.
func (h *SessionHandler) ReleaseControl(c *gin.Context) {
	h.lifecycle(c, h.manager.ReleaseControl)
}

func (h *SessionHandler) lifecycle(c *gin.Context, op func(ctx context.Context, sessionID string) error) {
	sessionID := c.Param("id")
	if err := op(c.Request.Context(), sessionID); err != nil {
		sendDomainError(c, err)
		return
	}

	session, err := h.manager.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// ExecuteTool handles POST /api/sessions/:id/agent/tool - forwards a
// human-issued tool command and waits for the correlated result.
func (h *SessionHandler) ExecuteTool(c *gin.Context) {
	var req ExecuteToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	result, err := h.manager.ExecuteHumanTool(c.Request.Context(), c.Param("id"), req.ToolName, req.Args)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// SendMessage handles POST /api/sessions/:id/messages - appends a user
// message and forwards it to the worker.
func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	message, err := h.manager.SendMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		sendDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

// ListMessages handles GET /api/sessions/:id/messages.
func (h *SessionHandler) ListMessages(c *gin.Context) {
	messages, err := h.manager.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendDomainError(c, err)
		return
	}

	if messages == nil {
		messages = []*model.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)

		sessions.POST("/:id/agent", h.CreateAgent)
		sessions.POST("/:id/agent/start", h.Start)
		sessions.POST("/:id/agent/stop", h.Stop)
		sessions.POST("/:id/agent/take-control", h.TakeControl)
		sessions.POST("/:id/agent/release-control", h.ReleaseControl)
		sessions.POST("/:id/agent/tool", h.ExecuteTool)

		sessions.POST("/:id/messages", h.SendMessage)
		sessions.GET("/:id/messages", h.ListMessages)
	}
}
