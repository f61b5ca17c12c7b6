// Package ws bridges the event bus to WebSocket clients and routes inbound
// client frames to the agent manager.
//
// Each connected client holds one session-wide bus subscription; on open it
// receives a synthetic session_state frame with the full session and
// message history before any live events, so clients must not assume the
// stream starts empty.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-bridge/backend/internal/agent"
	"github.com/agent-bridge/backend/internal/eventbus"
	"github.com/agent-bridge/backend/internal/model"
	"github.com/agent-bridge/backend/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Handler handles WebSocket connections for session event streams.
type Handler struct {
	bus     *eventbus.Bus
	manager *agent.Manager
}

// NewHandler creates a new WebSocket handler.
func NewHandler(bus *eventbus.Bus, manager *agent.Manager) *Handler {
	return &Handler{bus: bus, manager: manager}
}

// sessionStateData is the payload of the synthetic session_state frame.
type sessionStateData struct {
	Session  *model.Session   `json:"session"`
	Messages []*model.Message `json:"messages"`
}

// HandleConnection upgrades the HTTP connection and attaches the client to
// the session's event stream.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	session, err := h.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil
	}

	messages, err := h.manager.ListMessages(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "Failed to load session history", http.StatusInternalServerError)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, sessionID)

	// The stream must open with the full current state before live events.
	h.sendFrame(client, protocol.ClientTypeSessionState, sessionID, sessionStateData{
		Session:  session,
		Messages: messages,
	})

	subID := h.bus.Subscribe(sessionID, func(event eventbus.Event) {
		if client.IsClosed() {
			return
		}
		frame := &protocol.ClientFrame{
			Type:      event.Type,
			Data:      event.Data,
			SessionID: sessionID,
			Timestamp: float64(event.Timestamp.UnixNano()) / float64(time.Second),
		}
		data, err := json.Marshal(frame)
		if err != nil {
			log.Printf("failed to marshal event frame: %v", err)
			return
		}
		client.Send(data)
	})

	go h.writePump(client)
	go h.readPump(client, subID)

	return nil
}

// sendFrame marshals and queues one frame for the client.
func (h *Handler) sendFrame(client *Client, frameType, sessionID string, data interface{}) {
	frame, err := protocol.NewClientFrame(frameType, sessionID, data)
	if err != nil {
		log.Printf("failed to build %s frame: %v", frameType, err)
		return
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		log.Printf("failed to marshal %s frame: %v", frameType, err)
		return
	}
	client.Send(encoded)
}

// handleFrame processes one validated inbound frame from a client.
func (h *Handler) handleFrame(client *Client, frame *protocol.ClientFrame) {
	ctx := context.Background()
	sessionID := client.SessionID()

	switch frame.Type {
	case protocol.ClientTypeConnection:
		log.Printf("session %s: client handshake received", sessionID)

	case protocol.ClientTypePing:
		h.sendFrame(client, protocol.ClientTypePong, sessionID, map[string]interface{}{
			"received_at": float64(time.Now().UnixNano()) / float64(time.Second),
		})

	case protocol.ClientTypePong:
		// Keepalive reply; nothing to do.

	case protocol.ClientTypeMessage:
		var d protocol.MessageData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		if _, err := h.manager.SendMessage(ctx, sessionID, d.Content); err != nil {
			h.sendError(client, err)
		}

	case protocol.ClientTypeCommand:
		var d protocol.CommandData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		if err := h.dispatchCommand(ctx, sessionID, d.Command); err != nil {
			h.sendError(client, err)
		}

	case protocol.ClientTypeToolExecution:
		var d protocol.ToolExecutionData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		// The result frame reaches the client through its session-wide
		// subscription; only failures are reported directly.
		go func() {
			if _, err := h.manager.ExecuteHumanTool(ctx, sessionID, d.ToolName, d.Args); err != nil {
				h.sendError(client, err)
			}
		}()
	}
}

func (h *Handler) dispatchCommand(ctx context.Context, sessionID, command string) error {
	switch command {
	case protocol.CommandStart:
		return h.manager.Start(ctx, sessionID)
	case protocol.CommandStop:
		return h.manager.Stop(ctx, sessionID)
	case protocol.CommandTakeControl:
		return h.manager.TakeControl(ctx, sessionID)
	case protocol.CommandReleaseControl:
		return h.manager.ReleaseControl(ctx, sessionID)
	}
	return nil
}

func (h *Handler) sendError(client *Client, err error) {
	h.sendFrame(client, protocol.ClientTypeError, client.SessionID(), map[string]string{
		"message": err.Error(),
	})
}

// readPump pumps frames from the WebSocket connection to the manager.
func (h *Handler) readPump(client *Client, subID string) {
	defer func() {
		h.bus.Unsubscribe(client.SessionID(), subID)
		client.Close()
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		frame, err := protocol.ValidateClientFrame(raw)
		if err != nil {
			log.Printf("session %s: dropping invalid client frame: %v", client.SessionID(), err)
			continue
		}

		h.handleFrame(client, frame)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Each frame goes in its own WebSocket message so the
			// frontend can parse frames independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued := <-client.SendChan()
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
