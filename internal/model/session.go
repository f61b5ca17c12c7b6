package model

import "time"

// SessionStatus is the authoritative lifecycle state of a session. It is
// kept in sync with the state of the session's agent worker and mutated
// only through agent manager operations.
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusReady        SessionStatus = "ready"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusHumanControl SessionStatus = "human_control"
	SessionStatusStopped      SessionStatus = "stopped"
)

// Session represents an agent conversation/control context.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Message is one entry in a session's append-only conversation history.
// Messages are ordered by insertion and never mutated after creation.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	if r.Name == "" {
		return ErrNameRequired
	}
	return nil
}
