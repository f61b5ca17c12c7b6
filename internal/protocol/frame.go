// Package protocol defines the wire frame types exchanged with agent worker
// processes and with browser clients, plus validation for inbound frames.
package protocol

import (
	"encoding/json"
	"time"
)

// Worker frame types (orchestrator <-> worker, JSON lines over the
// persistent channel).
const (
	// Orchestrator -> worker
	FrameTypeCommand       = "command"
	FrameTypeMessage       = "message"
	FrameTypeToolExecution = "tool_execution"

	// Worker -> orchestrator
	FrameTypeAgentInitialized    = "agent_initialized"
	FrameTypeToolExecutionResult = "tool_execution_result"
	FrameTypeAgentStopped        = "agent_stopped"
)

// Worker lifecycle commands.
const (
	CommandStart          = "start"
	CommandStop           = "stop"
	CommandTakeControl    = "take_control"
	CommandReleaseControl = "release_control"
)

// WorkerFrame is one discrete typed message on the worker channel. Fields
// other than Type are populated depending on the frame type; unknown frame
// types keep their payload in Data and pass through the system opaquely.
type WorkerFrame struct {
	Type        string          `json:"type"`
	Command     string          `json:"command,omitempty"`
	Message     string          `json:"message,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// CommandFrame builds a lifecycle command frame.
func CommandFrame(command string) WorkerFrame {
	return WorkerFrame{Type: FrameTypeCommand, Command: command}
}

// MessageFrame builds a user message frame.
func MessageFrame(message string) WorkerFrame {
	return WorkerFrame{Type: FrameTypeMessage, Message: message}
}

// ToolExecutionFrame builds a tool execution request frame.
func ToolExecutionFrame(executionID, toolName string, args json.RawMessage) WorkerFrame {
	return WorkerFrame{
		Type:        FrameTypeToolExecution,
		ExecutionID: executionID,
		ToolName:    toolName,
		Args:        args,
	}
}

// Client frame types (backend <-> browser client).
const (
	ClientTypeConnection       = "connection"
	ClientTypePing             = "ping"
	ClientTypePong             = "pong"
	ClientTypeSessionState     = "session_state"
	ClientTypeConnectionFailed = "connection_failed"
	ClientTypeError            = "error"
	ClientTypeMessage          = "message"
	ClientTypeCommand          = "command"
	ClientTypeToolExecution    = "tool_execution"

	// Namespaced event types carrying a sub-discriminator in their data.
	ClientTypeAgentEvent         = "agent_event"
	ClientTypeToolEvent          = "tool_event"
	ClientTypeVisualizationEvent = "visualization_event"
)

// ClientFrame is the envelope for all client-facing messages, in both
// directions.
type ClientFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id"`
	Timestamp float64         `json:"timestamp"`
}

// NewClientFrame creates a client frame with the current timestamp.
func NewClientFrame(frameType, sessionID string, data interface{}) (*ClientFrame, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return &ClientFrame{
		Type:      frameType,
		Data:      raw,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}, nil
}
