package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client->server frame types.
var validClientTypes = map[string]bool{
	ClientTypeConnection:    true,
	ClientTypePing:          true,
	ClientTypePong:          true,
	ClientTypeMessage:       true,
	ClientTypeCommand:       true,
	ClientTypeToolExecution: true,
}

// validCommands is the set of allowed lifecycle commands in command frames.
var validCommands = map[string]bool{
	CommandStart:          true,
	CommandStop:           true,
	CommandTakeControl:    true,
	CommandReleaseControl: true,
}

// MessageData is the payload of a client "message" frame.
type MessageData struct {
	Content string `json:"content"`
}

// CommandData is the payload of a client "command" frame.
type CommandData struct {
	Command string `json:"command"`
}

// ToolExecutionData is the payload of a client "tool_execution" frame.
type ToolExecutionData struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
}

// ValidateClientFrame validates a raw JSON frame from a client. Malformed
// or unknown frames are recoverable protocol errors, never fatal.
func ValidateClientFrame(raw []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if frame.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[frame.Type] {
		return nil, fmt.Errorf("unknown frame type: %s", frame.Type)
	}

	switch frame.Type {
	case ClientTypeMessage:
		var d MessageData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, fmt.Errorf("invalid data for %s: %w", frame.Type, err)
		}
		if d.Content == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s data", frame.Type)
		}

	case ClientTypeCommand:
		var d CommandData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, fmt.Errorf("invalid data for %s: %w", frame.Type, err)
		}
		if !validCommands[d.Command] {
			return nil, fmt.Errorf("unknown command: %q", d.Command)
		}

	case ClientTypeToolExecution:
		var d ToolExecutionData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, fmt.Errorf("invalid data for %s: %w", frame.Type, err)
		}
		if d.ToolName == "" {
			return nil, fmt.Errorf("missing required field 'tool_name' in %s data", frame.Type)
		}
	}

	return &frame, nil
}
