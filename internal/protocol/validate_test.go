package protocol

import (
	"strings"
	"testing"
)

func TestValidateClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "valid ping",
			raw:  `{"type":"ping","data":{},"timestamp":1700000000.5}`,
		},
		{
			name: "valid message",
			raw:  `{"type":"message","data":{"content":"hello"},"session_id":"s1"}`,
		},
		{
			name: "valid command",
			raw:  `{"type":"command","data":{"command":"take_control"}}`,
		},
		{
			name: "valid tool execution",
			raw:  `{"type":"tool_execution","data":{"tool_name":"browser","args":{"url":"https://example.com"}}}`,
		},
		{
			name:    "not json",
			raw:     `{"type":`,
			wantErr: "invalid JSON",
		},
		{
			name:    "missing type",
			raw:     `{"data":{}}`,
			wantErr: "missing 'type'",
		},
		{
			name:    "unknown type",
			raw:     `{"type":"shutdown_everything"}`,
			wantErr: "unknown frame type",
		},
		{
			name:    "server-only type rejected from clients",
			raw:     `{"type":"session_state","data":{}}`,
			wantErr: "unknown frame type",
		},
		{
			name:    "message without content",
			raw:     `{"type":"message","data":{}}`,
			wantErr: "missing required field 'content'",
		},
		{
			name:    "message with non-object data",
			raw:     `{"type":"message","data":"hi"}`,
			wantErr: "invalid data for message",
		},
		{
			name:    "unknown command",
			raw:     `{"type":"command","data":{"command":"self_destruct"}}`,
			wantErr: "unknown command",
		},
		{
			name:    "command without payload field",
			raw:     `{"type":"command","data":{}}`,
			wantErr: "unknown command",
		},
		{
			name:    "tool execution without tool name",
			raw:     `{"type":"tool_execution","data":{"args":{}}}`,
			wantErr: "missing required field 'tool_name'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ValidateClientFrame([]byte(tt.raw))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid frame, got error: %v", err)
				}
				if frame == nil {
					t.Fatal("valid frame returned nil")
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got frame %+v", tt.wantErr, frame)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewClientFrame(t *testing.T) {
	frame, err := NewClientFrame(ClientTypePong, "s1", map[string]interface{}{"received_at": 1700000000.5})
	if err != nil {
		t.Fatalf("NewClientFrame failed: %v", err)
	}
	if frame.Type != ClientTypePong {
		t.Errorf("expected type %q, got %q", ClientTypePong, frame.Type)
	}
	if frame.SessionID != "s1" {
		t.Errorf("expected session s1, got %q", frame.SessionID)
	}
	if frame.Timestamp <= 0 {
		t.Errorf("expected a positive unix timestamp, got %f", frame.Timestamp)
	}
}
