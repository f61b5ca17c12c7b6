// Package bridge provides the client-side connection to a session's event
// stream: a single WebSocket per session, re-established on loss with
// exponential backoff, with typed namespaced fan-out to subscribers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-bridge/backend/internal/protocol"
)

const (
	// DefaultBaseDelay is the first reconnect delay; each further attempt
	// doubles it.
	DefaultBaseDelay = 1000 * time.Millisecond

	// DefaultMaxAttempts is the reconnect ceiling; once exceeded the
	// bridge emits connection_failed and stops retrying.
	DefaultMaxAttempts = 5
)

// EventConnectionFailed is the terminal event emitted when the reconnect
// ceiling is reached, so the UI can prompt a manual reload instead of
// failing silently.
const EventConnectionFailed = protocol.ClientTypeConnectionFailed

// ErrNotConnected is returned by Send when the socket is not open; sends
// are best-effort, never buffered.
var ErrNotConnected = errors.New("bridge not connected")

// Callback receives dispatched frames for a subscribed event type.
type Callback func(frame protocol.ClientFrame)

// subscription pairs a callback with its ID inside a per-type ordered list.
type subscription struct {
	id       string
	callback Callback
}

// clientInfo identifies this client in the connection handshake.
type clientInfo struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Config holds configuration for a bridge.
type Config struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Dialer      *websocket.Dialer
}

// Bridge owns one outbound connection for a session and demultiplexes
// inbound frames into typed, namespaced events for subscribers.
type Bridge struct {
	url       string
	sessionID string
	dialer    *websocket.Dialer

	baseDelay   time.Duration
	maxAttempts int

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	intentional bool
	attempts    int
	timer       *time.Timer

	subsMu sync.Mutex
	subs   map[string][]subscription
}

// New creates a bridge for the given WebSocket URL and session.
func New(url, sessionID string, config Config) *Bridge {
	if config.BaseDelay == 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	return &Bridge{
		url:         url,
		sessionID:   sessionID,
		dialer:      config.Dialer,
		baseDelay:   config.BaseDelay,
		maxAttempts: config.MaxAttempts,
		subs:        make(map[string][]subscription),
	}
}

// SessionID returns the session this bridge is bound to.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Connect opens the connection. It is idempotent while already connected:
// a second call resolves immediately without opening a second socket. On
// open the reconnect-attempt counter resets to zero and a connection
// handshake frame identifying the client is sent.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.intentional = false
	b.mu.Unlock()

	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.connected {
		// Lost the race against another successful open.
		b.mu.Unlock()
		conn.Close()
		return nil
	}
	b.conn = conn
	b.connected = true
	b.attempts = 0
	b.mu.Unlock()

	b.writeFrame(protocol.ClientTypeConnection, map[string]interface{}{
		"status": "connected",
		"client_info": clientInfo{
			Type:    "go_client",
			Version: "1.0.0",
		},
	})

	go b.readLoop(conn)
	return nil
}

// IsConnected reports whether the socket is currently open.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Attempts returns the current reconnect-attempt counter.
func (b *Bridge) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Disconnect closes the connection intentionally; no reconnect is
// scheduled.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	b.intentional = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	conn := b.conn
	b.conn = nil
	b.connected = false
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send writes one frame. It fails with ErrNotConnected whenever the socket
// is not open; callers must treat delivery as best-effort.
func (b *Bridge) Send(frameType string, data interface{}) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		log.Printf("session %s: dropping %s frame: %v", b.sessionID, frameType, ErrNotConnected)
		return ErrNotConnected
	}
	b.mu.Unlock()

	return b.writeFrame(frameType, data)
}

func (b *Bridge) writeFrame(frameType string, data interface{}) error {
	frame, err := protocol.NewClientFrame(frameType, b.sessionID, data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrNotConnected
	}
	return b.conn.WriteJSON(frame)
}

// Subscribe registers a callback for one event type and returns the
// subscription ID.
func (b *Bridge) Subscribe(eventType string, callback Callback) string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	id := uuid.New().String()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, callback: callback})
	return id
}

// Unsubscribe removes a subscription by ID and reports whether an entry was
// actually removed. A miss is a no-op returning false.
func (b *Bridge) Unsubscribe(eventType, id string) bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			return true
		}
	}
	return false
}

// readLoop reads frames until the connection drops, then drives the
// reconnection protocol for abnormal closes.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.handleClose(conn)
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("session %s: dropping malformed frame: %v", b.sessionID, err)
			continue
		}

		b.dispatch(frame)
	}
}

// handleClose runs when the socket drops. Intentional disconnects end
// here; abnormal closes schedule exactly one reconnect attempt.
func (b *Bridge) handleClose(conn *websocket.Conn) {
	conn.Close()

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.connected = false
	}
	intentional := b.intentional
	b.mu.Unlock()

	if intentional {
		return
	}
	b.scheduleReconnect()
}

// scheduleReconnect increments the attempt counter and arms a single timer
// with exponential backoff. Past the ceiling it emits the terminal
// connection_failed event instead of retrying forever.
func (b *Bridge) scheduleReconnect() {
	b.mu.Lock()
	b.attempts++
	attempts := b.attempts
	if attempts > b.maxAttempts {
		b.mu.Unlock()
		log.Printf("session %s: reconnect ceiling reached after %d attempts", b.sessionID, b.maxAttempts)
		b.emitLocal(EventConnectionFailed, map[string]interface{}{
			"attempts": b.maxAttempts,
		})
		return
	}

	delay := b.baseDelay << (attempts - 1)
	log.Printf("session %s: reconnecting in %v (attempt %d/%d)", b.sessionID, delay, attempts, b.maxAttempts)
	b.timer = time.AfterFunc(delay, b.reconnect)
	b.mu.Unlock()
}

// reconnect fires when the backoff timer elapses. A dial failure here
// counts as a further abnormal close so the ceiling still applies; a
// connection opened in the meantime short-circuits.
func (b *Bridge) reconnect() {
	b.mu.Lock()
	if b.connected || b.intentional {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.Connect(context.Background()); err != nil {
		log.Printf("session %s: reconnect failed: %v", b.sessionID, err)
		b.scheduleReconnect()
	}
}

// dispatch re-emits a frame under its literal type and, for the namespaced
// event families, under a derived more specific key, so subscribers can
// choose coarse- or fine-grained delivery.
func (b *Bridge) dispatch(frame protocol.ClientFrame) {
	if frame.Type == protocol.ClientTypePing {
		// Transport-level keepalive; reply and stay silent.
		b.writeFrame(protocol.ClientTypePong, map[string]interface{}{
			"received_at": float64(time.Now().UnixNano()) / float64(time.Second),
		})
		return
	}

	b.emit(frame.Type, frame)

	switch frame.Type {
	case protocol.ClientTypeAgentEvent:
		b.emit("agent:"+dataField(frame.Data, "event_type", "event"), frame)
	case protocol.ClientTypeToolEvent:
		toolName := dataField(frame.Data, "tool_name", "unknown")
		eventType := dataField(frame.Data, "event_type", "event")
		b.emit("tool:"+toolName+":"+eventType, frame)
	case protocol.ClientTypeVisualizationEvent:
		b.emit("visualization:"+dataField(frame.Data, "visualization_type", "unknown"), frame)
	}
}

// dataField extracts a string discriminator from a frame's data, falling
// back to a literal placeholder when absent.
func dataField(data json.RawMessage, field, fallback string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fallback
	}
	raw, ok := m[field]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return fallback
	}
	return s
}

// emit invokes every subscriber of an event type in subscription order.
func (b *Bridge) emit(eventType string, frame protocol.ClientFrame) {
	b.subsMu.Lock()
	subs := make([]subscription, len(b.subs[eventType]))
	copy(subs, b.subs[eventType])
	b.subsMu.Unlock()

	for _, s := range subs {
		b.invoke(eventType, s, frame)
	}
}

func (b *Bridge) invoke(eventType string, s subscription, frame protocol.ClientFrame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session %s: subscriber for %q panicked: %v", b.sessionID, eventType, r)
		}
	}()
	s.callback(frame)
}

// emitLocal synthesizes a frame for bridge-originated events such as
// connection_failed.
func (b *Bridge) emitLocal(eventType string, data interface{}) {
	frame, err := protocol.NewClientFrame(eventType, b.sessionID, data)
	if err != nil {
		log.Printf("session %s: failed to build %s frame: %v", b.sessionID, eventType, err)
		return
	}
	b.emit(eventType, *frame)
}
