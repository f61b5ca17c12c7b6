package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-bridge/backend/internal/eventbus"
	"github.com/agent-bridge/backend/internal/model"
	"github.com/agent-bridge/backend/internal/protocol"
)

const (
	// DefaultToolTimeout bounds how long a tool execution waits for its
	// correlated result frame.
	DefaultToolTimeout = 60 * time.Second
)

// ExitCallback is invoked once when the worker process exits unexpectedly.
type ExitCallback func(exitCode int)

// toolResult carries a resolved tool execution outcome.
type toolResult struct {
	result json.RawMessage
	err    string
}

// Connection owns the frame channel to one session's worker process. It
// translates outbound operations into wire frames, forwards inbound frames
// onto the event bus under the session ID, and correlates tool execution
// requests with their result frames.
type Connection struct {
	sessionID   string
	proc        Process
	bus         *eventbus.Bus
	toolTimeout time.Duration
	onExit      ExitCallback

	readyOnce sync.Once
	ready     chan struct{}

	// pending holds at most one outstanding correlation per execution ID.
	pendingMu sync.Mutex
	pending   map[string]chan toolResult

	closeMu     sync.Mutex
	intentional bool
	done        chan struct{}
}

// Config holds configuration for a worker connection.
type Config struct {
	ToolTimeout time.Duration
	OnExit      ExitCallback
}

// NewConnection wraps a spawned worker process and starts its read loop.
func NewConnection(sessionID string, proc Process, bus *eventbus.Bus, config Config) *Connection {
	if config.ToolTimeout == 0 {
		config.ToolTimeout = DefaultToolTimeout
	}

	c := &Connection{
		sessionID:   sessionID,
		proc:        proc,
		bus:         bus,
		toolTimeout: config.ToolTimeout,
		onExit:      config.OnExit,
		ready:       make(chan struct{}),
		pending:     make(map[string]chan toolResult),
		done:        make(chan struct{}),
	}

	go c.readLoop()
	return c
}

// SessionID returns the session this connection belongs to.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// PID returns the worker's process ID.
func (c *Connection) PID() int {
	return c.proc.PID()
}

// WaitReady blocks until the worker signals agent_initialized, the context
// expires, or the worker goes away.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return model.ErrWorkerStopped
	case <-ctx.Done():
		return model.ErrInitTimeout
	}
}

// SendCommand sends a lifecycle command frame. Commands are fire-and-forget;
// the worker does not acknowledge them.
func (c *Connection) SendCommand(command string) error {
	return c.send(protocol.CommandFrame(command))
}

// SendMessage forwards a user message to the worker.
func (c *Connection) SendMessage(message string) error {
	return c.send(protocol.MessageFrame(message))
}

func (c *Connection) send(frame protocol.WorkerFrame) error {
	select {
	case <-c.done:
		return model.ErrWorkerStopped
	default:
	}
	if err := c.proc.Send(frame); err != nil {
		return fmt.Errorf("session %s: %w", c.sessionID, err)
	}
	return nil
}

// ExecuteTool sends a tool execution request and blocks until the result
// frame bearing the same execution ID arrives, the deadline expires, or the
// connection is torn down. The correlation is resolved through an
// event-type-scoped bus subscription that is removed on completion, so an
// abandoned correlation never outlives its deadline.
func (c *Connection) ExecuteTool(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	executionID := uuid.New().String()
	resultCh := make(chan toolResult, 1)

	c.pendingMu.Lock()
	c.pending[executionID] = resultCh
	c.pendingMu.Unlock()
	defer c.removePending(executionID)

	subID := c.bus.SubscribeToEvent(c.sessionID, protocol.FrameTypeToolExecutionResult, func(event eventbus.Event) {
		var frame protocol.WorkerFrame
		if err := json.Unmarshal(event.Data, &frame); err != nil {
			log.Printf("session %s: malformed tool_execution_result event: %v", c.sessionID, err)
			return
		}
		if frame.ExecutionID != executionID {
			return
		}
		// Consume the correlation slot; a late duplicate finds it gone.
		if !c.removePending(executionID) {
			return
		}
		resultCh <- toolResult{result: frame.Result, err: frame.Error}
	})
	defer c.bus.UnsubscribeFromEvent(c.sessionID, protocol.FrameTypeToolExecutionResult, subID)

	if err := c.send(protocol.ToolExecutionFrame(executionID, toolName, args)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.toolTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != "" {
			return nil, fmt.Errorf("tool %s: %s", toolName, res.err)
		}
		return res.result, nil
	case <-timer.C:
		return nil, fmt.Errorf("tool %s (execution %s): %w", toolName, executionID, model.ErrToolTimeout)
	case <-c.done:
		return nil, model.ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// removePending frees the correlation slot for an execution ID and reports
// whether it was still present.
func (c *Connection) removePending(executionID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[executionID]; !ok {
		return false
	}
	delete(c.pending, executionID)
	return true
}

// PendingCount returns the number of outstanding tool execution correlations.
func (c *Connection) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Close tears the connection down: a best-effort stop command, process
// termination, and rejection of any pending correlations.
func (c *Connection) Close() error {
	c.closeMu.Lock()
	if c.intentional {
		c.closeMu.Unlock()
		return nil
	}
	c.intentional = true
	c.closeMu.Unlock()

	// Best effort; the worker may already be gone.
	if err := c.proc.Send(protocol.CommandFrame(protocol.CommandStop)); err != nil {
		log.Printf("session %s: stop command not delivered: %v", c.sessionID, err)
	}
	if err := c.proc.Kill(); err != nil {
		log.Printf("session %s: failed to kill worker: %v", c.sessionID, err)
	}
	return c.proc.Close()
}

// readLoop decodes inbound frames until the channel closes. Recognized
// lifecycle frames are intercepted; everything is forwarded verbatim onto
// the event bus so the worker's own event vocabulary passes through
// unmodified.
func (c *Connection) readLoop() {
	for {
		frame, err := c.proc.Recv()
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				log.Printf("session %s: %v", c.sessionID, protoErr)
				continue
			}
			if err != io.EOF {
				log.Printf("session %s: worker read error: %v", c.sessionID, err)
			}
			c.handleExit()
			return
		}

		if frame.Type == protocol.FrameTypeAgentInitialized {
			c.readyOnce.Do(func() { close(c.ready) })
		}

		c.forward(frame)
	}
}

// forward publishes an inbound frame as an event under the session ID.
func (c *Connection) forward(frame protocol.WorkerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("session %s: failed to encode frame %q: %v", c.sessionID, frame.Type, err)
		return
	}
	c.bus.Publish(c.sessionID, eventbus.Event{
		Type:      frame.Type,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// handleExit runs once when the channel closes. For an unexpected exit it
// publishes agent_stopped with the exit code and notifies the manager; it
// never restarts the worker.
func (c *Connection) handleExit() {
	exitCode := c.proc.Wait()

	c.closeMu.Lock()
	intentional := c.intentional
	c.closeMu.Unlock()

	close(c.done)

	if intentional {
		return
	}

	log.Printf("session %s: worker exited unexpectedly with code %d", c.sessionID, exitCode)

	event, err := eventbus.NewEvent(protocol.FrameTypeAgentStopped, map[string]interface{}{
		"exit_code": exitCode,
	})
	if err == nil {
		c.bus.Publish(c.sessionID, event)
	}

	if c.onExit != nil {
		c.onExit(exitCode)
	}
}
