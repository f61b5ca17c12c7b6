package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agent-bridge/backend/internal/eventbus"
	"github.com/agent-bridge/backend/internal/model"
	"github.com/agent-bridge/backend/internal/protocol"
)

// recvResult is one queued Recv outcome for the fake process.
type recvResult struct {
	frame protocol.WorkerFrame
	err   error
}

// fakeProcess is an in-memory worker used in place of a spawned process.
type fakeProcess struct {
	inbound chan recvResult
	sent    chan protocol.WorkerFrame

	mu       sync.Mutex
	killed   bool
	exitCode int

	closeOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		inbound: make(chan recvResult, 16),
		sent:    make(chan protocol.WorkerFrame, 16),
	}
}

func (p *fakeProcess) Send(frame protocol.WorkerFrame) error {
	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()
	if killed {
		return errors.New("process gone")
	}
	p.sent <- frame
	return nil
}

func (p *fakeProcess) Recv() (protocol.WorkerFrame, error) {
	res, ok := <-p.inbound
	if !ok {
		return protocol.WorkerFrame{}, io.EOF
	}
	return res.frame, res.err
}

func (p *fakeProcess) Close() error {
	p.exit(0)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Wait() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) PID() int { return 42 }

// deliver queues one inbound frame from the worker.
func (p *fakeProcess) deliver(frame protocol.WorkerFrame) {
	p.inbound <- recvResult{frame: frame}
}

// exit ends the inbound stream with the given exit code.
func (p *fakeProcess) exit(code int) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.inbound)
	})
}

func setupConnection(t *testing.T, config Config) (*Connection, *fakeProcess, *eventbus.Bus) {
	t.Helper()
	proc := newFakeProcess()
	bus := eventbus.New()
	conn := NewConnection("s1", proc, bus, config)
	t.Cleanup(func() { conn.Close() })
	return conn, proc, bus
}

func TestConnection_WaitReady(t *testing.T) {
	t.Run("ready after agent_initialized", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{})

		proc.deliver(protocol.WorkerFrame{Type: protocol.FrameTypeAgentInitialized})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := conn.WaitReady(ctx); err != nil {
			t.Fatalf("WaitReady failed: %v", err)
		}
	})

	t.Run("deadline exceeded without signal", func(t *testing.T) {
		conn, _, _ := setupConnection(t, Config{})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := conn.WaitReady(ctx)
		if !errors.Is(err, model.ErrInitTimeout) {
			t.Fatalf("expected ErrInitTimeout, got %v", err)
		}
	})

	t.Run("worker exit before signal", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{})

		proc.exit(1)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := conn.WaitReady(ctx)
		if !errors.Is(err, model.ErrWorkerStopped) {
			t.Fatalf("expected ErrWorkerStopped, got %v", err)
		}
	})
}

// respondTo echoes a result frame for the next tool_execution request. It is
// safe to run off the test goroutine; failures surface via t.Error and the
// caller's tool timeout.
func respondTo(t *testing.T, proc *fakeProcess, mutate func(*protocol.WorkerFrame)) protocol.WorkerFrame {
	t.Helper()
	select {
	case sent := <-proc.sent:
		if sent.Type != protocol.FrameTypeToolExecution {
			t.Errorf("expected tool_execution frame, got %q", sent.Type)
			return sent
		}
		reply := protocol.WorkerFrame{
			Type:        protocol.FrameTypeToolExecutionResult,
			ExecutionID: sent.ExecutionID,
			Result:      json.RawMessage(`{"ok":true}`),
		}
		if mutate != nil {
			mutate(&reply)
		}
		proc.deliver(reply)
		return sent
	case <-time.After(time.Second):
		t.Error("no tool_execution frame sent")
		return protocol.WorkerFrame{}
	}
}

func TestConnection_ExecuteTool(t *testing.T) {
	t.Run("matching result resolves the caller", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{ToolTimeout: 2 * time.Second})

		go respondTo(t, proc, nil)

		result, err := conn.ExecuteTool(context.Background(), "browser", json.RawMessage(`{"x":1}`))
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if string(result) != `{"ok":true}` {
			t.Errorf("unexpected result: %s", result)
		}
		if conn.PendingCount() != 0 {
			t.Errorf("correlation slot not freed: %d pending", conn.PendingCount())
		}
	})

	t.Run("error field rejects the caller", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{ToolTimeout: 2 * time.Second})

		go respondTo(t, proc, func(reply *protocol.WorkerFrame) {
			reply.Result = nil
			reply.Error = "tool exploded"
		})

		_, err := conn.ExecuteTool(context.Background(), "browser", nil)
		if err == nil || err.Error() != "tool browser: tool exploded" {
			t.Fatalf("expected tool error, got %v", err)
		}
	})

	t.Run("mismatched execution id is ignored until timeout", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{ToolTimeout: 50 * time.Millisecond})

		go func() {
			sent := <-proc.sent
			proc.deliver(protocol.WorkerFrame{
				Type:        protocol.FrameTypeToolExecutionResult,
				ExecutionID: sent.ExecutionID + "-wrong",
				Result:      json.RawMessage(`{}`),
			})
		}()

		_, err := conn.ExecuteTool(context.Background(), "browser", nil)
		if !errors.Is(err, model.ErrToolTimeout) {
			t.Fatalf("expected ErrToolTimeout, got %v", err)
		}
		if conn.PendingCount() != 0 {
			t.Errorf("timed-out correlation slot not freed")
		}
	})

	t.Run("timeout with no response", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{ToolTimeout: 30 * time.Millisecond})

		go func() { <-proc.sent }()

		_, err := conn.ExecuteTool(context.Background(), "browser", nil)
		if !errors.Is(err, model.ErrToolTimeout) {
			t.Fatalf("expected ErrToolTimeout, got %v", err)
		}
	})

	t.Run("late duplicate result does not resolve twice", func(t *testing.T) {
		conn, proc, bus := setupConnection(t, Config{ToolTimeout: 2 * time.Second})

		var executionID string
		done := make(chan struct{})
		go func() {
			sent := respondTo(t, proc, nil)
			executionID = sent.ExecutionID
			close(done)
		}()

		if _, err := conn.ExecuteTool(context.Background(), "browser", nil); err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		<-done

		// A stray duplicate must be ignored: no pending slot, no panic,
		// and no delivery to a fresh correlation for a different id.
		proc.deliver(protocol.WorkerFrame{
			Type:        protocol.FrameTypeToolExecutionResult,
			ExecutionID: executionID,
			Result:      json.RawMessage(`{"dup":true}`),
		})

		// Drain through the bus to make sure the read loop processed it.
		settled := make(chan struct{})
		subID := bus.SubscribeToEvent("s1", "marker", func(eventbus.Event) { close(settled) })
		defer bus.UnsubscribeFromEvent("s1", "marker", subID)
		proc.deliver(protocol.WorkerFrame{Type: "marker"})
		select {
		case <-settled:
		case <-time.After(time.Second):
			t.Fatal("read loop stalled")
		}

		if conn.PendingCount() != 0 {
			t.Errorf("stray duplicate created a pending slot")
		}
	})

	t.Run("teardown rejects pending execution", func(t *testing.T) {
		conn, proc, _ := setupConnection(t, Config{ToolTimeout: 5 * time.Second})

		go func() {
			<-proc.sent
			conn.Close()
		}()

		_, err := conn.ExecuteTool(context.Background(), "browser", nil)
		if !errors.Is(err, model.ErrWorkerStopped) {
			t.Fatalf("expected ErrWorkerStopped, got %v", err)
		}
	})
}

func TestConnection_ForwardsOpaqueFrames(t *testing.T) {
	conn, proc, bus := setupConnection(t, Config{})
	_ = conn

	received := make(chan eventbus.Event, 1)
	bus.Subscribe("s1", func(event eventbus.Event) { received <- event })

	proc.deliver(protocol.WorkerFrame{
		Type: "visualization_event",
		Data: json.RawMessage(`{"visualization_type":"browser_update"}`),
	})

	select {
	case event := <-received:
		if event.Type != "visualization_event" {
			t.Errorf("expected visualization_event, got %q", event.Type)
		}
		var frame protocol.WorkerFrame
		if err := json.Unmarshal(event.Data, &frame); err != nil {
			t.Fatalf("event data not a frame: %v", err)
		}
		if string(frame.Data) != `{"visualization_type":"browser_update"}` {
			t.Errorf("frame payload not forwarded verbatim: %s", frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("opaque frame was not forwarded to the bus")
	}
}

func TestConnection_MalformedFrameIsRecoverable(t *testing.T) {
	conn, proc, bus := setupConnection(t, Config{})
	_ = conn

	received := make(chan eventbus.Event, 1)
	bus.Subscribe("s1", func(event eventbus.Event) { received <- event })

	proc.inbound <- recvResult{err: &ProtocolError{Err: errors.New("bad json")}}
	proc.deliver(protocol.WorkerFrame{Type: "still_alive"})

	select {
	case event := <-received:
		if event.Type != "still_alive" {
			t.Errorf("expected still_alive, got %q", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("read loop died on a malformed frame")
	}
}

func TestConnection_UnexpectedExit(t *testing.T) {
	proc := newFakeProcess()
	bus := eventbus.New()

	exitCodes := make(chan int, 1)
	conn := NewConnection("s1", proc, bus, Config{OnExit: func(code int) { exitCodes <- code }})
	defer conn.Close()

	stopped := make(chan eventbus.Event, 1)
	bus.SubscribeToEvent("s1", protocol.FrameTypeAgentStopped, func(event eventbus.Event) { stopped <- event })

	proc.exit(3)

	select {
	case event := <-stopped:
		var data struct {
			ExitCode int `json:"exit_code"`
		}
		if err := json.Unmarshal(event.Data, &data); err != nil {
			t.Fatalf("bad agent_stopped payload: %v", err)
		}
		if data.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", data.ExitCode)
		}
	case <-time.After(time.Second):
		t.Fatal("agent_stopped not published")
	}

	select {
	case code := <-exitCodes:
		if code != 3 {
			t.Errorf("OnExit got %d, want 3", code)
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit not invoked")
	}
}

func TestConnection_IntentionalCloseIsSilent(t *testing.T) {
	proc := newFakeProcess()
	bus := eventbus.New()

	conn := NewConnection("s1", proc, bus, Config{OnExit: func(int) {
		t.Error("OnExit must not fire for an intentional close")
	}})

	stopped := make(chan eventbus.Event, 1)
	bus.SubscribeToEvent("s1", protocol.FrameTypeAgentStopped, func(event eventbus.Event) { stopped <- event })

	conn.Close()

	select {
	case <-stopped:
		t.Error("agent_stopped published for an intentional close")
	case <-time.After(100 * time.Millisecond):
	}
}
