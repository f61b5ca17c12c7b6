// Package agent owns the session/agent state machine. All mutations of a
// session's worker handle go through the Manager, which serializes
// operations per session while letting different sessions proceed in
// parallel.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-bridge/backend/internal/eventbus"
	"github.com/agent-bridge/backend/internal/model"
	"github.com/agent-bridge/backend/internal/protocol"
	"github.com/agent-bridge/backend/internal/repository"
	"github.com/agent-bridge/backend/internal/worker"
)

const (
	// DefaultInitTimeout bounds the wait for a worker's readiness signal.
	DefaultInitTimeout = 30 * time.Second
)

// Lifecycle event types published by the manager.
const (
	EventAgentCreated    = "agent_created"
	EventAgentStarted    = "agent_started"
	EventAgentStopped    = "agent_stopped"
	EventControlTaken    = "control_taken"
	EventControlReleased = "control_released"
)

// Handle is the runtime state of one session's worker. A handle exists if
// and only if an agent has been created for the session and not yet
// stopped; at most one handle exists per session.
type Handle struct {
	SessionID string
	Status    model.SessionStatus
	Conn      *worker.Connection

	// msgSubID is the bus subscription recording the worker's own
	// message frames into the session history.
	msgSubID string

	// mu serializes all lifecycle operations on this session.
	mu sync.Mutex
}

// Manager creates and destroys worker connections and guards every
// lifecycle transition with its state preconditions.
type Manager struct {
	repo     *repository.SessionRepository
	bus      *eventbus.Bus
	launcher worker.Launcher

	initTimeout time.Duration
	toolTimeout time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle
}

// Config holds configuration for the agent manager.
type Config struct {
	InitTimeout time.Duration
	ToolTimeout time.Duration
}

// NewManager creates a new agent manager.
func NewManager(repo *repository.SessionRepository, bus *eventbus.Bus, launcher worker.Launcher, config Config) *Manager {
	if config.InitTimeout == 0 {
		config.InitTimeout = DefaultInitTimeout
	}
	if config.ToolTimeout == 0 {
		config.ToolTimeout = worker.DefaultToolTimeout
	}

	return &Manager{
		repo:        repo,
		bus:         bus,
		launcher:    launcher,
		initTimeout: config.InitTimeout,
		toolTimeout: config.ToolTimeout,
		handles:     make(map[string]*Handle),
	}
}

// CreateSession creates and persists a new session with no agent yet.
func (m *Manager) CreateSession(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	session := &model.Session{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    model.SessionStatusInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return session, nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return m.repo.GetByID(ctx, id)
}

// ListSessions retrieves all sessions.
func (m *Manager) ListSessions(ctx context.Context) ([]*model.Session, error) {
	return m.repo.List(ctx)
}

// ListMessages retrieves a session's message history.
func (m *Manager) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	if _, err := m.repo.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.repo.ListMessages(ctx, sessionID)
}

// GetHandle returns a session's worker handle, if one exists.
func (m *Manager) GetHandle(sessionID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// handleStatus returns the process-level status of a session's handle.
func (m *Manager) handleStatus(sessionID string) (model.SessionStatus, bool) {
	h, ok := m.GetHandle(sessionID)
	if !ok {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Status, true
}

// lockHandle returns the session's handle with its lock held. A handle can
// be fetched from the map and then evicted before its lock is acquired (a
// failed create, or a concurrent stop), so liveness is re-checked under the
// lock; a handle that is no longer registered or never got a connection is
// treated as absent.
func (m *Manager) lockHandle(sessionID string) (*Handle, error) {
	h, ok := m.GetHandle(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrAgentNotFound)
	}

	h.mu.Lock()
	m.mu.RLock()
	live := m.handles[sessionID] == h
	m.mu.RUnlock()
	if !live || h.Conn == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrAgentNotFound)
	}
	return h, nil
}

// CreateAgent spawns a worker for a session and waits for its readiness
// signal. A second create for an existing agent fails with ErrAgentExists.
// If the worker does not signal readiness before the deadline, the
// partially created process and connection are torn down.
func (m *Manager) CreateAgent(ctx context.Context, sessionID string) error {
	exists, err := m.repo.Exists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, model.ErrSessionNotFound)
	}

	// Reserve the handle slot before spawning so two concurrent creates
	// cannot race to two worker connections.
	h := &Handle{SessionID: sessionID, Status: model.SessionStatusInitializing}
	h.mu.Lock()
	defer h.mu.Unlock()

	m.mu.Lock()
	if _, exists := m.handles[sessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, model.ErrAgentExists)
	}
	m.handles[sessionID] = h
	m.mu.Unlock()

	conn, err := m.spawn(ctx, sessionID)
	if err != nil {
		m.evict(sessionID)
		return err
	}

	if err := m.awaitReady(ctx, conn); err != nil {
		conn.Close()
		m.evict(sessionID)
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	h.Conn = conn
	h.Status = model.SessionStatusReady
	h.msgSubID = m.bus.SubscribeToEvent(sessionID, protocol.FrameTypeMessage, func(event eventbus.Event) {
		m.recordAgentMessage(sessionID, event)
	})
	m.persistStatus(sessionID, model.SessionStatusReady)
	m.publish(sessionID, EventAgentCreated, map[string]interface{}{"pid": conn.PID()})

	return nil
}

// recordAgentMessage appends a message frame emitted by the worker to the
// session's history as an agent utterance.
func (m *Manager) recordAgentMessage(sessionID string, event eventbus.Event) {
	var frame protocol.WorkerFrame
	if err := json.Unmarshal(event.Data, &frame); err != nil || frame.Message == "" {
		return
	}
	message := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      model.MessageRoleAgent,
		Content:   frame.Message,
		Timestamp: time.Now(),
	}
	if err := m.repo.AppendMessage(context.Background(), message); err != nil {
		log.Printf("session %s: failed to record agent message: %v", sessionID, err)
	}
}

// spawn launches the worker process and wraps it in a connection whose
// exit callback keeps the handle and persisted status in sync.
func (m *Manager) spawn(ctx context.Context, sessionID string) (*worker.Connection, error) {
	proc, err := m.launcher.Launch(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}

	return worker.NewConnection(sessionID, proc, m.bus, worker.Config{
		ToolTimeout: m.toolTimeout,
		OnExit: func(exitCode int) {
			m.handleWorkerExit(sessionID, exitCode)
		},
	}), nil
}

func (m *Manager) awaitReady(ctx context.Context, conn *worker.Connection) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()
	return conn.WaitReady(waitCtx)
}

// Start sends the start command. Valid from ready, or from stopped when the
// worker died and is respawned in place.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	h, err := m.lockHandle(sessionID)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	switch h.Status {
	case model.SessionStatusReady:
		// Fall through to the start command.
	case model.SessionStatusStopped:
		// The worker died; bring a fresh one up before starting.
		conn, err := m.spawn(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := m.awaitReady(ctx, conn); err != nil {
			conn.Close()
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		h.Conn = conn
	default:
		return &model.InvalidStateError{
			Op:       "start",
			Expected: []model.SessionStatus{model.SessionStatusReady, model.SessionStatusStopped},
			Actual:   h.Status,
		}
	}

	if err := h.Conn.SendCommand(protocol.CommandStart); err != nil {
		return err
	}

	h.Status = model.SessionStatusRunning
	m.persistStatus(sessionID, model.SessionStatusRunning)
	m.publish(sessionID, EventAgentStarted, nil)
	return nil
}

// Stop sends a best-effort stop command, terminates the worker, and evicts
// the handle. A subsequent Start without CreateAgent fails with
// ErrAgentNotFound.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	h, err := m.lockHandle(sessionID)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if err := h.Conn.Close(); err != nil {
		log.Printf("session %s: error closing worker connection: %v", sessionID, err)
	}
	if h.msgSubID != "" {
		m.bus.UnsubscribeFromEvent(sessionID, protocol.FrameTypeMessage, h.msgSubID)
	}
	h.Status = model.SessionStatusStopped
	m.evict(sessionID)

	m.persistStatus(sessionID, model.SessionStatusStopped)
	m.publish(sessionID, EventAgentStopped, nil)
	return nil
}

// TakeControl hands tool execution over to the human operator.
func (m *Manager) TakeControl(ctx context.Context, sessionID string) error {
	return m.toggleControl(sessionID, protocol.CommandTakeControl,
		model.SessionStatusHumanControl, EventControlTaken)
}

// ReleaseControl returns control to the autonomous agent.
func (m *Manager) ReleaseControl(ctx context.Context, sessionID string) error {
	return m.toggleControl(sessionID, protocol.CommandReleaseControl,
		model.SessionStatusRunning, EventControlReleased)
}

func (m *Manager) toggleControl(sessionID, command string, status model.SessionStatus, eventType string) error {
	h, err := m.lockHandle(sessionID)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if err := h.Conn.SendCommand(command); err != nil {
		return err
	}

	h.Status = status
	m.persistStatus(sessionID, status)
	m.publish(sessionID, eventType, nil)
	return nil
}

// ExecuteHumanTool forwards a human-issued tool command to the worker and
// blocks until the correlated result or a timeout. Valid only under human
// control.
func (m *Manager) ExecuteHumanTool(ctx context.Context, sessionID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	h, err := m.lockHandle(sessionID)
	if err != nil {
		return nil, err
	}
	if h.Status != model.SessionStatusHumanControl {
		defer h.mu.Unlock()
		return nil, &model.InvalidStateError{
			Op:       "execute human tool",
			Expected: []model.SessionStatus{model.SessionStatusHumanControl},
			Actual:   h.Status,
		}
	}
	conn := h.Conn
	h.mu.Unlock()

	// The handle lock is released while the execution is in flight so
	// concurrent tool executions for the same session can proceed; the
	// correlation table keyed by execution ID keeps them apart.
	return conn.ExecuteTool(ctx, toolName, args)
}

// SendMessage appends a user message to the session history and forwards it
// to the worker.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (*model.Message, error) {
	if _, err := m.repo.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}

	h, err := m.lockHandle(sessionID)
	if err != nil {
		return nil, err
	}
	conn := h.Conn
	h.mu.Unlock()

	message := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      model.MessageRoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
	if err := m.repo.AppendMessage(ctx, message); err != nil {
		return nil, err
	}

	if err := conn.SendMessage(content); err != nil {
		return nil, err
	}
	return message, nil
}

// DeleteSession stops any running agent and removes the session with its
// message history.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if _, ok := m.GetHandle(sessionID); ok {
		if err := m.Stop(ctx, sessionID); err != nil && !errors.Is(err, model.ErrAgentNotFound) {
			log.Printf("session %s: stop during delete failed: %v", sessionID, err)
		}
	}
	return m.repo.Delete(ctx, sessionID)
}

// handleWorkerExit runs when a worker process dies unexpectedly. The
// connection already published agent_stopped with the exit code; the
// manager owns the handle and persisted status. The worker is never
// restarted automatically.
func (m *Manager) handleWorkerExit(sessionID string, exitCode int) {
	h, ok := m.GetHandle(sessionID)
	if !ok {
		return
	}

	h.mu.Lock()
	h.Status = model.SessionStatusStopped
	h.mu.Unlock()

	m.persistStatus(sessionID, model.SessionStatusStopped)
}

// evict removes a session's handle from the map.
func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	delete(m.handles, sessionID)
	m.mu.Unlock()
}

func (m *Manager) persistStatus(sessionID string, status model.SessionStatus) {
	if err := m.repo.UpdateStatus(context.Background(), sessionID, status); err != nil {
		log.Printf("session %s: failed to persist status %q: %v", sessionID, status, err)
	}
}

func (m *Manager) publish(sessionID, eventType string, data map[string]interface{}) {
	event, err := eventbus.NewEvent(eventType, data)
	if err != nil {
		log.Printf("session %s: failed to build %s event: %v", sessionID, eventType, err)
		return
	}
	m.bus.Publish(sessionID, event)
}

// Close stops all sessions and releases their workers.
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		h.mu.Lock()
		if h.Conn != nil {
			if err := h.Conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if h.msgSubID != "" {
			m.bus.UnsubscribeFromEvent(h.SessionID, protocol.FrameTypeMessage, h.msgSubID)
		}
		h.mu.Unlock()
	}
	return firstErr
}
