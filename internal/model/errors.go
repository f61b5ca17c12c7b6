package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNameRequired is returned when a session creation request is missing the name.
	ErrNameRequired = errors.New("name is required")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session with the same ID already exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrAgentNotFound is returned when a session has no agent worker handle.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when an agent has already been created for a session.
	ErrAgentExists = errors.New("agent already exists")

	// ErrInvalidState is returned when an operation is attempted from a state
	// that forbids it. Use InvalidStateError to name the expected and actual states.
	ErrInvalidState = errors.New("invalid session state")

	// ErrInitTimeout is returned when a worker does not signal readiness
	// before the initialization deadline.
	ErrInitTimeout = errors.New("agent initialization timed out")

	// ErrToolTimeout is returned when a tool execution result does not arrive
	// before the correlation deadline.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrWorkerStopped is returned when an operation fails because the worker
	// process or its connection went away.
	ErrWorkerStopped = errors.New("worker stopped")
)

// InvalidStateError reports an operation attempted from a forbidden state.
// It unwraps to ErrInvalidState so callers can match it with errors.Is.
type InvalidStateError struct {
	Op       string
	Expected []SessionStatus
	Actual   SessionStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: expected state %v, actual state %q", e.Op, e.Expected, e.Actual)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}
