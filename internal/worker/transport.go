// Package worker manages agent worker processes and the frame channel to
// each of them. The worker is an external, untrusted collaborator reachable
// only through the frame protocol; all interaction crosses a
// serialize/deserialize boundary.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/agent-bridge/backend/internal/protocol"
)

// Transport is one bidirectional frame channel to a worker.
type Transport interface {
	// Send writes one frame to the worker.
	Send(frame protocol.WorkerFrame) error

	// Recv blocks until the next inbound frame arrives. It returns io.EOF
	// when the channel is closed.
	Recv() (protocol.WorkerFrame, error)

	// Close tears the channel down.
	Close() error
}

// Process is a running worker: a frame transport plus process-level
// lifecycle control.
type Process interface {
	Transport

	// Wait blocks until the process exits and returns its exit code.
	Wait() int

	// Kill forcibly terminates the process.
	Kill() error

	// PID returns the operating system process ID, or 0 if not applicable.
	PID() int
}

// Launcher spawns a worker process for a session.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (Process, error)
}

// StdioLauncher spawns the configured worker command and exchanges
// newline-delimited JSON frames over its stdin/stdout.
type StdioLauncher struct {
	// Command is the worker argv; the session ID is appended as
	// "--session-id <id>".
	Command []string
}

// NewStdioLauncher creates a launcher for the given worker command.
func NewStdioLauncher(command []string) *StdioLauncher {
	return &StdioLauncher{Command: command}
}

// Launch starts the worker process for a session.
func (l *StdioLauncher) Launch(ctx context.Context, sessionID string) (Process, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("worker command not configured")
	}

	args := append(append([]string{}, l.Command[1:]...), "--session-id", sessionID)
	cmd := exec.CommandContext(ctx, l.Command[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	return &stdioProcess{
		cmd:     cmd,
		stdin:   stdin,
		scanner: bufio.NewScanner(stdout),
	}, nil
}

// stdioProcess is a worker reached over stdin/stdout pipes.
type stdioProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex

	waitOnce sync.Once
	exitCode int
}

func (p *stdioProcess) Send(frame protocol.WorkerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (p *stdioProcess) Recv() (protocol.WorkerFrame, error) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame protocol.WorkerFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			// Partial or malformed frame; recoverable protocol error.
			return protocol.WorkerFrame{}, &ProtocolError{Err: err}
		}
		return frame, nil
	}
	if err := p.scanner.Err(); err != nil {
		return protocol.WorkerFrame{}, err
	}
	return protocol.WorkerFrame{}, io.EOF
}

func (p *stdioProcess) Close() error {
	return p.stdin.Close()
}

func (p *stdioProcess) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
		} else if err != nil {
			p.exitCode = -1
		}
	})
	return p.exitCode
}

func (p *stdioProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *stdioProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ProtocolError wraps a malformed inbound frame. The read loop logs it and
// keeps going; it is never fatal to the connection.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed worker frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
