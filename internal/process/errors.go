package process

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by Send when the tool is not in the Ready state.
// Callers should retry later or surface "tool busy".
var ErrNotReady = errors.New("tool is not ready")

// ErrNotRegistered is returned for operations on tool names the supervisor
// does not know about.
var ErrNotRegistered = errors.New("tool is not registered")

// ErrAttachActive is returned when an attach is requested while another
// attach loop already owns the terminal.
var ErrAttachActive = errors.New("another attach session is active")

// StartupError indicates a tool failed to launch: the executable is missing
// or no readiness signal arrived within the startup timeout.
type StartupError struct {
	Tool string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("tool %s failed to start: %v", e.Tool, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProcessExitedError indicates the underlying process died while an operation
// was pending. The pending operation is resolved with this error rather than
// left hanging.
type ProcessExitedError struct {
	Tool     string
	ExitCode int
	Signal   string
}

func (e *ProcessExitedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("tool %s exited (signal %s, code %d)", e.Tool, e.Signal, e.ExitCode)
	}
	return fmt.Sprintf("tool %s exited with code %d", e.Tool, e.ExitCode)
}

// ChannelIOError indicates a PTY-level I/O failure, e.g. a write to a closed
// pty. A failure that reflects process death is reported as
// ProcessExitedError by the wait goroutine.
type ChannelIOError struct {
	Tool string
	Op   string
	Err  error
}

func (e *ChannelIOError) Error() string {
	return fmt.Sprintf("tool %s: pty %s failed: %v", e.Tool, e.Op, e.Err)
}

func (e *ChannelIOError) Unwrap() error { return e.Err }
