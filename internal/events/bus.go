// Package events provides the in-process event bus used to fan out managed
// process notifications (output, exit, state changes) to the supervisor and
// any other interested components.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a process event.
type Kind string

const (
	KindOutput Kind = "output" // a chunk of PTY output
	KindExit   Kind = "exit"   // the process exited
	KindState  Kind = "state"  // the process state machine transitioned
)

// Event is a message on the bus. Exactly one payload group is populated,
// selected by Kind.
type Event struct {
	ID        string
	Kind      Kind
	Tool      string
	Timestamp time.Time

	// KindOutput
	Data []byte

	// KindExit
	ExitCode int
	Signal   string

	// KindState
	State string
}

// NewOutputEvent creates an output event for a tool.
func NewOutputEvent(tool string, data []byte) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      KindOutput,
		Tool:      tool,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewExitEvent creates an exit event for a tool.
func NewExitEvent(tool string, exitCode int, signal string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      KindExit,
		Tool:      tool,
		Timestamp: time.Now().UTC(),
		ExitCode:  exitCode,
		Signal:    signal,
	}
}

// NewStateEvent creates a state-transition event for a tool.
func NewStateEvent(tool, state string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      KindState,
		Tool:      tool,
		Timestamp: time.Now().UTC(),
		State:     state,
	}
}

// Handler handles an event. Handlers run synchronously on the publisher's
// goroutine so per-tool event order is preserved; they must not block.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract.
type Bus interface {
	// Publish delivers an event to all matching subscribers, in subscription
	// order, before returning.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. Patterns support a
	// "*" wildcard per dot-separated token ("proc.*.output").
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down; subsequent publishes fail.
	Close()
}

// Subject builds the canonical subject for a tool event kind.
func Subject(tool string, kind Kind) string {
	return "proc." + tool + "." + string(kind)
}
