package process

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/toolmux/toolmux/internal/common/logger"
	"github.com/toolmux/toolmux/internal/events"
	"github.com/toolmux/toolmux/internal/tracing"
)

// registration is one configured tool and its (possibly respawned) process.
type registration struct {
	spec      LaunchSpec
	sanitizer Sanitizer
	proc      *ManagedProcess

	// ranOnce marks that a prior process for this tool completed at least
	// one exchange; a respawn then resumes the conversation. Cleared by
	// ResetSession.
	ranOnce bool
}

// Supervisor owns the registry of managed processes. At most one tool is
// active at a time: the display sink only ever receives the active tool's
// output, while every tool keeps running and being captured in the
// background.
//
// Thread-safe: all public methods can be called concurrently.
type Supervisor struct {
	logger *logger.Logger
	bus    events.Bus

	mu     sync.RWMutex
	regs   map[string]*registration
	order  []string
	active string

	displayMu sync.RWMutex
	display   func([]byte)

	outputSub events.Subscription
}

// NewSupervisor creates a supervisor wired to the given event bus. Output
// events from the active tool are forwarded to the display sink set via
// SetDisplay.
func NewSupervisor(bus events.Bus, log *logger.Logger) (*Supervisor, error) {
	s := &Supervisor{
		logger: log.WithFields(zap.String("component", "supervisor")),
		bus:    bus,
		regs:   make(map[string]*registration),
	}

	sub, err := bus.Subscribe(events.Subject("*", events.KindOutput), s.onOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to output events: %w", err)
	}
	s.outputSub = sub
	return s, nil
}

// onOutput routes output events: only the active tool's output reaches the
// display sink. Runs on the publishing process's reader goroutine, so
// per-tool ordering is preserved.
func (s *Supervisor) onOutput(_ context.Context, ev *events.Event) error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if ev.Tool != active {
		return nil
	}

	s.displayMu.RLock()
	sink := s.display
	s.displayMu.RUnlock()
	if sink != nil {
		sink(ev.Data)
	}
	return nil
}

// SetDisplay rebinds the display sink. A nil sink discards active output.
func (s *Supervisor) SetDisplay(sink func([]byte)) {
	s.displayMu.Lock()
	s.display = sink
	s.displayMu.Unlock()
}

// suspendDisplay unbinds the display sink and returns a func that rebinds
// it. An attach session writes pty output to the terminal itself; routing it
// through the sink as well would print everything twice.
func (s *Supervisor) suspendDisplay() (resume func()) {
	s.displayMu.Lock()
	sink := s.display
	s.display = nil
	s.displayMu.Unlock()
	return func() { s.SetDisplay(sink) }
}

// Register adds a tool to the registry without starting it. The first
// registered tool becomes active.
func (s *Supervisor) Register(spec LaunchSpec, sanitizer Sanitizer) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Command == "" {
		return fmt.Errorf("command is required for tool %q", spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regs[spec.Name]; exists {
		return fmt.Errorf("tool %q is already registered", spec.Name)
	}
	s.regs[spec.Name] = &registration{spec: spec, sanitizer: sanitizer}
	s.order = append(s.order, spec.Name)
	if s.active == "" {
		s.active = spec.Name
	}
	return nil
}

// StartOne starts the named tool's process. Idempotent while the process is
// alive; a dead process is respawned, resuming the prior conversation when
// the tool supports it.
func (s *Supervisor) StartOne(ctx context.Context, name string) error {
	s.mu.Lock()
	reg, ok := s.regs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if reg.proc != nil && reg.proc.State() != StateDead {
		s.mu.Unlock()
		return nil
	}
	// Resume only when the previous process actually exchanged something;
	// a tool that started and died idle has no conversation to reopen.
	if reg.proc != nil && reg.proc.Exchanged() {
		reg.ranOnce = true
	}
	resume := reg.ranOnce
	spec := reg.spec
	sanitizer := reg.sanitizer
	s.mu.Unlock()

	proc, err := NewManagedProcess(spec, sanitizer, s.bus, s.logger)
	if err != nil {
		return err
	}
	if err := proc.Start(ctx, resume); err != nil {
		return err
	}

	s.mu.Lock()
	reg.proc = proc
	s.mu.Unlock()

	s.logger.Info("tool started",
		zap.String("tool", name),
		zap.Bool("resumed", resume))
	return nil
}

// StartAll starts every registered tool sequentially, in registration order.
// One tool failing to start does not abort the others; the combined error is
// returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	names := append([]string{}, s.order...)
	s.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := s.StartOne(ctx, name); err != nil {
			s.logger.Error("tool failed to start",
				zap.String("tool", name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the live process for a tool.
func (s *Supervisor) Get(name string) (*ManagedProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if reg.proc == nil {
		return nil, fmt.Errorf("%w: tool %s not started", ErrNotReady, name)
	}
	return reg.proc, nil
}

// DisplayName resolves a tool's human-readable name.
func (s *Supervisor) DisplayName(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if reg.spec.DisplayName != "" {
		return reg.spec.DisplayName, nil
	}
	return reg.spec.Name, nil
}

// Names returns the registered tool names in registration order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.order...)
}

// Active returns the currently active tool name.
func (s *Supervisor) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive routes the display to the named tool. Any other tool holding a
// terminal attachment is forced back to supervised mode first; there is only
// ever one Interactive process.
func (s *Supervisor) SetActive(name string) error {
	s.mu.Lock()
	if _, ok := s.regs[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	var others []*ManagedProcess
	for n, reg := range s.regs {
		if n == name || reg.proc == nil {
			continue
		}
		others = append(others, reg.proc)
	}
	s.active = name
	s.mu.Unlock()

	for _, proc := range others {
		if proc.State() == StateInteractive {
			proc.ExitInteractive()
		}
	}
	return nil
}

// ResetSession clears the resume hint for a tool: the next respawn starts a
// fresh conversation instead of reopening the prior one.
func (s *Supervisor) ResetSession(name string) error {
	s.mu.Lock()
	reg, ok := s.regs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	reg.ranOnce = false
	proc := reg.proc
	s.mu.Unlock()

	if proc != nil {
		proc.resetExchanged()
	}
	s.logger.Info("session reset", zap.String("tool", name))
	return nil
}

// Send routes a command to the named tool and returns the sanitized
// response.
func (s *Supervisor) Send(ctx context.Context, name, command string) (string, error) {
	ctx, span := tracing.TraceSend(ctx, name, len(command))
	defer span.End()

	proc, err := s.Get(name)
	if err != nil {
		tracing.RecordResult(span, err)
		return "", err
	}
	response, err := proc.Send(ctx, command)
	tracing.RecordResult(span, err)
	return response, err
}

// StopAll stops every running process in parallel and clears the registry.
// Tools that exited non-zero are reported, distinct from clean shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*ManagedProcess, 0, len(s.regs))
	for _, reg := range s.regs {
		if reg.proc != nil {
			procs = append(procs, reg.proc)
		}
	}
	s.regs = make(map[string]*registration)
	s.order = nil
	s.active = ""
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, proc := range procs {
		proc := proc
		g.Go(func() error {
			alreadyDead := proc.State() == StateDead
			if err := proc.Stop(gctx); err != nil {
				return fmt.Errorf("failed to stop %s: %w", proc.Name(), err)
			}
			code, sig := proc.ExitInfo()
			if !alreadyDead && (code != 0 || sig != "") {
				s.logger.Warn("tool exited abnormally on shutdown",
					zap.String("tool", proc.DisplayName()),
					zap.Int("exit_code", code),
					zap.String("signal", sig))
			}
			return nil
		})
	}
	err := g.Wait()

	if s.outputSub != nil {
		_ = s.outputSub.Unsubscribe()
	}
	return err
}
