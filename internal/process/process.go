// Package process supervises interactive CLI programs behind pseudo-terminals.
//
// A ManagedProcess wraps one PTY-backed program for its whole lifetime: it
// spawns the program, answers terminal probes while no real terminal is
// attached, captures output in the background, and infers when the program has
// finished responding to a command by watching for output silence.
//
// Lifecycle:
//  1. Start() - spawns the program in a PTY, waits for readiness
//  2. Send()  - writes a command, captures output until the idle timer fires
//  3. EnterInteractive()/ExitInteractive() - hand the PTY to a real terminal
//  4. Stop() - SIGTERM, escalating to SIGKILL after 2s
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolmux/toolmux/internal/common/logger"
	"github.com/toolmux/toolmux/internal/events"
)

// State is the lifecycle state of a managed process.
type State string

const (
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateBusy        State = "busy"
	StateInteractive State = "interactive"
	StateDead        State = "dead"
)

const (
	defaultResponseTimeout = 5 * time.Second
	defaultStartupTimeout  = 30 * time.Second
	defaultReadyGrace      = 2 * time.Second
	defaultCols            = 120
	defaultRows            = 40
)

// LaunchSpec describes how to spawn and supervise one tool.
type LaunchSpec struct {
	Name            string            // Registry key, unique per supervisor
	DisplayName     string            // Human-readable name used in relayed messages
	Command         string            // Executable to run
	Args            []string          // Arguments passed on every launch
	WorkingDir      string            // Working directory (defaults to current dir)
	Env             map[string]string // Extra environment, merged over the parent env
	PromptPattern   string            // Regexp marking readiness / response completion
	ResponseTimeout time.Duration     // Output silence that ends a response
	StartupTimeout  time.Duration     // Max wait for readiness after spawn
	ResumeArgs      []string          // Extra args appended when relaunching a prior session
	Cols            int               // PTY columns
	Rows            int               // PTY rows
}

// sendResult carries the outcome of one Send back to the waiting caller.
type sendResult struct {
	response string
	err      error
}

// pendingSend tracks a command awaiting its response. The result channel is
// resolved exactly once, by the idle timer, a prompt match, or process death.
type pendingSend struct {
	capture *captureBuffer
	done    chan sendResult
	once    sync.Once
}

func (p *pendingSend) resolve(res sendResult) {
	p.once.Do(func() {
		p.done <- res
		close(p.done)
	})
}

// ManagedProcess supervises a single PTY-wrapped interactive program.
//
// Thread-safe: all public methods can be called concurrently.
type ManagedProcess struct {
	spec      LaunchSpec
	logger    *logger.Logger
	bus       events.Bus
	sanitizer Sanitizer

	promptPattern   *regexp.Regexp
	responseTimeout time.Duration
	startupTimeout  time.Duration

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	ptmx  PtyHandle

	// Response-completion idle timer, re-armed on every output chunk.
	idleTimerMu sync.Mutex
	idleTimer   *time.Timer

	pendingMu sync.Mutex
	pending   *pendingSend

	// interactive suppresses synthetic terminal replies and completion
	// inference while a real terminal owns the PTY.
	interactive bool

	// exchanged is set once the process has completed a real exchange: a
	// finished Send or an interactive session. It gates resuming the
	// conversation on respawn.
	exchanged bool

	readyCh   chan struct{}
	readyOnce sync.Once

	exitCode   int
	exitSignal string

	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{}
}

// NewManagedProcess creates a supervised process from a launch spec. The
// process is not spawned until Start is called.
func NewManagedProcess(spec LaunchSpec, sanitizer Sanitizer, bus events.Bus, log *logger.Logger) (*ManagedProcess, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required for tool %q", spec.Name)
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}

	var promptPattern *regexp.Regexp
	if spec.PromptPattern != "" {
		var compileErr error
		promptPattern, compileErr = regexp.Compile(spec.PromptPattern)
		if compileErr != nil {
			return nil, fmt.Errorf("invalid prompt pattern for tool %q: %w", spec.Name, compileErr)
		}
	}

	responseTimeout := spec.ResponseTimeout
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	startupTimeout := spec.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = defaultStartupTimeout
	}
	if sanitizer == nil {
		sanitizer = ANSISanitizer{}
	}

	return &ManagedProcess{
		spec:            spec,
		logger:          log.WithTool(spec.Name),
		bus:             bus,
		sanitizer:       sanitizer,
		promptPattern:   promptPattern,
		responseTimeout: responseTimeout,
		startupTimeout:  startupTimeout,
		state:           StateStarting,
		readyCh:         make(chan struct{}),
		stopSignal:      make(chan struct{}),
		waitDone:        make(chan struct{}),
	}, nil
}

// Name returns the registry key for this process.
func (p *ManagedProcess) Name() string { return p.spec.Name }

// DisplayName returns the human-readable name used when relaying output.
func (p *ManagedProcess) DisplayName() string { return p.spec.DisplayName }

// Sanitize runs raw output through this tool's configured sanitizer.
func (p *ManagedProcess) Sanitize(raw string) string { return p.sanitizer.Sanitize(raw) }

// State returns the current lifecycle state.
func (p *ManagedProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitInfo returns the exit code and signal name once the process is dead.
func (p *ManagedProcess) ExitInfo() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitSignal
}

// Exchanged reports whether at least one exchange completed: a finished Send
// or an interactive session. The flag survives process death so the
// supervisor can decide whether a respawn should resume the conversation.
func (p *ManagedProcess) Exchanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanged
}

func (p *ManagedProcess) markExchanged() {
	p.mu.Lock()
	p.exchanged = true
	p.mu.Unlock()
}

func (p *ManagedProcess) resetExchanged() {
	p.mu.Lock()
	p.exchanged = false
	p.mu.Unlock()
}

// Start spawns the program in a PTY and blocks until it is ready for input or
// the startup timeout expires. With resume set, the launch spec's ResumeArgs are
// appended so tools that support it reopen their previous conversation.
func (p *ManagedProcess) Start(ctx context.Context, resume bool) error {
	args := p.spec.Args
	if resume && len(p.spec.ResumeArgs) > 0 {
		args = append(append([]string{}, args...), p.spec.ResumeArgs...)
	}

	// Background lifecycle: the process lives beyond this call and is torn
	// down by Stop(), not by context cancellation.
	cmd := exec.Command(p.spec.Command, args...)
	if p.spec.WorkingDir != "" {
		cmd.Dir = p.spec.WorkingDir
	}
	cmd.Env = mergeEnv(p.spec.Env)

	cols := p.spec.Cols
	if cols <= 0 {
		cols = defaultCols
	}
	rows := p.spec.Rows
	if rows <= 0 {
		rows = defaultRows
	}

	ptmx, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return &StartupError{Tool: p.spec.Name, Err: fmt.Errorf("failed to start pty: %w", err)}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.ptmx = ptmx
	p.mu.Unlock()

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	p.logger.Info("process started",
		zap.String("command", p.spec.Command),
		zap.Strings("args", args),
		zap.Int("pid", pid),
		zap.Bool("resume", resume),
	)

	go p.readLoop()
	go p.wait()

	// Without a prompt pattern, readiness is a settle period: the grace timer
	// starts now and is re-armed by output, so both silent programs and ones
	// that print a banner become ready once quiet.
	if p.promptPattern == nil {
		p.armReadyGrace()
	}

	return p.awaitReady(ctx)
}

// awaitReady blocks until readiness, process death, or the startup timeout.
func (p *ManagedProcess) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.startupTimeout)
	defer timer.Stop()

	select {
	case <-p.readyCh:
		return nil
	case <-p.waitDone:
		code, sig := p.ExitInfo()
		return &StartupError{
			Tool: p.spec.Name,
			Err:  &ProcessExitedError{Tool: p.spec.Name, ExitCode: code, Signal: sig},
		}
	case <-timer.C:
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
		return &StartupError{
			Tool: p.spec.Name,
			Err:  fmt.Errorf("not ready after %s", p.startupTimeout),
		}
	case <-ctx.Done():
		return &StartupError{Tool: p.spec.Name, Err: ctx.Err()}
	}
}

// markReady transitions Starting -> Ready. Safe to call more than once.
func (p *ManagedProcess) markReady() {
	p.readyOnce.Do(func() {
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateReady
		}
		p.mu.Unlock()
		close(p.readyCh)
		p.logger.Info("process ready")
		p.publishState(StateReady)
	})
}

// Send writes a command to the program and returns the sanitized output
// captured between the write and the inferred completion of the response.
// Only one Send runs at a time; callers racing a busy or attached process get
// ErrNotReady. A context expiring mid-response abandons the wait, but the
// process stays Busy until the response reaches its idle boundary.
func (p *ManagedProcess) Send(ctx context.Context, command string) (string, error) {
	p.mu.Lock()
	if p.state != StateReady {
		state := p.state
		p.mu.Unlock()
		if state == StateDead {
			code, sig := p.exitCode, p.exitSignal
			return "", &ProcessExitedError{Tool: p.spec.Name, ExitCode: code, Signal: sig}
		}
		return "", fmt.Errorf("%w: tool %s is %s", ErrNotReady, p.spec.Name, state)
	}
	p.state = StateBusy
	ptmx := p.ptmx
	p.mu.Unlock()
	p.publishState(StateBusy)

	pending := &pendingSend{
		capture: newCaptureBuffer(0),
		done:    make(chan sendResult, 1),
	}
	p.pendingMu.Lock()
	p.pending = pending
	p.pendingMu.Unlock()

	// In raw mode Enter is CR, and line-mode programs accept it too.
	if _, err := ptmx.Write([]byte(command + "\r")); err != nil {
		p.clearPending()
		p.setStateIf(StateBusy, StateReady)
		return "", &ChannelIOError{Tool: p.spec.Name, Op: "write", Err: err}
	}
	p.resetIdleTimer()

	p.logger.Debug("command sent", zap.Int("bytes", len(command)))

	select {
	case res := <-pending.done:
		p.clearPending()
		p.setStateIf(StateBusy, StateReady)
		return res.response, res.err
	case <-ctx.Done():
		// The caller gives up, but the response may still be streaming.
		// Hold Busy and keep capturing until the idle boundary so the next
		// Send cannot interleave with the tail of this one.
		go func() {
			<-pending.done
			p.clearPending()
			p.setStateIf(StateBusy, StateReady)
		}()
		return "", ctx.Err()
	}
}

// Write passes raw bytes straight to the PTY. Used by an attached terminal;
// no completion inference happens on this path.
func (p *ManagedProcess) Write(data []byte) error {
	p.mu.Lock()
	ptmx := p.ptmx
	dead := p.state == StateDead
	p.mu.Unlock()

	if dead || ptmx == nil {
		code, sig := p.ExitInfo()
		return &ProcessExitedError{Tool: p.spec.Name, ExitCode: code, Signal: sig}
	}
	if _, err := ptmx.Write(data); err != nil {
		return &ChannelIOError{Tool: p.spec.Name, Op: "write", Err: err}
	}
	return nil
}

// Resize changes the PTY dimensions.
func (p *ManagedProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("%w: tool %s has no pty", ErrNotReady, p.spec.Name)
	}
	if err := ptmx.Resize(cols, rows); err != nil {
		return &ChannelIOError{Tool: p.spec.Name, Op: "resize", Err: err}
	}
	return nil
}

// EnterInteractive hands the PTY to a real terminal: synthetic terminal
// replies and response inference are suspended until ExitInteractive.
func (p *ManagedProcess) EnterInteractive() error {
	p.mu.Lock()
	switch p.state {
	case StateReady, StateBusy:
	case StateDead:
		code, sig := p.exitCode, p.exitSignal
		p.mu.Unlock()
		return &ProcessExitedError{Tool: p.spec.Name, ExitCode: code, Signal: sig}
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: tool %s is %s", ErrNotReady, p.spec.Name, state)
	}
	p.state = StateInteractive
	p.interactive = true
	p.mu.Unlock()

	// A pending Send loses the PTY to the terminal; fail it rather than let
	// the caller hang.
	p.pendingMu.Lock()
	if p.pending != nil {
		p.pending.resolve(sendResult{err: fmt.Errorf("%w: terminal attached during response", ErrAttachActive)})
		p.pending = nil
	}
	p.pendingMu.Unlock()
	p.stopIdleTimer()

	p.publishState(StateInteractive)
	return nil
}

// ExitInteractive returns the PTY to supervised mode. Leaving an interactive
// session counts as an exchange.
func (p *ManagedProcess) ExitInteractive() {
	p.mu.Lock()
	if p.state == StateInteractive {
		p.state = StateReady
		p.exchanged = true
	}
	p.interactive = false
	p.mu.Unlock()
	p.publishState(StateReady)
}

// Stop terminates the process: SIGTERM first, SIGKILL if it has not exited
// after two seconds. Safe to call more than once.
func (p *ManagedProcess) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopSignal)
	})

	p.stopIdleTimer()

	p.mu.Lock()
	ptmx := p.ptmx
	cmd := p.cmd
	p.mu.Unlock()

	// Closing the PTY delivers SIGHUP to the foreground process group.
	if ptmx != nil {
		_ = ptmx.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = terminateProcess(cmd.Process)

		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
		case <-p.waitDone:
			return nil
		}
	}

	select {
	case <-p.waitDone:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// Done is closed when the underlying process has exited and been reaped.
func (p *ManagedProcess) Done() <-chan struct{} { return p.waitDone }

func (p *ManagedProcess) readLoop() {
	buf := make([]byte, 32768) // 32KB buffer for better throughput
	recentOutput := ""         // Keep recent output for prompt pattern matching

	for {
		select {
		case <-p.stopSignal:
			p.logger.Debug("readLoop: stop signal received")
			return
		default:
		}

		p.mu.Lock()
		ptmx := p.ptmx
		p.mu.Unlock()

		if ptmx == nil {
			p.logger.Debug("readLoop: pty is nil, exiting")
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			recentOutput = p.handleOutput(ptmx, buf[:n], recentOutput)
		}
		if err != nil {
			p.logger.Debug("output read ended", zap.Error(err))
			return
		}
	}
}

// handleOutput processes one chunk read from the PTY: it answers terminal
// probes, feeds the pending capture, publishes the chunk, and advances the
// prompt-pattern window. Returns the updated window.
func (p *ManagedProcess) handleOutput(ptmx PtyHandle, data []byte, recentOutput string) string {
	p.mu.Lock()
	interactive := p.interactive
	p.mu.Unlock()

	// Some CLIs probe for a terminal on startup (cursor position with \e[6n,
	// device attributes with \e[c) and hang without an answer. Reply only
	// while no real terminal is attached; an attached terminal answers for
	// itself.
	if !interactive {
		p.respondToTerminalQueries(ptmx, data)
	}

	p.pendingMu.Lock()
	pending := p.pending
	p.pendingMu.Unlock()
	if pending != nil {
		pending.capture.append(data)
	}

	p.publishOutput(data)

	recentOutput = updateRecentOutput(recentOutput, string(data))

	if !interactive {
		// Prompt reappearing means the response is complete; otherwise the
		// idle timer decides.
		if p.promptPattern != nil && p.promptPattern.MatchString(recentOutput) {
			p.markReady()
			if pending != nil {
				p.stopIdleTimer()
				p.completePending(pending)
			}
			recentOutput = ""
		} else if pending != nil {
			p.resetIdleTimer()
		} else if p.promptPattern == nil {
			// No prompt pattern: treat sustained output followed by silence
			// as readiness.
			p.armReadyGrace()
		}
	}

	return recentOutput
}

// respondToTerminalQueries sends synthetic terminal responses (DSR/DA1) to the
// PTY while no real terminal is connected.
func (p *ManagedProcess) respondToTerminalQueries(ptmx PtyHandle, data []byte) {
	if containsDSRQuery(data) {
		if _, err := ptmx.Write([]byte(dsrReply)); err != nil {
			p.logger.Debug("failed to respond to cursor position query", zap.Error(err))
		} else {
			p.logger.Debug("responded to cursor position query")
		}
	}
	if containsDA1Query(data) {
		if _, err := ptmx.Write([]byte(da1Reply)); err != nil {
			p.logger.Debug("failed to respond to device attributes query", zap.Error(err))
		}
	}
}

func (p *ManagedProcess) publishOutput(data []byte) {
	if p.bus == nil {
		return
	}
	ev := events.NewOutputEvent(p.spec.Name, data)
	if err := p.bus.Publish(context.Background(), events.Subject(p.spec.Name, events.KindOutput), ev); err != nil {
		p.logger.Debug("output publish failed", zap.Error(err))
	}
}

func (p *ManagedProcess) publishState(state State) {
	if p.bus == nil {
		return
	}
	ev := events.NewStateEvent(p.spec.Name, string(state))
	if err := p.bus.Publish(context.Background(), events.Subject(p.spec.Name, events.KindState), ev); err != nil {
		p.logger.Debug("state publish failed", zap.Error(err))
	}
}

// resetIdleTimer re-arms the silence timer that marks a response complete.
func (p *ManagedProcess) resetIdleTimer() {
	p.idleTimerMu.Lock()
	defer p.idleTimerMu.Unlock()

	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.responseTimeout, p.onIdle)
}

func (p *ManagedProcess) stopIdleTimer() {
	p.idleTimerMu.Lock()
	defer p.idleTimerMu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// onIdle fires when the program has been silent for the response timeout.
func (p *ManagedProcess) onIdle() {
	p.markReady()

	p.pendingMu.Lock()
	pending := p.pending
	p.pendingMu.Unlock()
	if pending != nil {
		p.completePending(pending)
	}
}

// armReadyGrace schedules readiness a short settle period after output when
// no prompt pattern is configured.
func (p *ManagedProcess) armReadyGrace() {
	select {
	case <-p.readyCh:
		return
	default:
	}
	p.idleTimerMu.Lock()
	defer p.idleTimerMu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(defaultReadyGrace, p.markReady)
}

// completePending resolves the in-flight Send with the sanitized capture.
func (p *ManagedProcess) completePending(pending *pendingSend) {
	raw := pending.capture.combined()
	p.markExchanged()
	pending.resolve(sendResult{response: p.sanitizer.Sanitize(raw)})
	p.logger.Debug("response complete", zap.Int("raw_bytes", len(raw)))
}

func (p *ManagedProcess) clearPending() {
	p.pendingMu.Lock()
	p.pending = nil
	p.pendingMu.Unlock()
	p.stopIdleTimer()
}

func (p *ManagedProcess) setStateIf(from, to State) {
	p.mu.Lock()
	changed := p.state == from
	if changed {
		p.state = to
	}
	p.mu.Unlock()
	if changed {
		p.publishState(to)
	}
}

// wait blocks until the process exits and then publishes the exit.
// cmd.Wait() is intentionally blocking: it must reap the process, and stuck
// processes are handled by Stop() with its SIGTERM/SIGKILL escalation.
func (p *ManagedProcess) wait() {
	p.mu.Lock()
	cmd := p.cmd
	ptmx := p.ptmx
	p.mu.Unlock()

	exitCode, signalName, err := waitPtyProcess(cmd, ptmx)

	p.logger.Info("process exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName),
		zap.Error(err),
	)

	p.stopIdleTimer()

	p.mu.Lock()
	p.state = StateDead
	p.exitCode = exitCode
	p.exitSignal = signalName
	if p.ptmx != nil {
		_ = p.ptmx.Close()
		p.ptmx = nil
	}
	p.mu.Unlock()

	// A caller blocked in Send must not hang on a dead process.
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = nil
	p.pendingMu.Unlock()
	if pending != nil {
		pending.resolve(sendResult{err: &ProcessExitedError{
			Tool:     p.spec.Name,
			ExitCode: exitCode,
			Signal:   signalName,
		}})
	}

	close(p.waitDone)

	if p.bus != nil {
		ev := events.NewExitEvent(p.spec.Name, exitCode, signalName)
		_ = p.bus.Publish(context.Background(), events.Subject(p.spec.Name, events.KindExit), ev)
	}
	p.publishState(StateDead)
}

// updateRecentOutput appends new output to the rolling 1KB window used for
// prompt pattern matching, trimming the oldest data to stay within the limit.
func updateRecentOutput(recentOutput, dataStr string) string {
	maxSize := 1024
	if len(recentOutput)+len(dataStr) > maxSize {
		keepFromExisting := maxSize - len(dataStr)
		if keepFromExisting < 0 {
			keepFromExisting = 0
		}
		if keepFromExisting > 0 && len(recentOutput) > keepFromExisting {
			recentOutput = recentOutput[len(recentOutput)-keepFromExisting:]
		} else if keepFromExisting == 0 {
			recentOutput = ""
		}
	}
	recentOutput += dataStr
	if len(recentOutput) > maxSize {
		recentOutput = recentOutput[len(recentOutput)-maxSize:]
	}
	return recentOutput
}

// mergeEnv merges extra variables over the parent environment.
func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(env))

	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key := entry[:eq]
			// Supervisor config variables are not the tool's business.
			if strings.HasPrefix(key, "TOOLMUX_") {
				continue
			}
			base[key] = entry[eq+1:]
		}
	}

	for k, v := range env {
		base[k] = v
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
