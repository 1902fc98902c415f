package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/toolmux/toolmux/internal/common/logger"
	"github.com/toolmux/toolmux/internal/events"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/tracing"
)

// DetachByte ends an attach session. Ctrl-] is never forwarded to the tool.
const DetachByte = 0x1D

// minCaptureBytes is the smallest sanitized capture worth recording as an
// assistant message; anything shorter is prompt chrome, not a response.
const minCaptureBytes = 10

// Attacher connects the real terminal to one managed process at a time.
//
// The attacher owns stdin for the life of the program: a single reader
// goroutine feeds chunks into Input(), which the control loop consumes in
// line mode and Attach consumes in raw mode. One reader means attach and the
// control loop never race for keystrokes.
type Attacher struct {
	sup    *Supervisor
	store  session.Store
	bus    events.Bus
	logger *logger.Logger

	in  *os.File
	out io.Writer

	input     chan []byte
	startOnce sync.Once

	mu       sync.Mutex
	attached bool
}

// NewAttacher creates an attacher bound to the real terminal. store may be
// nil, in which case captures are not persisted.
func NewAttacher(sup *Supervisor, store session.Store, bus events.Bus, log *logger.Logger) *Attacher {
	return &Attacher{
		sup:    sup,
		store:  store,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "attacher")),
		in:     os.Stdin,
		out:    os.Stdout,
		input:  make(chan []byte, 8),
	}
}

// Start launches the stdin reader. Input() delivers nothing until Start is
// called; the channel is closed when stdin reaches EOF.
func (a *Attacher) Start() {
	a.startOnce.Do(func() {
		go a.readInput()
	})
}

// Input returns the stream of stdin chunks for consumers outside an attach
// session (the control loop).
func (a *Attacher) Input() <-chan []byte {
	return a.input
}

func (a *Attacher) readInput() {
	defer close(a.input)
	buf := make([]byte, 4096)
	for {
		n, err := a.in.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.input <- chunk
		}
		if err != nil {
			a.logger.Debug("stdin read ended", zap.Error(err))
			return
		}
	}
}

// Attach hands the real terminal to the named tool until the user presses
// Ctrl-] or the process exits. Keystrokes go to the tool's pty, pty output
// goes to the terminal and to a capture buffer; on detach the sanitized
// capture is recorded as the tool's latest response.
//
// Only one attach session can run at a time; a second request fails with
// ErrAttachActive.
func (a *Attacher) Attach(ctx context.Context, tool string) (err error) {
	ctx, span := tracing.TraceAttach(ctx, tool)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	a.mu.Lock()
	if a.attached {
		a.mu.Unlock()
		return fmt.Errorf("%w: another attach session is running", ErrAttachActive)
	}
	a.attached = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.attached = false
		a.mu.Unlock()
	}()

	proc, err := a.sup.Get(tool)
	if err != nil {
		return err
	}
	if err := a.sup.SetActive(tool); err != nil {
		return err
	}
	if err := proc.EnterInteractive(); err != nil {
		return err
	}

	// The session owns the terminal; the supervisor's display sink stays
	// quiet until detach so output is not written twice.
	resumeDisplay := a.sup.suspendDisplay()
	defer resumeDisplay()

	// Raw mode, restored on every exit path. Skipped when stdin is not a
	// terminal (tests, pipes).
	fd := int(a.in.Fd())
	var rawState *term.State
	if term.IsTerminal(fd) {
		rawState, err = term.MakeRaw(fd)
		if err != nil {
			proc.ExitInteractive()
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
	}
	restore := func() {
		if rawState != nil {
			_ = term.Restore(fd, rawState)
		}
	}
	defer restore()

	// Match the pty to the terminal now and on every SIGWINCH.
	a.syncSize(fd, proc)
	winch := make(chan os.Signal, 1)
	notifyResize(winch)
	defer signal.Stop(winch)

	capture := newCaptureBuffer(0)
	sub, err := a.bus.Subscribe(events.Subject(tool, events.KindOutput), func(_ context.Context, ev *events.Event) error {
		capture.append(ev.Data)
		if _, werr := a.out.Write(ev.Data); werr != nil {
			return werr
		}
		return nil
	})
	if err != nil {
		proc.ExitInteractive()
		return fmt.Errorf("failed to subscribe to output: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	a.logger.Info("attached", zap.String("tool", tool))

	for {
		select {
		case chunk, ok := <-a.input:
			if !ok {
				// stdin closed: treat as detach
				return a.finishDetach(tool, proc, capture)
			}
			data, detach := splitDetach(chunk)
			if len(data) > 0 {
				if werr := proc.Write(data); werr != nil {
					restore()
					proc.ExitInteractive()
					return werr
				}
			}
			if detach {
				return a.finishDetach(tool, proc, capture)
			}
		case <-winch:
			a.syncSize(fd, proc)
		case <-proc.Done():
			// Process died under the terminal: restore without recording.
			restore()
			code, sig := proc.ExitInfo()
			a.logger.Info("process exited while attached",
				zap.String("tool", tool),
				zap.Int("exit_code", code),
				zap.String("signal", sig))
			return &ProcessExitedError{Tool: tool, ExitCode: code, Signal: sig}
		case <-ctx.Done():
			return a.finishDetach(tool, proc, capture)
		}
	}
}

// finishDetach returns the process to supervised mode and records the
// session's sanitized capture when it is substantial enough to be a response.
func (a *Attacher) finishDetach(tool string, proc *ManagedProcess, capture *captureBuffer) error {
	proc.ExitInteractive()

	sanitized := proc.Sanitize(capture.combined())
	a.logger.Info("detached",
		zap.String("tool", tool),
		zap.Int64("captured_bytes", capture.len()),
		zap.Int("sanitized_bytes", len(sanitized)))

	if a.store == nil || len(sanitized) < minCaptureBytes {
		return nil
	}
	// The attach context may already be cancelled; the save gets its own
	// deadline so a detach never loses the capture.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := session.NewMessage(session.RoleAssistant, tool, sanitized)
	if err := a.store.Append(saveCtx, msg); err != nil {
		a.logger.Error("failed to record attach capture",
			zap.String("tool", tool),
			zap.Error(err))
		return fmt.Errorf("failed to record capture: %w", err)
	}
	return nil
}

func (a *Attacher) syncSize(fd int, proc *ManagedProcess) {
	if !term.IsTerminal(fd) {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	if err := proc.Resize(uint16(cols), uint16(rows)); err != nil {
		a.logger.Debug("resize failed", zap.Error(err))
	}
}

// splitDetach returns the bytes preceding the detach byte and whether it was
// present. Bytes after it are discarded; the detach byte itself is never
// forwarded.
func splitDetach(data []byte) ([]byte, bool) {
	if i := bytes.IndexByte(data, DetachByte); i >= 0 {
		return data[:i], true
	}
	return data, false
}
