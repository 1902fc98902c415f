package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toolmux/toolmux/internal/common/logger"
	"github.com/toolmux/toolmux/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func startTestProcess(t *testing.T, spec LaunchSpec, bus events.Bus) *ManagedProcess {
	t.Helper()
	proc, err := NewManagedProcess(spec, ANSISanitizer{}, bus, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := proc.Start(ctx, false); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = proc.Stop(stopCtx)
	})
	return proc
}

func TestNewManagedProcessValidation(t *testing.T) {
	log := newTestLogger(t)

	if _, err := NewManagedProcess(LaunchSpec{Command: "cat"}, nil, nil, log); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := NewManagedProcess(LaunchSpec{Name: "x"}, nil, nil, log); err == nil {
		t.Error("expected error for missing command")
	}
	if _, err := NewManagedProcess(LaunchSpec{Name: "x", Command: "cat", PromptPattern: "("}, nil, nil, log); err == nil {
		t.Error("expected error for invalid prompt pattern")
	}
}

func TestStartFailsForMissingBinary(t *testing.T) {
	proc, err := NewManagedProcess(LaunchSpec{
		Name:    "ghost",
		Command: "/nonexistent/definitely-not-a-binary",
	}, nil, nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed to create process: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = proc.Start(ctx, false)
	var startupErr *StartupError
	if !errors.As(err, &startupErr) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if startupErr.Tool != "ghost" {
		t.Errorf("expected tool ghost in error, got %q", startupErr.Tool)
	}
}

func TestSendCapturesEchoedResponse(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:            "cat",
		Command:         "cat",
		ResponseTimeout: 300 * time.Millisecond,
		StartupTimeout:  10 * time.Second,
	}, nil)

	if got := proc.State(); got != StateReady {
		t.Fatalf("expected ready state, got %s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	response, err := proc.Send(ctx, "hello supervisor")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(response, "hello supervisor") {
		t.Errorf("expected echoed command in response, got %q", response)
	}
	if got := proc.State(); got != StateReady {
		t.Errorf("expected ready state after send, got %s", got)
	}
}

func TestSendRejectedWhileBusy(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:            "cat",
		Command:         "cat",
		ResponseTimeout: 2 * time.Second,
		StartupTimeout:  10 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	firstDone := make(chan error, 1)
	go func() {
		_, err := proc.Send(ctx, "first")
		firstDone <- err
	}()

	// Wait until the first send has claimed the process.
	deadline := time.Now().Add(2 * time.Second)
	for proc.State() != StateBusy && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := proc.Send(ctx, "second"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady for concurrent send, got %v", err)
	}

	if err := <-firstDone; err != nil {
		t.Errorf("first send failed: %v", err)
	}
}

func TestSendReturnsExitErrorWhenProcessDies(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:            "oneshot",
		Command:         "sh",
		Args:            []string{"-c", "read line; exit 3"},
		ResponseTimeout: 10 * time.Second,
		StartupTimeout:  10 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := proc.Send(ctx, "go")
	var exitErr *ProcessExitedError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ProcessExitedError, got %v", err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", exitErr.ExitCode)
	}
}

func TestInteractiveModeBlocksSend(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:            "cat",
		Command:         "cat",
		ResponseTimeout: 300 * time.Millisecond,
		StartupTimeout:  10 * time.Second,
	}, nil)

	if err := proc.EnterInteractive(); err != nil {
		t.Fatalf("enter interactive failed: %v", err)
	}
	if got := proc.State(); got != StateInteractive {
		t.Fatalf("expected interactive state, got %s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := proc.Send(ctx, "blocked"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady while attached, got %v", err)
	}

	proc.ExitInteractive()
	if got := proc.State(); got != StateReady {
		t.Errorf("expected ready state after detach, got %s", got)
	}
}

func TestOutputPublishedToBus(t *testing.T) {
	bus := events.NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan []byte, 64)
	_, err := bus.Subscribe(events.Subject("cat", events.KindOutput), func(_ context.Context, ev *events.Event) error {
		received <- ev.Data
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	proc := startTestProcess(t, LaunchSpec{
		Name:            "cat",
		Command:         "cat",
		ResponseTimeout: 300 * time.Millisecond,
		StartupTimeout:  10 * time.Second,
	}, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := proc.Send(ctx, "ping"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var combined string
	for {
		select {
		case data := <-received:
			combined += string(data)
			if strings.Contains(combined, "ping") {
				return
			}
		case <-deadline:
			t.Fatalf("output event not observed, got %q", combined)
		}
	}
}

func TestStopTerminatesProcess(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:           "cat",
		Command:        "cat",
		StartupTimeout: 10 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after stop")
	}
	if got := proc.State(); got != StateDead {
		t.Errorf("expected dead state, got %s", got)
	}
}

func TestUpdateRecentOutputKeepsWindowBounded(t *testing.T) {
	window := ""
	for i := 0; i < 100; i++ {
		window = updateRecentOutput(window, strings.Repeat("x", 100))
	}
	if len(window) > 1024 {
		t.Errorf("window grew to %d bytes", len(window))
	}

	window = updateRecentOutput("old", "prompt> ")
	if !strings.HasSuffix(window, "prompt> ") {
		t.Errorf("newest data missing from window: %q", window)
	}
}

func TestMergeEnvOverridesAndFilters(t *testing.T) {
	t.Setenv("TOOLMUX_SECRET", "hidden")
	t.Setenv("KEEP_ME", "yes")

	merged := mergeEnv(map[string]string{"EXTRA": "1", "KEEP_ME": "override"})
	got := make(map[string]string, len(merged))
	for _, entry := range merged {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			got[entry[:eq]] = entry[eq+1:]
		}
	}

	if _, ok := got["TOOLMUX_SECRET"]; ok {
		t.Error("TOOLMUX_ variable leaked into child env")
	}
	if got["KEEP_ME"] != "override" {
		t.Errorf("expected override, got %q", got["KEEP_ME"])
	}
	if got["EXTRA"] != "1" {
		t.Errorf("expected extra var, got %q", got["EXTRA"])
	}
}

func TestCaptureBufferEviction(t *testing.T) {
	buffer := newCaptureBuffer(10)
	buffer.append([]byte("hello"))
	buffer.append([]byte("world"))
	buffer.append([]byte("!!!"))

	combined := buffer.combined()
	if strings.Contains(combined, "hello") {
		t.Errorf("expected oldest chunk to be trimmed, got %q", combined)
	}
	if !strings.Contains(combined, "world") {
		t.Errorf("expected newer chunk to remain, got %q", combined)
	}
}

func TestCaptureBufferUnbounded(t *testing.T) {
	buffer := newCaptureBuffer(0)
	for i := 0; i < 100; i++ {
		buffer.append([]byte(strings.Repeat("x", 100)))
	}
	if buffer.len() != 100*100 {
		t.Errorf("unbounded buffer evicted data: %d bytes", buffer.len())
	}
	buffer.reset()
	if buffer.len() != 0 {
		t.Errorf("reset left %d bytes", buffer.len())
	}
}

func TestIdleCompletionSpansOutputGaps(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:            "chunks",
		Command:         "sh",
		Args:            []string{"-c", "read line; printf AAA; sleep 0.2; printf BBB; sleep 0.2; printf CCC; sleep 5"},
		ResponseTimeout: 600 * time.Millisecond,
		StartupTimeout:  10 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	start := time.Now()
	response, err := proc.Send(ctx, "go")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	elapsed := time.Since(start)

	// Gaps shorter than the silence window must not end the response early:
	// one completion, carrying every chunk.
	for _, chunk := range []string{"AAA", "BBB", "CCC"} {
		if !strings.Contains(response, chunk) {
			t.Errorf("response missing chunk %s: %q", chunk, response)
		}
	}
	// Cannot complete before the last chunk (400ms in) plus the window.
	if elapsed < 900*time.Millisecond {
		t.Errorf("completed after %v, before the silence window could elapse", elapsed)
	}
	if got := proc.State(); got != StateReady {
		t.Errorf("expected ready state after completion, got %s", got)
	}
}

func TestExpiredSendKeepsProcessBusyUntilIdle(t *testing.T) {
	proc := startTestProcess(t, LaunchSpec{
		Name:            "slow",
		Command:         "sh",
		Args:            []string{"-c", "read line; printf START; sleep 0.6; printf END; sleep 5"},
		ResponseTimeout: 300 * time.Millisecond,
		StartupTimeout:  10 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := proc.Send(ctx, "go"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// The response is still streaming: a new send must not interleave.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := proc.Send(ctx2, "next"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady while the response drains, got %v", err)
	}

	// Ready comes back once the output goes silent.
	deadline := time.Now().Add(3 * time.Second)
	for proc.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := proc.State(); got != StateReady {
		t.Errorf("expected ready state at the idle boundary, got %s", got)
	}
}
