package process

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/toolmux/toolmux/internal/events"
	"github.com/toolmux/toolmux/internal/session"
)

func TestSplitDetach(t *testing.T) {
	cases := []struct {
		name       string
		data       string
		wantBefore string
		wantFound  bool
	}{
		{"no detach", "hello", "hello", false},
		{"detach only", "\x1d", "", true},
		{"detach mid-chunk", "abc\x1ddef", "abc", true},
		{"detach at end", "abc\x1d", "abc", true},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before, found := splitDetach([]byte(tc.data))
			if string(before) != tc.wantBefore || found != tc.wantFound {
				t.Errorf("splitDetach(%q) = (%q, %v), want (%q, %v)",
					tc.data, before, found, tc.wantBefore, tc.wantFound)
			}
		})
	}
}

type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func newAttachFixture(t *testing.T) (*Attacher, *Supervisor, session.Store, *syncWriter, chan []byte) {
	t.Helper()
	log := newTestLogger(t)
	bus := events.NewMemoryBus(log)
	sup, err := NewSupervisor(bus, log)
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}

	dbx, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	dbx.SetMaxOpenConns(1)
	store, err := session.NewStoreWithDB(dbx)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	att := NewAttacher(sup, store, bus, log)
	out := &syncWriter{}
	input := make(chan []byte, 8)
	att.out = out
	att.input = input

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.StopAll(ctx)
		bus.Close()
		_ = dbx.Close()
	})
	return att, sup, store, out, input
}

func TestAttachForwardsAndRecordsCapture(t *testing.T) {
	att, sup, store, out, input := newAttachFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sup.Register(LaunchSpec{
		Name:           "cat",
		Command:        "cat",
		StartupTimeout: 10 * time.Second,
	}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := sup.StartOne(ctx, "cat"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- att.Attach(ctx, "cat") }()

	// Let the attach loop take the channel before typing.
	time.Sleep(200 * time.Millisecond)
	input <- []byte("hello from terminal\r")
	time.Sleep(500 * time.Millisecond)
	input <- []byte{DetachByte}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("attach failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("attach did not return after detach byte")
	}

	if !strings.Contains(out.String(), "hello from terminal") {
		t.Errorf("terminal output missing echoed input: %q", out.String())
	}

	msg, err := store.LastAssistant(ctx, "cat")
	if err != nil {
		t.Fatalf("capture not recorded: %v", err)
	}
	if !strings.Contains(msg.Content, "hello from terminal") {
		t.Errorf("recorded capture missing content: %q", msg.Content)
	}

	proc, _ := sup.Get("cat")
	if got := proc.State(); got != StateReady {
		t.Errorf("expected ready after detach, got %s", got)
	}
}

func TestAttachSkipsShortCapture(t *testing.T) {
	att, sup, store, _, input := newAttachFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sup.Register(LaunchSpec{
		Name:           "cat",
		Command:        "cat",
		StartupTimeout: 10 * time.Second,
	}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := sup.StartOne(ctx, "cat"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- att.Attach(ctx, "cat") }()

	time.Sleep(200 * time.Millisecond)
	input <- []byte{DetachByte}

	if err := <-done; err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if _, err := store.LastAssistant(ctx, "cat"); !errors.Is(err, session.ErrNoMessages) {
		t.Errorf("expected no recorded capture, got %v", err)
	}
}

func TestAttachRejectsSecondSession(t *testing.T) {
	att, sup, _, _, input := newAttachFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sup.Register(LaunchSpec{
		Name:           "cat",
		Command:        "cat",
		StartupTimeout: 10 * time.Second,
	}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := sup.StartOne(ctx, "cat"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- att.Attach(ctx, "cat") }()
	time.Sleep(200 * time.Millisecond)

	if err := att.Attach(ctx, "cat"); !errors.Is(err, ErrAttachActive) {
		t.Errorf("expected ErrAttachActive for second attach, got %v", err)
	}

	input <- []byte{DetachByte}
	if err := <-done; err != nil {
		t.Fatalf("first attach failed: %v", err)
	}
}

func TestAttachReportsProcessExit(t *testing.T) {
	att, sup, _, _, input := newAttachFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sup.Register(LaunchSpec{
		Name:           "oneshot",
		Command:        "sh",
		Args:           []string{"-c", "read line; exit 7"},
		StartupTimeout: 10 * time.Second,
	}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := sup.StartOne(ctx, "oneshot"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- att.Attach(ctx, "oneshot") }()

	time.Sleep(200 * time.Millisecond)
	input <- []byte("bye\r")

	select {
	case err := <-done:
		var exitErr *ProcessExitedError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected ProcessExitedError, got %v", err)
		}
		if exitErr.ExitCode != 7 {
			t.Errorf("expected exit code 7, got %d", exitErr.ExitCode)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("attach did not return after process exit")
	}
}

func TestAttachFailsForUnstartedTool(t *testing.T) {
	att, sup, _, _, _ := newAttachFixture(t)

	if err := sup.Register(LaunchSpec{Name: "idle", Command: "cat"}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := att.Attach(context.Background(), "idle"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if err := att.Attach(context.Background(), "ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestAttachSuspendsDisplaySink(t *testing.T) {
	att, sup, _, out, input := newAttachFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sup.Register(LaunchSpec{
		Name:           "cat",
		Command:        "cat",
		StartupTimeout: 10 * time.Second,
	}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := sup.StartOne(ctx, "cat"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	sink := &syncWriter{}
	sup.SetDisplay(func(data []byte) {
		_, _ = sink.Write(data)
	})

	done := make(chan error, 1)
	go func() { done <- att.Attach(ctx, "cat") }()

	time.Sleep(200 * time.Millisecond)
	input <- []byte("typed while attached\r")
	time.Sleep(500 * time.Millisecond)
	input <- []byte{DetachByte}
	if err := <-done; err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	// The session's own writer saw the output; the display sink did not.
	if !strings.Contains(out.String(), "typed while attached") {
		t.Errorf("attach writer missing session output: %q", out.String())
	}
	if strings.Contains(sink.String(), "typed while attached") {
		t.Errorf("display sink received output during attach: %q", sink.String())
	}

	// After detach the sink is rebound: background output flows again.
	proc, _ := sup.Get("cat")
	if err := proc.Write([]byte("after detach\r")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(sink.String(), "after detach") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(sink.String(), "after detach") {
		t.Errorf("display sink not restored after detach: %q", sink.String())
	}
}
