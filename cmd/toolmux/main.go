// Package main is the entry point for the toolmux binary.
// toolmux keeps interactive AI CLI tools running behind pseudo-terminals,
// lets one real terminal attach to any of them, and relays responses
// between tools.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/toolmux/toolmux/internal/common/config"
	"github.com/toolmux/toolmux/internal/common/logger"
	"github.com/toolmux/toolmux/internal/events"
	"github.com/toolmux/toolmux/internal/process"
	"github.com/toolmux/toolmux/internal/relay"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "directory containing toolmux.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if len(cfg.Tools) == 0 {
		fmt.Fprintln(os.Stderr, "no tools configured; add a tools section to toolmux.yaml")
		os.Exit(1)
	}

	log.Info("starting toolmux",
		zap.Int("tools", len(cfg.Tools)),
		zap.String("history", cfg.History.Path))

	store, err := session.NewStore(cfg.History.Path)
	if err != nil {
		log.Fatal("failed to open conversation log", zap.Error(err))
	}
	defer store.Close()

	bus := events.NewMemoryBus(log)
	defer bus.Close()

	sup, err := process.NewSupervisor(bus, log)
	if err != nil {
		log.Fatal("failed to create supervisor", zap.Error(err))
	}

	for _, tc := range cfg.Tools {
		spec := process.LaunchSpec{
			Name:            tc.Name,
			DisplayName:     tc.DisplayName,
			Command:         tc.Command,
			Args:            tc.Args,
			WorkingDir:      tc.WorkingDir,
			Env:             tc.Env,
			PromptPattern:   tc.PromptPattern,
			ResponseTimeout: tc.ResponseTimeout,
			StartupTimeout:  tc.StartupTimeout,
			ResumeArgs:      tc.ResumeArgs,
			Cols:            tc.Cols,
			Rows:            tc.Rows,
		}
		sanitizer := process.SanitizerFor(tc.Sanitizer, tc.Cols, tc.Rows)
		if err := sup.Register(spec, sanitizer); err != nil {
			log.Fatal("failed to register tool",
				zap.String("tool", tc.Name),
				zap.Error(err))
		}
	}

	att := process.NewAttacher(sup, store, bus, log)
	fwd := relay.New(sup, store, log)

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := sup.StartAll(startCtx); err != nil {
		// Individual failures are already logged; keep going with what started.
		log.Warn("some tools failed to start", zap.Error(err))
	}
	startCancel()

	runControlLoop(sup, att, fwd)

	log.Info("shutting down toolmux...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.StopAll(shutdownCtx); err != nil {
		log.Error("error stopping tools", zap.Error(err))
	}
	tracing.Shutdown(shutdownCtx)
	log.Info("toolmux stopped")
}

// runControlLoop reads commands from the terminal until quit or a signal.
// The attacher owns stdin; line input and attach sessions share its stream.
func runControlLoop(sup *process.Supervisor, att *process.Attacher, fwd *relay.Relay) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	att.Start()
	// Background output from the active tool flows to the terminal; the
	// attacher suspends this sink while an attach session owns the screen.
	sup.SetDisplay(func(data []byte) {
		_, _ = os.Stdout.Write(data)
	})
	fmt.Printf("toolmux ready. tools: %s. type 'help' for commands.\n",
		strings.Join(sup.Names(), ", "))
	fmt.Print("> ")

	var pending bytes.Buffer
	for {
		select {
		case <-quit:
			fmt.Println()
			return
		case chunk, ok := <-att.Input():
			if !ok {
				return
			}
			pending.Write(chunk)
			for {
				line, rest, found := cutLine(pending.Bytes())
				if !found {
					break
				}
				pending.Reset()
				pending.Write(rest)
				if done := runCommand(strings.TrimSpace(line), sup, att, fwd); done {
					return
				}
				fmt.Print("> ")
			}
		}
	}
}

// cutLine splits buffered input at the first newline.
func cutLine(buf []byte) (line string, rest []byte, found bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return "", nil, false
	}
	return strings.TrimRight(string(buf[:i]), "\r"), append([]byte{}, buf[i+1:]...), true
}

// runCommand executes one control command. Returns true to exit the loop.
func runCommand(line string, sup *process.Supervisor, att *process.Attacher, fwd *relay.Relay) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "tools":
		for _, name := range sup.Names() {
			state := "not started"
			if proc, err := sup.Get(name); err == nil {
				state = string(proc.State())
			}
			marker := " "
			if name == sup.Active() {
				marker = "*"
			}
			fmt.Printf(" %s %-12s %s\n", marker, name, state)
		}
	case "use":
		if len(args) != 1 {
			fmt.Println("usage: use <tool>")
			return false
		}
		if err := sup.SetActive(args[0]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "start":
		if len(args) != 1 {
			fmt.Println("usage: start <tool>")
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := sup.StartOne(ctx, args[0]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "send":
		if len(args) < 2 {
			fmt.Println("usage: send <tool> <text>")
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		response, err := sup.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println(response)
	case "attach":
		tool := sup.Active()
		if len(args) == 1 {
			tool = args[0]
		}
		if tool == "" {
			fmt.Println("usage: attach <tool>")
			return false
		}
		fmt.Printf("attaching to %s (Ctrl-] to detach)\n", tool)
		err := att.Attach(context.Background(), tool)
		var exitErr *process.ProcessExitedError
		switch {
		case errors.As(err, &exitErr):
			fmt.Printf("\n%s exited with code %d\n", tool, exitErr.ExitCode)
		case err != nil:
			fmt.Printf("error: %v\n", err)
		default:
			fmt.Printf("\ndetached from %s\n", tool)
		}
	case "reset":
		if len(args) != 1 {
			fmt.Println("usage: reset <tool>")
			return false
		}
		if err := sup.ResetSession(args[0]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "forward":
		if len(args) < 2 {
			fmt.Println("usage: forward <from> <to> [context...]")
			return false
		}
		extra := strings.Join(args[2:], " ")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		response, err := fwd.Forward(ctx, args[0], args[1], extra)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println(response)
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Print(`commands:
  tools                       list tools and their states
  use <tool>                  route display output to a tool
  start <tool>                start (or respawn) a tool
  send <tool> <text>          send a command and print the response
  attach [tool]               hand the terminal to a tool (Ctrl-] detaches)
  reset <tool>                forget the resume hint for the next respawn
  forward <from> <to> [ctx]   relay the last response between tools
  quit                        stop all tools and exit
`)
}
