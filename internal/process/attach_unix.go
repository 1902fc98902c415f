//go:build !windows

package process

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyResize subscribes ch to terminal size changes.
func notifyResize(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGWINCH)
}
