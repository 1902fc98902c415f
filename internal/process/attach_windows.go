//go:build windows

package process

import "os"

// notifyResize is a no-op on Windows; ConPTY has no SIGWINCH equivalent and
// resizes are driven by explicit Resize calls.
func notifyResize(_ chan<- os.Signal) {}
