//go:build unix

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var terminateSignal os.Signal = syscall.SIGTERM

// signalOf returns the number and name of the signal that killed the
// process, or zero when it exited normally.
func signalOf(state *os.ProcessState) (int, string) {
	if state == nil {
		return 0, ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, ""
	}
	sig := ws.Signal()
	name := unix.SignalName(sig)
	if name == "" {
		name = sig.String()
	}
	return int(sig), name
}
