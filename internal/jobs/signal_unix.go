//go:build unix

package jobs

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func signalName(err *exec.ExitError) string {
	ws, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "signal"
	}
	return unix.SignalName(ws.Signal())
}
