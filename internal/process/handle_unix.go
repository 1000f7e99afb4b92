//go:build unix

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle is a started worker process.
// It is not safe for concurrent use, except that Detach hands ownership to
// a background goroutine.
type Handle struct {
	cmd *exec.Cmd
	pid int

	exited    bool
	detached  bool
	signalled bool
	status    ExitStatus
}

var _ WaitHandle = (*Handle)(nil)

// Supported reports whether this platform can run isolated workers.
func Supported() bool {
	return true
}

// Start launches the process described by spec in its own process group.
// It never waits for the process.
func Start(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	cmd.ExtraFiles = spec.ExtraFiles

	// Own process group so the whole subtree can be signalled at once
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	return &Handle{cmd: cmd, pid: cmd.Process.Pid}, nil
}

// PID returns the process id.
func (h *Handle) PID() int {
	return h.pid
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	return h.exited
}

// Signalled reports whether Signal was delivered before the process exited.
func (h *Handle) Signalled() bool {
	return h.signalled
}

// Status returns the exit status. Valid once Poll returned true.
func (h *Handle) Status() ExitStatus {
	return h.status
}

// Poll reaps the process with wait4(WNOHANG).
func (h *Handle) Poll() (bool, error) {
	if h.exited {
		return true, nil
	}
	if h.detached {
		return false, errors.New("poll on detached process")
	}

	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(h.pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// Reaped elsewhere; the status is lost
			h.markExited(ExitStatus{Code: -1})
			return true, nil
		case err != nil:
			return false, fmt.Errorf("wait4 %d: %w", h.pid, err)
		case pid == 0:
			return false, nil
		}
		h.markExited(statusFromWait(ws))
		return true, nil
	}
}

// Signal sends sig to the process group, falling back to the process itself.
// Signalling a process that is already gone is not an error.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.exited {
		return nil
	}

	err := unix.Kill(-h.pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		err = unix.Kill(h.pid, sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %d: %w", h.pid, err)
	}
	h.signalled = true
	return nil
}

// Detach stops tracking the process; a goroutine reaps it and then calls
// onExit (which may be nil).
func (h *Handle) Detach(onExit func(ExitStatus)) {
	if h.exited || h.detached {
		return
	}
	h.detached = true

	cmd := h.cmd
	go func() {
		status := statusFromErr(cmd.Wait())
		if onExit != nil {
			onExit(status)
		}
	}()
}

func (h *Handle) markExited(status ExitStatus) {
	h.exited = true
	h.status = status
	// Frees the pidfd held by os.Process; the pid itself is already reaped
	_ = h.cmd.Process.Release()
}

func statusFromWait(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		sig := syscall.Signal(ws.Signal())
		return ExitStatus{Code: 128 + int(sig), Signaled: true, Signal: sig}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

// statusFromErr converts a Wait() error, 128+signal for signal deaths.
func statusFromErr(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return ExitStatus{Code: 128 + int(status.Signal()), Signaled: true, Signal: status.Signal()}
			}
			return ExitStatus{Code: status.ExitStatus()}
		}
	}

	return ExitStatus{Code: -1}
}

// SignalGroup sends sig to every process in the caller's process group.
// Workers use it to take their descendants down with them.
func SignalGroup(sig syscall.Signal) error {
	return unix.Kill(0, sig)
}

// Raise sends sig to the calling process.
func Raise(sig syscall.Signal) error {
	return unix.Kill(os.Getpid(), sig)
}

// CloseOnExec marks fd so it is not inherited by processes the caller starts.
func CloseOnExec(fd int) {
	unix.CloseOnExec(fd)
}
