// Package process provides the OS primitives used to run isolated worker
// processes: start with a dedicated process group, non-blocking reaping,
// and group signalling.
package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrUnsupported is returned on platforms without process groups and wait4.
var ErrUnsupported = errors.New("process isolation is not supported on this platform")

// Spec describes one worker process.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Output receives both stdout and stderr. Nil means /dev/null.
	Output *os.File

	// ExtraFiles become fd 3, fd 4, ... in the child.
	ExtraFiles []*os.File
}

// ExitStatus captures how a process ended.
type ExitStatus struct {
	// Code is the exit status, 128+signal for signal deaths, or -1 when the
	// status could not be collected.
	Code int

	Signaled bool
	Signal   syscall.Signal
}

// Success reports whether the process exited with status 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && !s.Signaled
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// WaitHandle reports process completion without blocking.
type WaitHandle interface {
	// Poll reaps the process if it has exited and reports whether it has.
	Poll() (bool, error)

	// Status is valid once Poll returned true.
	Status() ExitStatus
}
