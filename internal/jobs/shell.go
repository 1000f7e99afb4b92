// Package jobs holds the functions the inparallel CLI runs in workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// ShellArgs describes one shell command.
type ShellArgs struct {
	Command string
	Shell   string
	Dir     string

	// Env is appended to the worker's environment as KEY=VALUE pairs.
	Env []string
}

// ShellResult is returned for a command that exited 0.
type ShellResult struct {
	ExitCode int
	Duration time.Duration
	PID      int
}

// ExitError reports a command that exited non-zero or was killed.
type ExitError struct {
	Command string
	Code    int
	Signal  string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%q terminated by %s", e.Command, e.Signal)
	}
	return fmt.Sprintf("%q exited with status %d", e.Command, e.Code)
}

// ErrorKind names the failure for the controller.
func (e *ExitError) ErrorKind() string {
	if e.Signal != "" {
		return "signaled"
	}
	return "exit_status"
}

// Shell runs a command through a shell, streaming its output to the
// worker's stdout and stderr.
var Shell = inparallel.Register("shell", runShell)

func runShell(ctx context.Context, a ShellArgs) (ShellResult, error) {
	if a.Command == "" {
		return ShellResult{}, errors.New("empty command")
	}
	shell := a.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", a.Command)
	cmd.Dir = a.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(a.Env) > 0 {
		cmd.Env = append(os.Environ(), a.Env...)
	}

	start := time.Now()
	err := cmd.Run()
	res := ShellResult{Duration: time.Since(start)}
	if cmd.Process != nil {
		res.PID = cmd.Process.Pid
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		e := &ExitError{Command: a.Command, Code: res.ExitCode}
		if res.ExitCode < 0 {
			e.Signal = signalName(exitErr)
		}
		return res, e
	default:
		return res, fmt.Errorf("start %s: %w", shell, err)
	}
}
