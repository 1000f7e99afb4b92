package inparallel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-inparallel/internal/process"
	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// reapTick is how often a record whose result pipe reached EOF re-checks
// for process exit within one bounded wait.
const reapTick = 5 * time.Millisecond

// finalRead bounds the last read of a result pipe after the worker exited.
const finalRead = 50 * time.Millisecond

// task is one submission before it is spawned.
type task struct {
	fn     string
	label  string
	arg    any
	call   func(context.Context) (any, error)
	decode func(wire.Codec, []byte) (any, error)
}

// workerHandle is the part of *process.Handle a record uses.
type workerHandle interface {
	process.WaitHandle
	Exited() bool
	Signalled() bool
	Signal(sig syscall.Signal) error
	Detach(onExit func(process.ExitStatus))
}

// taskRecord tracks one spawned task until it is reaped.
type taskRecord struct {
	batch  *Batch
	index  int
	token  Token
	fn     string
	label  string
	decode func(wire.Codec, []byte) (any, error)

	state    State
	pid      int
	inline   bool
	detached bool
	started  time.Time

	sinkPath string
	result   *os.File
	handle   workerHandle

	buf     bytes.Buffer
	eof     bool
	readErr error
	waitErr error
}

// poll waits up to bound for the task to finish: it reads whatever the
// worker has written to the result pipe, then reaps the process without
// blocking. It reports whether the process has exited.
func (r *taskRecord) poll(bound time.Duration) bool {
	deadline := time.Now().Add(bound)

	if !r.eof {
		r.readUntil(deadline)
	}

	exited := r.reap()
	if exited {
		if !r.eof {
			r.readUntil(time.Now().Add(finalRead))
		}
		return true
	}

	// The write end is closed but the process is still exiting
	if r.eof {
		for time.Now().Before(deadline) {
			time.Sleep(reapTick)
			if r.reap() {
				return true
			}
		}
	}
	return false
}

func (r *taskRecord) readUntil(deadline time.Time) {
	if err := r.result.SetReadDeadline(deadline); err != nil {
		r.eof, r.readErr = true, fmt.Errorf("set read deadline: %w", err)
		return
	}

	_, err := r.buf.ReadFrom(r.result)
	switch {
	case err == nil:
		r.eof = true
	case errors.Is(err, os.ErrDeadlineExceeded):
	default:
		r.eof, r.readErr = true, fmt.Errorf("read result: %w", err)
	}
}

// reap reports whether the process has exited. A wait failure counts as
// exited so the record cannot stall the drain.
func (r *taskRecord) reap() bool {
	exited, err := r.handle.Poll()
	if err != nil {
		r.waitErr = err
		return true
	}
	return exited
}

// signal sends sig to the worker's process group once. It reports whether
// a signal was sent.
func (r *taskRecord) signal(sig syscall.Signal) (bool, error) {
	if r.state != StateRunning || r.handle == nil || r.detached {
		return false, nil
	}
	if r.handle.Exited() || r.handle.Signalled() {
		return false, nil
	}
	if err := r.handle.Signal(sig); err != nil {
		return false, err
	}
	return true, nil
}

func (r *taskRecord) event(mode Mode) TaskEvent {
	e := TaskEvent{
		Label:  r.label,
		Func:   r.fn,
		PID:    r.pid,
		Index:  r.index,
		Mode:   mode,
		State:  r.state,
		Inline: r.inline,
	}
	if r.state.IsTerminal() {
		e.Duration = time.Since(r.started)
	}
	return e
}
