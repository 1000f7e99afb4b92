package inparallel

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrWorkerFailed matches every *WorkerError.
	ErrWorkerFailed = errors.New("inparallel: worker failed")

	// ErrBatchTimeout matches every *BatchTimeoutError.
	ErrBatchTimeout = errors.New("inparallel: batch timed out")

	// ErrInterrupted matches every *InterruptedError.
	ErrInterrupted = errors.New("inparallel: interrupted")

	// ErrUnresolved is returned by a placeholder whose batch has not been drained.
	ErrUnresolved = errors.New("inparallel: result not resolved yet")

	// ErrNoValue is returned for a slot whose worker produced no value.
	ErrNoValue = errors.New("inparallel: task produced no value")

	// ErrKilled is returned for a slot whose worker was killed.
	ErrKilled = errors.New("inparallel: task was killed")

	// ErrBatchSealed is returned when submitting to a batch that is draining
	// or already drained.
	ErrBatchSealed = errors.New("inparallel: batch no longer accepts tasks")

	// ErrBatchInProgress is returned when a batch is opened inside another
	// batch's scope on the same controller.
	ErrBatchInProgress = errors.New("inparallel: a batch is already open on this controller")

	// ErrUnknownToken is returned when a token does not belong to a result table.
	ErrUnknownToken = errors.New("inparallel: unknown placeholder token")
)

// WorkerError is a failure captured from one task.
type WorkerError struct {
	Label    string
	PID      int
	Index    int
	Kind     string
	Message  string
	ExitCode int
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("task %q (pid %d) failed: %s: %s", e.Label, e.PID, e.Kind, e.Message)
}

// Is makes errors.Is(err, ErrWorkerFailed) hold.
func (e *WorkerError) Is(target error) bool {
	return target == ErrWorkerFailed
}

// ErrorKind preserves the original kind when the error crosses another
// process boundary.
func (e *WorkerError) ErrorKind() string {
	return e.Kind
}

// BatchTimeoutError is returned when a drain outlives its timeout.
type BatchTimeoutError struct {
	Timeout time.Duration
	Pending int
}

func (e *BatchTimeoutError) Error() string {
	return fmt.Sprintf("batch timed out after %v with %d task(s) outstanding", e.Timeout, e.Pending)
}

func (e *BatchTimeoutError) Is(target error) bool {
	return target == ErrBatchTimeout
}

// InterruptedError is returned when a drain was cut short by a signal or by
// cancellation of the caller's context.
type InterruptedError struct {
	Signal os.Signal
	Cause  error
}

func (e *InterruptedError) Error() string {
	if e.Signal != nil {
		return fmt.Sprintf("interrupted by %s", e.Signal)
	}
	return fmt.Sprintf("interrupted: %v", e.Cause)
}

func (e *InterruptedError) Is(target error) bool {
	return target == ErrInterrupted
}

func (e *InterruptedError) Unwrap() error {
	return e.Cause
}

// kinded is implemented by errors that name their own kind.
type kinded interface {
	ErrorKind() string
}

// errorKind names the kind of err for the wire: the ErrorKind() of the first
// error in the chain that has one, otherwise its dynamic type, looking
// through plain wrappers.
func errorKind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	for err != nil {
		switch t := fmt.Sprintf("%T", err); t {
		case "*errors.errorString", "*fmt.wrapError", "*fmt.wrapErrors", "*errors.joinError":
			err = errors.Unwrap(err)
		default:
			return t
		}
	}
	return "error"
}

// panicError wraps a value recovered from a panicking task.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) ErrorKind() string {
	return "panic"
}
