package inparallel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/randomizedcoder/go-inparallel/internal/logging"
	"github.com/randomizedcoder/go-inparallel/internal/process"
	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// workerEnv marks a process started by a controller as a worker.
const workerEnv = "INPARALLEL_WORKER"

var initialized atomic.Bool

// Init must be the first statement of main (and of TestMain). In a normal
// process it only records that workers can be started. In a worker process
// it runs the requested function and exits, never returning.
//
// Without Init a controller falls back to inline execution, because a
// re-executed binary would not know it is a worker.
func Init() {
	initialized.Store(true)
	if os.Getenv(workerEnv) != "1" {
		return
	}
	os.Exit(runWorker())
}

// IsWorker reports whether this process was started as a worker.
func IsWorker() bool {
	return os.Getenv(workerEnv) == "1"
}

// runWorker executes one invocation and returns the exit code.
func runWorker() int {
	// Nested controllers in this worker must start fresh workers, and
	// anything the task execs must not inherit our pipes.
	os.Unsetenv(workerEnv)
	process.CloseOnExec(resultFD)
	process.CloseOnExec(invocationFD)

	logger := logging.NewLoggerWithWriter(os.Stderr, "text", "info")
	result := os.NewFile(resultFD, "result")
	invocation := os.NewFile(invocationFD, "invocation")

	var inv wire.Invocation
	err := wire.ReadFrame(invocation, &inv)
	invocation.Close()
	if err != nil {
		logger.Error("invocation_read_failed", "error", err)
		writeResult(logger, result, wire.ErrorEnvelope("invocation", err.Error()))
		return 1
	}

	logger = logger.With("label", inv.Label, "pid", os.Getpid())

	e, ok := lookupFunc(inv.Func)
	if !ok {
		logger.Error("unknown_function", "func", inv.Func)
		writeResult(logger, result, wire.ErrorEnvelope("unknown_function", "no function registered as "+inv.Func))
		return 1
	}

	codec, err := wire.Lookup(inv.Codec)
	if err != nil {
		writeResult(logger, result, wire.ErrorEnvelope("codec", err.Error()))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapInterrupt(cancel)

	v, err := e.invoke(ctx, codec, inv.Arg)
	if err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			logger.Error("task_panicked", "panic", pe.value, "stack", string(pe.stack))
		}
		writeResult(logger, result, wire.ErrorEnvelope(errorKind(err), err.Error()))
		return 1
	}

	if wire.IsAbsent(v) {
		return 0
	}

	data, err := codec.Marshal(v)
	if err != nil {
		logger.Warn("serialization_failed", "error", err)
		return 0
	}
	if !writeResult(logger, result, wire.ValueEnvelope(codec.Name(), data)) {
		return 1
	}
	return 0
}

// trapInterrupt makes SIGINT/SIGTERM cancel the task, pass the signal on to
// the worker's descendants and exit without writing a result.
func trapInterrupt(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := (<-sigs).(syscall.Signal)
		cancel()
		_ = process.SignalGroup(sig)
		os.Exit(128 + int(sig))
	}()
}

func writeResult(logger *slog.Logger, w *os.File, env *wire.Envelope) bool {
	if err := wire.WriteFrame(w, env); err != nil {
		logger.Error("result_write_failed", "error", err)
		return false
	}
	return true
}
