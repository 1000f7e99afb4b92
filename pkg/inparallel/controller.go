package inparallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/randomizedcoder/go-inparallel/internal/logging"
	"github.com/randomizedcoder/go-inparallel/internal/process"
	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// Controller owns the live task registry and the background batch registry
// of one program. Use one Controller from one goroutine.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	codec    wire.Codec
	framer   *logging.OutputFramer
	observer Observer

	isolated bool
	exe      string
	sinkDir  string

	registry   registry
	guard      interruptGuard
	background []*Batch
	open       *Batch
	batchSeq   uint64

	detached sync.WaitGroup
}

// New creates a Controller. With IsolationAuto it logs
// "isolation_unavailable" and runs tasks inline when worker processes
// cannot be used.
func New(cfg Config) (*Controller, error) {
	c := &Controller{}
	if err := c.SetConfig(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// SetConfig replaces the configuration. It fails while a batch scope is open
// or tasks are outstanding.
func (c *Controller) SetConfig(cfg Config) error {
	if c.open != nil || c.registry.len() > 0 {
		return ErrBatchInProgress
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	codec, err := wire.Lookup(cfg.Codec)
	if err != nil {
		return err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("text", "info", false)
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	sinkDir := cfg.SinkDir
	if sinkDir == "" {
		sinkDir = os.TempDir()
	}

	isolated, exe, reason := probeIsolation(cfg.Isolation)
	switch {
	case !isolated && cfg.Isolation == IsolationProcess:
		return fmt.Errorf("process isolation required but unavailable: %s", reason)
	case !isolated && cfg.Isolation == IsolationAuto:
		logger.Warn("isolation_unavailable",
			"reason", reason,
			"fallback", "inline",
		)
	}

	c.cfg = cfg
	c.logger = logger
	c.codec = codec
	c.framer = logging.NewOutputFramer(output)
	c.observer = observer
	c.isolated = isolated
	c.exe = exe
	c.sinkDir = sinkDir
	return nil
}

// probeIsolation decides whether worker processes can be used.
func probeIsolation(mode Isolation) (ok bool, exe, reason string) {
	if mode == IsolationInline {
		return false, "", "inline isolation configured"
	}
	if !process.Supported() {
		return false, "", process.ErrUnsupported.Error()
	}
	if !initialized.Load() {
		return false, "", "inparallel.Init was not called at program start"
	}
	exe, err := os.Executable()
	if err != nil {
		return false, "", fmt.Sprintf("cannot locate executable: %v", err)
	}
	return true, exe, ""
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Isolated reports whether tasks run in worker processes.
func (c *Controller) Isolated() bool {
	return c.isolated
}

// Pending returns the number of spawned tasks not yet reaped.
func (c *Controller) Pending() int {
	return c.registry.len()
}

// Background returns the registered, undrained background batches.
func (c *Controller) Background() []*Batch {
	return append([]*Batch(nil), c.background...)
}

// RunInParallel calls scope, which submits tasks to the batch with Func.Go,
// then drains the batch and returns its values in submission order (nil for
// slots without a value). On failure it returns (nil, err) after every task
// has been reaped; placeholders of tasks that succeeded still resolve.
//
// If scope returns an error, the tasks it already submitted are signalled
// and reaped and that error is returned.
func (c *Controller) RunInParallel(ctx context.Context, scope func(*Batch) error, opts ...Option) ([]any, error) {
	if c.open != nil {
		return nil, ErrBatchInProgress
	}

	o := collectOptions(opts)
	b := c.newBatch(ctx, ModeForeground, o)

	c.open = b
	err := scope(b)
	c.open = nil
	if err != nil {
		c.abort(ctx, []*Batch{b})
		return nil, err
	}

	batches := []*Batch{b}
	if o.includeBackground {
		batches = append(batches, c.background...)
	}
	if err := c.drain(ctx, batches, o, false); err != nil {
		return nil, err
	}
	return b.results.Values(), nil
}

// RunInBackground calls scope like RunInParallel but does not drain.
//
// With ignoreResult every worker is detached: it is reaped by a goroutine,
// its output is discarded, and a nil batch is returned. Otherwise the batch
// is registered and drained by a later WaitBackground (or a RunInParallel
// with IncludeBackground).
func (c *Controller) RunInBackground(ctx context.Context, ignoreResult bool, scope func(*Batch) error, opts ...Option) (*Batch, error) {
	if c.open != nil {
		return nil, ErrBatchInProgress
	}

	o := collectOptions(opts)
	mode := ModeBackground
	if ignoreResult {
		mode = ModeDetached
	}
	b := c.newBatch(ctx, mode, o)

	c.open = b
	err := scope(b)
	c.open = nil
	b.sealed = true

	if ignoreResult {
		b.drained = true
		return nil, err
	}
	if err != nil {
		c.abort(ctx, []*Batch{b})
		return nil, err
	}

	c.background = append(c.background, b)
	return b, nil
}

// WaitBackground drains every registered background batch together. Options
// apply to the combined drain; KillOnError adds to each batch's own policy.
func (c *Controller) WaitBackground(ctx context.Context, opts ...Option) error {
	if c.open != nil {
		return ErrBatchInProgress
	}
	if len(c.background) == 0 {
		return nil
	}
	return c.drain(ctx, append([]*Batch(nil), c.background...), collectOptions(opts), false)
}

// Reset signals and reaps every outstanding task and forgets all background
// batches. Use it between independent runs.
func (c *Controller) Reset() {
	if len(c.background) == 0 {
		return
	}
	c.abort(context.Background(), append([]*Batch(nil), c.background...))
	c.background = nil
}

// Close resets the controller and waits for detached workers to exit.
func (c *Controller) Close() error {
	c.Reset()
	c.detached.Wait()
	if n := c.registry.len(); n > 0 {
		return fmt.Errorf("%d task(s) still registered after close", n)
	}
	return nil
}

func (c *Controller) newBatch(ctx context.Context, mode Mode, o options) *Batch {
	c.batchSeq++
	timeout := c.cfg.DefaultTimeout
	if o.timeoutSet {
		timeout = o.timeout
	}
	return &Batch{
		c:           c,
		ctx:         ctx,
		id:          c.batchSeq,
		mode:        mode,
		timeout:     timeout,
		killOnError: o.killOnError,
		results:     newResultTable(),
		started:     time.Now(),
	}
}

// abort signals every task of batches and reaps them, discarding errors.
func (c *Controller) abort(ctx context.Context, batches []*Batch) {
	if err := c.drain(context.WithoutCancel(ctx), batches, options{timeoutSet: true}, true); err != nil {
		c.logger.Debug("abort_drain_error", "error", err)
	}
}

// cleanup releases the controller-side resources of a reaped record.
func (c *Controller) cleanup(rec *taskRecord) {
	if rec.sinkPath != "" {
		if err := os.Remove(rec.sinkPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("sink_remove_failed", "path", rec.sinkPath, "error", err)
		}
	}
	if rec.result != nil {
		rec.result.Close()
	}
	c.registry.remove(rec)
	c.guard.remove(rec)
}

// finishTask moves rec to its terminal state, logs it and notifies the
// observer.
func (c *Controller) finishTask(rec *taskRecord, state State, werr *WorkerError, tail []string, serFailed bool) {
	rec.state = state
	ev := rec.event(rec.batch.mode)
	ev.SerializationFailed = serFailed

	switch {
	case werr != nil:
		ev.Kind, ev.Message, ev.ExitCode = werr.Kind, werr.Message, werr.ExitCode
		attrs := []any{
			"label", rec.label,
			"pid", rec.pid,
			"kind", werr.Kind,
			"message", werr.Message,
			"exit_code", werr.ExitCode,
		}
		if len(tail) > 0 {
			attrs = append(attrs, "output_tail", tail)
		}
		c.logger.Error("task_failed", attrs...)
	case state == StateKilled:
		c.logger.Warn("task_killed", "label", rec.label, "pid", rec.pid)
	default:
		c.logger.Debug("task_completed",
			"label", rec.label,
			"pid", rec.pid,
			"duration", ev.Duration.String(),
		)
	}

	c.observer.TaskFinished(ev)
}

// finishBatch marks b drained and removes it from the background registry.
func (c *Controller) finishBatch(b *Batch, drainErr error) {
	if b.drained {
		return
	}
	b.drained = true

	for i, bg := range c.background {
		if bg == b {
			c.background = append(c.background[:i], c.background[i+1:]...)
			break
		}
	}

	completed, failed, killed := b.counts()
	ev := BatchEvent{
		ID:        b.id,
		Mode:      b.mode,
		Tasks:     len(b.records),
		Completed: completed,
		Failed:    failed,
		Killed:    killed,
		Duration:  time.Since(b.started),
		Err:       b.firstErr,
	}
	if ev.Err == nil {
		ev.Err = drainErr
	}
	c.logger.Debug("batch_finished",
		"batch", b.id,
		"mode", b.mode.String(),
		"tasks", ev.Tasks,
		"failed", failed,
		"killed", killed,
		"duration", ev.Duration.String(),
	)
	c.observer.BatchFinished(ev)
}
