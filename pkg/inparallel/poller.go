package inparallel

import (
	"context"
	"os"
	"time"

	"github.com/eapache/queue"

	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// minPollBound keeps a nearly expired deadline from turning the drain loop
// into a busy spin.
const minPollBound = 10 * time.Millisecond

// heartbeatLabels caps the labels listed in one "batch_waiting" log.
const heartbeatLabels = 10

// drainer is the completion poller for one drain call. It visits pending
// records round-robin, giving each a bounded wait, and checks timeout,
// interrupt and heartbeat after every step.
type drainer struct {
	c       *Controller
	ctx     context.Context
	batches []*Batch

	killOnError bool
	timeout     time.Duration
	deadline    time.Time

	pending *queue.Queue
	sigs    <-chan os.Signal

	err         error
	timedOut    bool
	interrupted bool
	lastBeat    time.Time
}

// drain waits for every task of batches. With abort set every task is
// signalled up front. The returned error is the first failure in completion
// order (a timeout counts as a failure), or an *InterruptedError, and is only
// returned once all tasks have been reaped.
func (c *Controller) drain(ctx context.Context, batches []*Batch, o options, abort bool) error {
	timeout := drainTimeout(batches, o)

	d := &drainer{
		c:           c,
		ctx:         ctx,
		batches:     batches,
		killOnError: o.killOnError,
		timeout:     timeout,
		pending:     queue.New(),
		lastBeat:    time.Now(),
	}
	if timeout > 0 {
		d.deadline = time.Now().Add(timeout)
	}

	// From here on the guard hands signals to this drain instead of
	// touching the workers itself
	if c.cfg.HandleInterrupt && c.registry.len() > 0 {
		d.sigs = c.guard.enterDrain()
		defer c.guard.leaveDrain()
	}

	for _, b := range batches {
		b.sealed = true
		for _, rec := range b.records {
			if rec.state == StateRunning && !rec.detached && !rec.inline {
				d.pending.Add(rec)
			}
		}
		// Failures recorded before draining, e.g. spawn errors
		if b.firstErr != nil {
			d.fail(b.firstErr)
			if b.failFast(d.killOnError) {
				d.killBatch(b, "kill_on_error")
			}
		}
	}

	// An interrupt that arrived outside a drain already killed the workers
	if ierr := c.guard.takeInterrupt(); ierr != nil {
		d.interrupted = true
		d.err = ierr
		d.c.logger.Warn("batch_interrupted", "reason", ierr.Error(), "pending", d.pending.Length())
		d.killAll("interrupt")
	}

	if abort {
		d.killAll("abort")
	}

	for d.pending.Length() > 0 {
		rec := d.pending.Remove().(*taskRecord)
		if rec.poll(d.bound()) {
			d.complete(rec)
		} else {
			d.pending.Add(rec)
		}

		d.checkTimeout()
		d.checkInterrupt()
		d.heartbeat()
	}

	for _, b := range batches {
		c.finishBatch(b, d.err)
	}
	return d.err
}

// drainTimeout is the WithTimeout of the drain, else the longest timeout of
// the batches, where any disabled timeout disables the deadline.
func drainTimeout(batches []*Batch, o options) time.Duration {
	if o.timeoutSet {
		return o.timeout
	}
	var longest time.Duration
	for _, b := range batches {
		if b.timeout <= 0 {
			return 0
		}
		if b.timeout > longest {
			longest = b.timeout
		}
	}
	return longest
}

// bound is the per-task wait: PollInterval clipped to the time left.
func (d *drainer) bound() time.Duration {
	bound := d.c.cfg.PollInterval
	if !d.deadline.IsZero() {
		if left := time.Until(d.deadline); left < bound {
			bound = left
		}
	}
	if bound < minPollBound {
		bound = minPollBound
	}
	return bound
}

func (d *drainer) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// complete classifies a finished record and files its result.
func (d *drainer) complete(rec *taskRecord) {
	c := d.c
	b := rec.batch

	tail, err := c.framer.FrameFile(rec.label, rec.pid, rec.sinkPath)
	if err != nil {
		c.logger.Warn("output_read_failed", "label", rec.label, "pid", rec.pid, "error", err)
	}
	c.cleanup(rec)

	status := rec.handle.Status()
	env, decErr := wire.DecodeResult(rec.buf.Bytes())
	if decErr == nil && rec.readErr != nil {
		decErr = rec.readErr
	}
	signalled := rec.handle.Signalled()

	var werr *WorkerError
	state := StateCompleted
	serFailed := false

	switch {
	case rec.waitErr != nil:
		// The process may still be running once its record is dropped
		if _, err := rec.signal(c.cfg.KillSignal); err != nil {
			c.logger.Warn("kill_failed", "label", rec.label, "pid", rec.pid, "error", err)
		}
		c.logger.Warn("wait_failed", "label", rec.label, "pid", rec.pid, "error", rec.waitErr)
		werr = d.workerError(rec, "wait", rec.waitErr.Error(), -1)

	case decErr != nil:
		switch {
		case signalled:
			state = StateKilled
		case !status.Success():
			werr = d.workerError(rec, "exit", status.String(), status.Code)
		default:
			c.logger.Warn("result_decode_failed", "label", rec.label, "pid", rec.pid, "error", decErr)
			serFailed = true
		}

	case env == nil:
		switch {
		case signalled && !status.Success():
			state = StateKilled
		case !status.Success():
			werr = d.workerError(rec, "exit", status.String(), status.Code)
		}

	case env.Kind == wire.KindError:
		werr = d.workerError(rec, env.ErrKind, env.ErrMessage, status.Code)

	default:
		codec, err := wire.Lookup(env.Codec)
		if err == nil {
			var v any
			if v, err = rec.decode(codec, env.Value); err == nil {
				b.results.set(rec.index, v)
				break
			}
		}
		c.logger.Warn("serialization_failed", "label", rec.label, "pid", rec.pid, "error", err)
		serFailed = true
	}

	switch {
	case werr != nil:
		state = StateFailed
		b.results.setFailed(rec.index, werr)
	case state == StateKilled:
		b.results.setFailed(rec.index, ErrKilled)
	case !b.results.filled(rec.index):
		b.results.setAbsent(rec.index)
	}

	c.finishTask(rec, state, werr, tail, serFailed)

	if werr != nil {
		b.fail(werr)
		d.fail(werr)
		if b.failFast(d.killOnError) {
			d.killBatch(b, "kill_on_error")
		}
	}
}

func (d *drainer) workerError(rec *taskRecord, kind, message string, code int) *WorkerError {
	return &WorkerError{
		Label:    rec.label,
		PID:      rec.pid,
		Index:    rec.index,
		Kind:     kind,
		Message:  message,
		ExitCode: code,
	}
}

// killBatch signals every running record of b once.
func (d *drainer) killBatch(b *Batch, reason string) {
	for _, rec := range b.records {
		sent, err := rec.signal(d.c.cfg.KillSignal)
		if err != nil {
			d.c.logger.Warn("kill_failed", "label", rec.label, "pid", rec.pid, "error", err)
			continue
		}
		if sent {
			d.c.logger.Info("killing_process", "label", rec.label, "pid", rec.pid, "reason", reason)
		}
	}
}

func (d *drainer) killAll(reason string) {
	for _, b := range d.batches {
		d.killBatch(b, reason)
	}
}

func (d *drainer) checkTimeout() {
	if d.timedOut || d.deadline.IsZero() || d.pending.Length() == 0 {
		return
	}
	if time.Now().Before(d.deadline) {
		return
	}

	d.timedOut = true
	d.c.logger.Warn("batch_timeout",
		"timeout", d.timeout.String(),
		"pending", d.pending.Length(),
	)
	d.fail(&BatchTimeoutError{Timeout: d.timeout, Pending: d.pending.Length()})
	d.killAll("timeout")
}

func (d *drainer) checkInterrupt() {
	if d.interrupted {
		return
	}

	var ierr *InterruptedError
	select {
	case sig := <-d.sigs:
		ierr = &InterruptedError{Signal: sig}
	case <-d.ctx.Done():
		ierr = &InterruptedError{Cause: context.Cause(d.ctx)}
	default:
		return
	}

	d.interrupted = true
	d.c.logger.Warn("batch_interrupted", "reason", ierr.Error(), "pending", d.pending.Length())
	d.killAll("interrupt")
	// Interrupts win over any failure seen so far
	d.err = ierr
}

func (d *drainer) heartbeat() {
	interval := d.c.cfg.HeartbeatInterval
	if interval <= 0 || d.pending.Length() == 0 {
		return
	}
	if time.Since(d.lastBeat) < interval {
		return
	}
	d.lastBeat = time.Now()

	labels := make([]string, 0, heartbeatLabels)
	for i := 0; i < d.pending.Length() && i < heartbeatLabels; i++ {
		labels = append(labels, d.pending.Get(i).(*taskRecord).label)
	}
	d.c.logger.Info("batch_waiting",
		"pending", d.pending.Length(),
		"labels", labels,
	)
}
