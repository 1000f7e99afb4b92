package inparallel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/randomizedcoder/go-inparallel/internal/process"
	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// Worker file descriptors, as seen by the worker process.
const (
	resultFD     = 3
	invocationFD = 4
)

// spawn starts one task and returns its record without waiting for it.
// Failures to start are recorded on the batch, never returned.
func (c *Controller) spawn(b *Batch, t task) *taskRecord {
	token := nextToken()
	rec := &taskRecord{
		batch:    b,
		index:    b.results.add(token),
		token:    token,
		fn:       t.fn,
		label:    t.label,
		decode:   t.decode,
		state:    StatePending,
		detached: b.mode == ModeDetached,
		started:  time.Now(),
	}
	b.records = append(b.records, rec)

	if !c.isolated {
		c.runInline(b, rec, t)
		return rec
	}

	if err := c.start(b, rec, t); err != nil {
		c.spawnFailed(b, rec, err)
	}
	return rec
}

// start launches the worker for rec: output sink on fd 1 and 2, result
// pipe on fd 3, invocation pipe on fd 4.
func (c *Controller) start(b *Batch, rec *taskRecord, t task) error {
	arg, err := c.codec.Marshal(t.arg)
	if err != nil {
		return fmt.Errorf("encode argument: %w", err)
	}

	sink, err := os.CreateTemp(c.sinkDir, "inparallel-*.out")
	if err != nil {
		return fmt.Errorf("create output sink: %w", err)
	}
	defer sink.Close()
	rec.sinkPath = sink.Name()

	// Detached workers have nobody reading their result
	var resultR, resultW *os.File
	if rec.detached {
		resultW, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	} else {
		resultR, resultW, err = os.Pipe()
	}
	if err != nil {
		c.removeSink(rec)
		return fmt.Errorf("create result pipe: %w", err)
	}

	invR, invW, err := os.Pipe()
	if err != nil {
		closeAll(resultR, resultW)
		c.removeSink(rec)
		return fmt.Errorf("create invocation pipe: %w", err)
	}

	handle, err := process.Start(process.Spec{
		Path:       c.exe,
		Env:        append(os.Environ(), workerEnv+"=1"),
		Output:     sink,
		ExtraFiles: []*os.File{resultW, invR},
	})
	// The child holds its own copies now
	closeAll(resultW, invR)
	if err != nil {
		closeAll(resultR, invW)
		c.removeSink(rec)
		return err
	}

	inv := &wire.Invocation{
		Func:  t.fn,
		Label: t.label,
		Codec: c.codec.Name(),
		Arg:   arg,
	}
	go func() {
		defer invW.Close()
		if err := wire.WriteFrame(invW, inv); err != nil {
			c.logger.Debug("invocation_write_failed", "label", inv.Label, "error", err)
		}
	}()

	rec.pid = handle.PID()
	rec.handle = handle
	rec.result = resultR
	rec.state = StateRunning

	keyed := filepath.Join(filepath.Dir(rec.sinkPath), fmt.Sprintf("inparallel-%d.out", rec.pid))
	if err := os.Rename(rec.sinkPath, keyed); err == nil {
		rec.sinkPath = keyed
	}

	c.logger.Info("forked_process",
		"label", rec.label,
		"pid", rec.pid,
		"batch", b.id,
		"mode", b.mode.String(),
	)
	c.observer.TaskStarted(rec.event(b.mode))

	if rec.detached {
		c.detach(rec)
		return nil
	}
	c.registry.add(rec)
	if c.cfg.HandleInterrupt {
		c.guard.add(rec, c.cfg.KillSignal, c.logger)
	}
	return nil
}

// detach hands rec to a reaper goroutine that removes its sink on exit.
func (c *Controller) detach(rec *taskRecord) {
	ev := rec.event(ModeDetached)
	sinkPath := rec.sinkPath
	started := rec.started

	c.detached.Add(1)
	rec.handle.Detach(func(st process.ExitStatus) {
		defer c.detached.Done()
		_ = os.Remove(sinkPath)

		ev.State = StateCompleted
		if !st.Success() {
			ev.State = StateFailed
			ev.Kind, ev.Message, ev.ExitCode = "exit", st.String(), st.Code
		}
		ev.Duration = time.Since(started)
		c.observer.TaskFinished(ev)
	})
}

func (c *Controller) spawnFailed(b *Batch, rec *taskRecord, err error) {
	werr := &WorkerError{
		Label:    rec.label,
		Index:    rec.index,
		Kind:     "spawn",
		Message:  err.Error(),
		ExitCode: -1,
	}
	b.results.setFailed(rec.index, werr)
	b.fail(werr)
	c.finishTask(rec, StateFailed, werr, nil, false)
}

// runInline executes the task in this process at submission time. Values
// still make a codec round trip so results match the isolated path.
func (c *Controller) runInline(b *Batch, rec *taskRecord, t task) {
	rec.inline = true
	rec.pid = os.Getpid()

	if b.skipRest {
		b.results.setFailed(rec.index, ErrKilled)
		c.finishTask(rec, StateKilled, nil, nil, false)
		return
	}

	rec.state = StateRunning
	c.observer.TaskStarted(rec.event(b.mode))

	v, err := callSafely(b.ctx, t.call)
	if err != nil {
		werr := &WorkerError{
			Label:    rec.label,
			PID:      rec.pid,
			Index:    rec.index,
			Kind:     errorKind(err),
			Message:  err.Error(),
			ExitCode: 1,
		}
		b.results.setFailed(rec.index, werr)
		b.fail(werr)
		c.finishTask(rec, StateFailed, werr, nil, false)
		if b.killOnError {
			b.skipRest = true
		}
		return
	}

	serFailed := c.storeInline(b, rec, v)
	c.finishTask(rec, StateCompleted, nil, nil, serFailed)
}

// storeInline files v after an encode/decode round trip. It reports whether
// the value was dropped because it could not be serialized.
func (c *Controller) storeInline(b *Batch, rec *taskRecord, v any) bool {
	if wire.IsAbsent(v) {
		b.results.setAbsent(rec.index)
		return false
	}

	data, err := c.codec.Marshal(v)
	if err == nil {
		v, err = rec.decode(c.codec, data)
	}
	if err != nil {
		c.logger.Warn("serialization_failed", "label", rec.label, "error", err)
		b.results.setAbsent(rec.index)
		return true
	}

	b.results.set(rec.index, v)
	return false
}

func (c *Controller) removeSink(rec *taskRecord) {
	_ = os.Remove(rec.sinkPath)
	rec.sinkPath = ""
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
