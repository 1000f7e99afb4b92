package inparallel

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-inparallel/internal/process"
)

// reapWait bounds how long an interrupt outside a drain waits for the
// signalled workers to exit before the signal is raised again.
const reapWait = 2 * time.Second

// interruptGuard traps SIGINT and SIGTERM from the first spawn until the
// last reap. Workers run in their own process groups, so an interrupt from
// the terminal only reaches the controller.
//
// During a drain the signal is handed to the drainer. Outside a drain the
// guard signals and reaps every live worker, removes their output sinks and
// raises the signal again, which ends the program unless something else is
// listening for it.
type interruptGuard struct {
	mu sync.Mutex

	live   map[*taskRecord]struct{}
	sig    syscall.Signal
	logger *slog.Logger

	sigs  chan os.Signal
	stop  chan struct{}
	drain chan os.Signal

	// interrupted is picked up by the next drain when the program
	// survived the raised signal.
	interrupted *InterruptedError
}

// add tracks rec and starts trapping signals if it is the first live record.
func (g *interruptGuard) add(rec *taskRecord, sig syscall.Signal, logger *slog.Logger) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.live == nil {
		g.live = make(map[*taskRecord]struct{})
	}
	g.live[rec] = struct{}{}
	g.sig = sig
	g.logger = logger

	if g.sigs == nil {
		g.sigs = make(chan os.Signal, 1)
		g.stop = make(chan struct{})
		signal.Notify(g.sigs, os.Interrupt, syscall.SIGTERM)
		go g.watch(g.sigs, g.stop)
	}
}

// remove forgets rec and stops trapping signals after the last record.
func (g *interruptGuard) remove(rec *taskRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.live[rec]; !ok {
		return
	}
	delete(g.live, rec)
	if len(g.live) == 0 {
		g.disarm()
	}
}

// disarm stops trapping signals. Callers hold mu.
func (g *interruptGuard) disarm() {
	if g.sigs == nil {
		return
	}
	signal.Stop(g.sigs)
	close(g.stop)
	g.sigs, g.stop = nil, nil
}

// enterDrain routes signals to the returned channel until leaveDrain.
func (g *interruptGuard) enterDrain() <-chan os.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drain = make(chan os.Signal, 1)
	return g.drain
}

func (g *interruptGuard) leaveDrain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drain = nil
}

// takeInterrupt returns and clears an interrupt handled outside a drain.
func (g *interruptGuard) takeInterrupt() *InterruptedError {
	g.mu.Lock()
	defer g.mu.Unlock()
	ierr := g.interrupted
	g.interrupted = nil
	return ierr
}

func (g *interruptGuard) watch(sigs <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case s := <-sigs:
			if g.handle(s) {
				return
			}
		}
	}
}

// handle reports whether the guard disarmed itself.
func (g *interruptGuard) handle(s os.Signal) bool {
	g.mu.Lock()
	if g.drain != nil {
		select {
		case g.drain <- s:
		default:
		}
		g.mu.Unlock()
		return false
	}

	g.logger.Warn("interrupted_outside_drain", "signal", s.String(), "live", len(g.live))
	g.killLive()
	g.interrupted = &InterruptedError{Signal: s}
	g.disarm()
	logger := g.logger
	g.mu.Unlock()

	if sig, ok := s.(syscall.Signal); ok {
		if err := process.Raise(sig); err != nil {
			logger.Warn("raise_failed", "signal", s.String(), "error", err)
		}
	}
	return true
}

// killLive signals every live worker once, waits up to reapWait for them to
// exit and removes their sinks. Callers hold mu.
func (g *interruptGuard) killLive() {
	for rec := range g.live {
		sent, err := rec.signal(g.sig)
		if err != nil {
			g.logger.Warn("kill_failed", "label", rec.label, "pid", rec.pid, "error", err)
			continue
		}
		if sent {
			g.logger.Info("killing_process", "label", rec.label, "pid", rec.pid, "reason", "interrupt")
		}
	}

	deadline := time.Now().Add(reapWait)
	for rec := range g.live {
		for {
			exited, err := rec.handle.Poll()
			if exited || err != nil || !time.Now().Before(deadline) {
				break
			}
			time.Sleep(reapTick)
		}
		if rec.sinkPath != "" {
			_ = os.Remove(rec.sinkPath)
		}
	}
}
