// Package orchestrator runs a planned set of batches through an inparallel
// controller and wires the metrics, dashboard and summary around it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-inparallel/internal/config"
	"github.com/randomizedcoder/go-inparallel/internal/jobs"
	"github.com/randomizedcoder/go-inparallel/internal/metrics"
	"github.com/randomizedcoder/go-inparallel/internal/preflight"
	"github.com/randomizedcoder/go-inparallel/internal/stats"
	"github.com/randomizedcoder/go-inparallel/internal/tui"
	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// Exit codes returned by ExitCode.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitTimeout     = 2
	ExitInterrupted = 130
)

// tuiLinger is how long the final dashboard stays up before the summary.
const tuiLinger = 1500 * time.Millisecond

// Orchestrator coordinates all components for one CLI run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	plan   *Plan

	stdout io.Writer
	stderr io.Writer

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	recorder      *stats.Recorder
	controller    *inparallel.Controller

	startTime time.Time
}

// New creates a new Orchestrator for the given configuration and plan.
func New(cfg *config.Config, plan *Plan, logger *slog.Logger) *Orchestrator {
	registry := prometheus.NewRegistry()

	orch := &Orchestrator{
		config:   cfg,
		logger:   logger,
		plan:     plan,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		registry: registry,
		metrics:  metrics.NewCollectorWithRegistry(registry),
		recorder: stats.NewRecorder(),
	}
	if cfg.MetricsAddr != "" {
		orch.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, logger)
	}
	return orch
}

// Run executes every batch of the plan. It blocks until all tasks have been
// reaped and returns the first batch error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if o.config.PrintPlan {
		o.plan.Print(o.stdout)
		return nil
	}

	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Tasks:     o.plan.MaxConcurrent(),
			Shell:     o.plan.Shell,
			SinkDir:   o.config.SinkDir,
			Isolation: o.config.Isolation,
		})
		preflight.PrintResults(o.stdout, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to override)")
		}
	}

	libCfg, err := o.libraryConfig()
	if err != nil {
		return err
	}
	o.controller, err = inparallel.New(libCfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer func() {
		if err := o.controller.Close(); err != nil {
			o.logger.Warn("controller_close_error", "error", err)
		}
	}()

	// Start metrics server
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
				o.logger.Warn("metrics_server_shutdown_error", "error", err)
			}
		}()
	}

	// A signal between batches stops the run; during a drain the
	// controller turns it into an interrupt.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var program *tea.Program
	tuiDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = o.startTUI(cancel, tuiDone)
	} else {
		close(tuiDone)
	}

	o.logger.Info("run_starting",
		"batches", len(o.plan.Batches),
		"tasks", o.plan.TaskCount(),
		"isolated", o.controller.Isolated(),
	)

	runErr := o.runBatches(ctx)

	if program != nil {
		tui.SendDone(program, runErr)
		select {
		case <-tuiDone:
		case <-time.After(tuiLinger):
			tui.SendQuit(program)
			<-tuiDone
		}
	}

	o.logger.Info("run_finished",
		"outcome", metrics.Outcome(runErr),
		"duration", time.Since(o.startTime).String(),
	)

	if o.config.Summary {
		o.printExitSummary()
	}
	if o.config.MetricsDump {
		if err := metrics.Dump(o.stderr, o.registry, "inparallel_"); err != nil {
			o.logger.Warn("metrics_dump_failed", "error", err)
		}
	}

	return runErr
}

// libraryConfig maps CLI settings onto the controller configuration.
func (o *Orchestrator) libraryConfig() (inparallel.Config, error) {
	sig, err := o.config.Signal()
	if err != nil {
		return inparallel.Config{}, err
	}

	lib := inparallel.DefaultConfig()
	lib.DefaultTimeout = o.config.Timeout
	lib.HeartbeatInterval = o.config.Heartbeat
	lib.PollInterval = o.config.PollInterval
	lib.Isolation = inparallel.Isolation(o.config.Isolation)
	lib.KillSignal = sig
	lib.SinkDir = o.config.SinkDir
	lib.Codec = o.config.Codec
	lib.Logger = o.logger
	lib.Output = o.stdout
	lib.Observer = inparallel.Observers(o.metrics, o.recorder)

	// Framed output would tear the dashboard
	if o.config.TUIEnabled {
		lib.Output = io.Discard
	}
	return lib, nil
}

// runBatches runs the plan in order. Foreground batches are drained before
// the next batch starts; background batches are drained together at the
// end. A failed foreground batch stops the plan.
func (o *Orchestrator) runBatches(ctx context.Context) error {
	var runErr error
	for _, b := range o.plan.Batches {
		if err := ctx.Err(); err != nil {
			runErr = &inparallel.InterruptedError{Cause: err}
			break
		}

		o.logger.Info("batch_starting",
			"batch", b.Name,
			"tasks", len(b.Tasks),
			"background", b.Background,
			"kill_on_error", b.KillOnError,
		)

		if err := o.runBatch(ctx, b); err != nil {
			o.logger.Error("batch_failed", "batch", b.Name, "error", err)
			runErr = err
			break
		}
	}

	if len(o.controller.Background()) == 0 {
		return runErr
	}

	// Close resets the remaining background batches after an interrupt
	if errors.Is(runErr, inparallel.ErrInterrupted) {
		return runErr
	}

	o.logger.Info("waiting_for_background", "batches", len(o.controller.Background()))
	if err := o.controller.WaitBackground(ctx); err != nil {
		o.logger.Error("background_failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// runBatch submits one planned batch.
func (o *Orchestrator) runBatch(ctx context.Context, b *PlannedBatch) error {
	opts := []inparallel.Option{
		inparallel.WithTimeout(b.Timeout),
		inparallel.KillOnError(b.KillOnError),
	}
	scope := func(batch *inparallel.Batch) error {
		for _, t := range b.Tasks {
			jobs.Shell.Go(batch, t.Args, inparallel.WithLabel(t.Label))
		}
		return nil
	}

	switch {
	case b.Background:
		_, err := o.controller.RunInBackground(ctx, false, scope, opts...)
		return err

	case b.ForEach:
		args := make([]jobs.ShellArgs, len(b.Tasks))
		for i, t := range b.Tasks {
			args[i] = t.Args
		}
		results, err := inparallel.Map(ctx, o.controller, args, jobs.Shell,
			append(opts, inparallel.WithLabel(b.Name))...)
		if err != nil {
			return err
		}
		o.logger.Debug("for_each_finished", "batch", b.Name, "results", len(results))
		return nil

	default:
		_, err := o.controller.RunInParallel(ctx, scope, opts...)
		return err
	}
}

// startTUI runs the dashboard until done is closed. Quitting it early
// cancels the run.
func (o *Orchestrator) startTUI(cancel context.CancelFunc, done chan struct{}) *tea.Program {
	addr := ""
	if o.metricsServer != nil {
		addr = o.metricsServer.Addr()
	}

	model := tui.New(tui.Config{
		Title:       o.plan.Title,
		TotalTasks:  o.plan.TaskCount(),
		MetricsAddr: addr,
		Source:      o.recorder,
		OnQuit:      cancel,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		defer close(done)
		if _, err := program.Run(); err != nil {
			o.logger.Warn("tui_error", "error", err)
		}
	}()
	return program
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()

	addr := ""
	if o.metricsServer != nil {
		addr = o.metricsServer.Addr()
	}

	isolated := false
	if o.controller != nil {
		isolated = o.controller.Isolated()
	}

	fmt.Fprint(o.stdout, stats.FormatExitSummary(o.recorder.Snapshot(), stats.SummaryConfig{
		Duration:    time.Since(o.startTime),
		MetricsAddr: addr,
		PeakActive:  summary.PeakActive,
		ExitCodes:   summary.ExitCodes,
		Isolated:    isolated,
	}))
}

// ExitCode maps a Run error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, inparallel.ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, inparallel.ErrBatchTimeout):
		return ExitTimeout
	default:
		return ExitFailed
	}
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Recorder returns the stats recorder for external access.
func (o *Orchestrator) Recorder() *stats.Recorder {
	return o.recorder
}
