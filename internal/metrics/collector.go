// Package metrics exposes Prometheus metrics for in-parallel task execution.
//
// A Collector is an inparallel.Observer: hand it to Config.Observer (usually
// through inparallel.Observers) and it keeps counters for every task and
// batch the controller runs.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// Namespace prefixes every metric name.
const Namespace = "inparallel"

// durationBuckets covers sub-second helpers up to half-hour batches.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 1800}

// =============================================================================
// Collector
// =============================================================================

// Collector manages the Prometheus metrics of one controller.
type Collector struct {
	// --- Tasks ---
	tasksStarted        *prometheus.CounterVec
	tasksFinished       *prometheus.CounterVec
	tasksActive         prometheus.Gauge
	taskDuration        *prometheus.HistogramVec
	taskExitCodes       *prometheus.CounterVec
	serializationFailed prometheus.Counter

	// --- Batches ---
	batchesFinished *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec

	startTime time.Time

	// For summary generation
	mu          sync.Mutex
	active      int
	peakActive  int
	totalStarts int64
	exitCodes   map[int]int64
}

// NewCollector creates a collector registered with the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	c := &Collector{
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "tasks_started_total",
				Help:      "Tasks started, by batch mode",
			},
			[]string{"mode", "inline"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks reaped, by final state",
			},
			[]string{"state"},
		),
		tasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "tasks_active",
				Help:      "Tasks started and not yet reaped",
			},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall time from task start to reap",
				Buckets:   durationBuckets,
			},
			[]string{"state"},
		),
		taskExitCodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "task_failures_total",
				Help:      "Failed tasks, by error kind and exit code",
			},
			[]string{"kind", "exit_code"},
		),
		serializationFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "serialization_failures_total",
				Help:      "Task results dropped because they could not be serialized",
			},
		),
		batchesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "batches_finished_total",
				Help:      "Drained batches, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "batch_duration_seconds",
				Help:      "Wall time from batch open to drain end",
				Buckets:   durationBuckets,
			},
			[]string{"mode"},
		),
		startTime: time.Now(),
		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		c.tasksStarted,
		c.tasksFinished,
		c.tasksActive,
		c.taskDuration,
		c.taskExitCodes,
		c.serializationFailed,
		c.batchesFinished,
		c.batchDuration,
	)

	return c
}

// =============================================================================
// Observer
// =============================================================================

// TaskStarted implements inparallel.Observer.
func (c *Collector) TaskStarted(e inparallel.TaskEvent) {
	c.tasksStarted.WithLabelValues(e.Mode.String(), strconv.FormatBool(e.Inline)).Inc()
	c.tasksActive.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	c.mu.Unlock()
}

// TaskFinished implements inparallel.Observer.
func (c *Collector) TaskFinished(e inparallel.TaskEvent) {
	state := e.State.String()
	c.tasksFinished.WithLabelValues(state).Inc()
	c.taskDuration.WithLabelValues(state).Observe(e.Duration.Seconds())

	if e.SerializationFailed {
		c.serializationFailed.Inc()
	}
	if e.State == inparallel.StateFailed {
		c.taskExitCodes.WithLabelValues(e.Kind, strconv.Itoa(e.ExitCode)).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.State == inparallel.StateFailed {
		c.exitCodes[e.ExitCode]++
	}
	if e.WasStarted() && c.active > 0 {
		c.active--
		c.tasksActive.Dec()
	}
}

// BatchFinished implements inparallel.Observer.
func (c *Collector) BatchFinished(e inparallel.BatchEvent) {
	mode := e.Mode.String()
	c.batchesFinished.WithLabelValues(mode, Outcome(e.Err)).Inc()
	c.batchDuration.WithLabelValues(mode).Observe(e.Duration.Seconds())
}

// Outcome maps a drain error onto the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, inparallel.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, inparallel.ErrBatchTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration    time.Duration
	PeakActive  int
	TotalStarts int64
	ExitCodes   map[int]int64
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:    time.Since(c.startTime),
		PeakActive:  c.peakActive,
		TotalStarts: c.totalStarts,
		ExitCodes:   make(map[int]int64, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}
	return s
}

// PeakActive returns the peak number of concurrently running tasks.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// TotalStarts returns the total number of task starts.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}
