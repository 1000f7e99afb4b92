// Package stats records task and batch statistics for the exit summary and
// the live dashboard.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-inparallel/internal/timeseries"
	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

const (
	// RecentSize bounds the ring of recently finished tasks.
	RecentSize = 10

	// FailureSize bounds the failures kept for the summary.
	FailureSize = 20
)

// Failure is one failed task, as shown in the summary.
type Failure struct {
	Label    string
	PID      int
	Kind     string
	Message  string
	ExitCode int
}

// Recorder is an inparallel.Observer that aggregates task events.
// Safe for concurrent use; detached tasks report from reaper goroutines.
type Recorder struct {
	mu    sync.Mutex
	start time.Time

	started   int64
	running   map[string]int
	states    map[inparallel.State]int64
	serFailed int64

	batches      int64
	batchErrors  int64
	lastBatchErr error

	// Durations in nanoseconds; ~100 centroids, ~10KB
	durations   *tdigest.TDigest
	maxDuration time.Duration
	finished    int64

	recent     []inparallel.TaskEvent
	recentNext int
	failures   []Failure

	// Finished tasks per second
	rate *timeseries.RateTracker
}

// NewRecorder creates an empty recorder whose clock starts now.
func NewRecorder() *Recorder {
	return &Recorder{
		start:     time.Now(),
		running:   make(map[string]int),
		states:    make(map[inparallel.State]int64),
		durations: tdigest.NewWithCompression(100),
		recent:    make([]inparallel.TaskEvent, 0, RecentSize),
		rate:      timeseries.NewRateTracker(),
	}
}

// TaskStarted implements inparallel.Observer.
func (r *Recorder) TaskStarted(e inparallel.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started++
	r.running[e.Label]++
}

// TaskFinished implements inparallel.Observer.
func (r *Recorder) TaskFinished(e inparallel.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.WasStarted() {
		if n := r.running[e.Label]; n > 1 {
			r.running[e.Label] = n - 1
		} else {
			delete(r.running, e.Label)
		}
	}
	r.rate.Add(1)

	r.states[e.State]++
	if e.SerializationFailed {
		r.serFailed++
	}

	r.finished++
	r.durations.Add(float64(e.Duration.Nanoseconds()), 1)
	if e.Duration > r.maxDuration {
		r.maxDuration = e.Duration
	}

	if len(r.recent) < RecentSize {
		r.recent = append(r.recent, e)
	} else {
		r.recent[r.recentNext] = e
	}
	r.recentNext = (r.recentNext + 1) % RecentSize

	if e.State == inparallel.StateFailed && len(r.failures) < FailureSize {
		r.failures = append(r.failures, Failure{
			Label:    e.Label,
			PID:      e.PID,
			Kind:     e.Kind,
			Message:  e.Message,
			ExitCode: e.ExitCode,
		})
	}
}

// BatchFinished implements inparallel.Observer.
func (r *Recorder) BatchFinished(e inparallel.BatchEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches++
	if e.Err != nil {
		r.batchErrors++
		r.lastBatchErr = e.Err
	}
}

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	Elapsed time.Duration

	Started   int64
	Running   int
	Completed int64
	Failed    int64
	Killed    int64

	SerializationFailures int64

	Batches      int64
	BatchErrors  int64
	LastBatchErr error

	// Task duration percentiles, zero until a task finished.
	DurationP50 time.Duration
	DurationP95 time.Duration
	DurationP99 time.Duration
	DurationMax time.Duration

	// Rate is how fast tasks are finishing.
	Rate timeseries.RateStats

	// RunningLabels counts running tasks per label.
	RunningLabels map[string]int

	// Recent holds the last finished tasks, newest first.
	Recent   []inparallel.TaskEvent
	Failures []Failure
}

// Finished returns the number of tasks that reached a terminal state.
func (s *Snapshot) Finished() int64 {
	return s.Completed + s.Failed + s.Killed
}

// Snapshot returns a copy of the current statistics.
func (r *Recorder) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Snapshot{
		Elapsed:               time.Since(r.start),
		Started:               r.started,
		Completed:             r.states[inparallel.StateCompleted],
		Failed:                r.states[inparallel.StateFailed],
		Killed:                r.states[inparallel.StateKilled],
		SerializationFailures: r.serFailed,
		Batches:               r.batches,
		BatchErrors:           r.batchErrors,
		LastBatchErr:          r.lastBatchErr,
		DurationMax:           r.maxDuration,
		RunningLabels:         make(map[string]int, len(r.running)),
		Failures:              append([]Failure(nil), r.failures...),
	}

	r.rate.RecordSample()
	s.Rate = r.rate.Stats()

	for label, n := range r.running {
		s.RunningLabels[label] = n
		s.Running += n
	}

	if r.finished > 0 {
		s.DurationP50 = time.Duration(r.durations.Quantile(0.50))
		s.DurationP95 = time.Duration(r.durations.Quantile(0.95))
		s.DurationP99 = time.Duration(r.durations.Quantile(0.99))
	}

	// Unroll the ring, newest first
	n := len(r.recent)
	s.Recent = make([]inparallel.TaskEvent, 0, n)
	for i := 1; i <= n; i++ {
		s.Recent = append(s.Recent, r.recent[(r.recentNext-i+RecentSize)%RecentSize])
	}

	return s
}
