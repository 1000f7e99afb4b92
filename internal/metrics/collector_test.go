package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestCollector creates a collector with an isolated registry.
func newTestCollector() (*Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewCollectorWithRegistry(registry), registry
}

func taskEvent(state inparallel.State, mode inparallel.Mode) inparallel.TaskEvent {
	return inparallel.TaskEvent{
		Label:    "work",
		Func:     "work",
		PID:      4242,
		Mode:     mode,
		State:    state,
		Duration: 150 * time.Millisecond,
	}
}

// =============================================================================
// Tests: Task events
// =============================================================================

func TestCollector_TaskLifecycle(t *testing.T) {
	c, _ := newTestCollector()

	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeForeground))
	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeForeground))
	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeBackground))

	if got := testutil.ToFloat64(c.tasksActive); got != 3 {
		t.Errorf("tasks_active = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.tasksStarted.WithLabelValues("foreground", "false")); got != 2 {
		t.Errorf("tasks_started{foreground} = %v, want 2", got)
	}

	c.TaskFinished(taskEvent(inparallel.StateCompleted, inparallel.ModeForeground))
	failed := taskEvent(inparallel.StateFailed, inparallel.ModeForeground)
	failed.Kind, failed.ExitCode = "exit", 3
	c.TaskFinished(failed)

	if got := testutil.ToFloat64(c.tasksActive); got != 1 {
		t.Errorf("tasks_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.tasksFinished.WithLabelValues("failed")); got != 1 {
		t.Errorf("tasks_finished{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.taskExitCodes.WithLabelValues("exit", "3")); got != 1 {
		t.Errorf("task_failures{exit,3} = %v, want 1", got)
	}

	if c.PeakActive() != 3 {
		t.Errorf("PeakActive() = %d, want 3", c.PeakActive())
	}
	if c.TotalStarts() != 3 {
		t.Errorf("TotalStarts() = %d, want 3", c.TotalStarts())
	}
}

func TestCollector_UnstartedTasksDoNotUnderflow(t *testing.T) {
	tests := []struct {
		name  string
		event inparallel.TaskEvent
	}{
		{
			name:  "spawn failure",
			event: inparallel.TaskEvent{State: inparallel.StateFailed, Kind: "spawn", ExitCode: -1},
		},
		{
			name:  "inline skipped",
			event: inparallel.TaskEvent{State: inparallel.StateKilled, Inline: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector()
			c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeForeground))
			c.TaskFinished(tt.event)

			if got := testutil.ToFloat64(c.tasksActive); got != 1 {
				t.Errorf("tasks_active = %v, want 1", got)
			}
		})
	}
}

func TestCollector_SerializationFailures(t *testing.T) {
	c, _ := newTestCollector()

	e := taskEvent(inparallel.StateCompleted, inparallel.ModeForeground)
	e.SerializationFailed = true
	c.TaskStarted(e)
	c.TaskFinished(e)

	if got := testutil.ToFloat64(c.serializationFailed); got != 1 {
		t.Errorf("serialization_failures_total = %v, want 1", got)
	}
}

// =============================================================================
// Tests: Batch events
// =============================================================================

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"worker", &inparallel.WorkerError{Kind: "exit"}, "failed"},
		{"timeout", &inparallel.BatchTimeoutError{Timeout: time.Second}, "timeout"},
		{"interrupt", &inparallel.InterruptedError{Cause: context.Canceled}, "interrupted"},
		{"wrapped timeout", fmt.Errorf("drain: %w", inparallel.ErrBatchTimeout), "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.err); got != tt.want {
				t.Errorf("Outcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollector_BatchFinished(t *testing.T) {
	c, _ := newTestCollector()

	c.BatchFinished(inparallel.BatchEvent{Mode: inparallel.ModeForeground, Tasks: 2, Duration: time.Second})
	c.BatchFinished(inparallel.BatchEvent{
		Mode: inparallel.ModeBackground,
		Err:  &inparallel.BatchTimeoutError{Timeout: time.Second},
	})

	if got := testutil.ToFloat64(c.batchesFinished.WithLabelValues("foreground", "ok")); got != 1 {
		t.Errorf("batches_finished{foreground,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.batchesFinished.WithLabelValues("background", "timeout")); got != 1 {
		t.Errorf("batches_finished{background,timeout} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.batchDuration); got != 2 {
		t.Errorf("batch_duration series = %d, want 2", got)
	}
}

func TestGenerateSummary(t *testing.T) {
	c, _ := newTestCollector()

	for code := range 3 {
		e := taskEvent(inparallel.StateFailed, inparallel.ModeForeground)
		e.Kind, e.ExitCode = "exit", code%2+1
		c.TaskStarted(e)
		c.TaskFinished(e)
	}

	s := c.GenerateSummary()
	if s.TotalStarts != 3 {
		t.Errorf("TotalStarts = %d, want 3", s.TotalStarts)
	}
	if s.PeakActive != 1 {
		t.Errorf("PeakActive = %d, want 1", s.PeakActive)
	}
	if s.ExitCodes[1] != 2 || s.ExitCodes[2] != 1 {
		t.Errorf("ExitCodes = %v, want map[1:2 2:1]", s.ExitCodes)
	}

	// The summary is a copy
	s.ExitCodes[1] = 99
	if c.GenerateSummary().ExitCodes[1] != 2 {
		t.Error("GenerateSummary() shares its exit code map")
	}
}

// =============================================================================
// Tests: Dump
// =============================================================================

func TestDump(t *testing.T) {
	c, registry := newTestCollector()
	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeForeground))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total", Help: "x"})
	registry.MustRegister(other)
	other.Inc()

	var buf bytes.Buffer
	if err := Dump(&buf, registry, Namespace+"_"); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `inparallel_tasks_started_total{inline="false",mode="foreground"} 1`) {
		t.Errorf("Dump() missing tasks_started sample:\n%s", out)
	}
	if strings.Contains(out, "unrelated_total") {
		t.Errorf("Dump() did not filter by prefix:\n%s", out)
	}
}

func TestCounterValue(t *testing.T) {
	c, registry := newTestCollector()
	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeForeground))
	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeBackground))

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	if got := CounterValue(families, "inparallel_tasks_started_total"); got != 2 {
		t.Errorf("CounterValue() = %v, want 2", got)
	}
	if got := CounterValue(families, "missing_total"); got != 0 {
		t.Errorf("CounterValue(missing) = %v, want 0", got)
	}
}

// =============================================================================
// Tests: Server
// =============================================================================

func TestServer_Endpoints(t *testing.T) {
	c, registry := newTestCollector()
	c.TaskStarted(taskEvent(inparallel.StateRunning, inparallel.ModeForeground))

	s := NewServer("127.0.0.1:0", registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz", "/metrics"} {
		resp, err := http.Get("http://" + s.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		if path == "/metrics" && !strings.Contains(string(body), "inparallel_tasks_active 1") {
			t.Errorf("GET /metrics missing tasks_active:\n%s", body)
		}
	}
}
