package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/randomizedcoder/go-inparallel/internal/config"
	"github.com/randomizedcoder/go-inparallel/internal/jobs"
	"github.com/randomizedcoder/go-inparallel/internal/logging"
	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

func TestMain(m *testing.M) {
	inparallel.Init()
	os.Exit(m.Run())
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig(t *testing.T, commands ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Commands = commands
	cfg.PollInterval = 50 * time.Millisecond
	cfg.Heartbeat = 0
	cfg.SinkDir = t.TempDir()
	cfg.SkipPreflight = true
	return cfg
}

func writeBatchFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.hcl")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

type testRun struct {
	orch   *Orchestrator
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	err    error
}

func run(t *testing.T, cfg *config.Config) testRun {
	t.Helper()
	plan, err := BuildPlan(cfg)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	r := testRun{
		orch:   New(cfg, plan, logging.Discard()),
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	r.orch.stdout = r.stdout
	r.orch.stderr = r.stderr

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.err = r.orch.Run(ctx)
	return r
}

// =============================================================================
// Tests: Plan
// =============================================================================

func TestBuildPlan_Commands(t *testing.T) {
	cfg := testConfig(t, "echo a", "echo b")
	cfg.Env = []string{"K=v"}
	cfg.Dir = "/tmp"
	cfg.KillOnError = true

	plan, err := BuildPlan(cfg)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	want := []*PlannedBatch{{
		Name:        "commands",
		KillOnError: true,
		Timeout:     cfg.Timeout,
		Tasks: []PlannedTask{
			{Label: "shell[0]", Args: jobs.ShellArgs{Command: "echo a", Shell: "/bin/sh", Dir: "/tmp", Env: []string{"K=v"}}},
			{Label: "shell[1]", Args: jobs.ShellArgs{Command: "echo b", Shell: "/bin/sh", Dir: "/tmp", Env: []string{"K=v"}}},
		},
	}}
	if diff := cmp.Diff(want, plan.Batches); diff != "" {
		t.Errorf("Batches mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_SingleCommandKeepsLabel(t *testing.T) {
	cfg := testConfig(t, "true")
	cfg.Label = "check"

	plan, err := BuildPlan(cfg)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	if got := plan.Batches[0].Tasks[0].Label; got != "check" {
		t.Errorf("Label = %q, want check", got)
	}
}

func TestBuildPlan_FileDefaults(t *testing.T) {
	path := writeBatchFile(t, `
shell   = "/bin/bash"
timeout = "1m"

batch "a" {
  task "one" {
    command = "true"
    env     = { X = "1" }
  }
}

batch "b" {
  timeout       = "5s"
  kill_on_error = true
  background    = true
  task "two" {
    command = "true"
    dir     = "/srv"
  }
}
`)
	cfg := config.DefaultConfig()
	cfg.BatchFile = path
	cfg.Env = []string{"BASE=0"}
	cfg.Dir = "/work"

	plan, err := BuildPlan(cfg)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	want := &Plan{
		Title: path,
		Shell: "/bin/bash",
		Batches: []*PlannedBatch{
			{
				Name:    "a",
				Timeout: time.Minute,
				Tasks: []PlannedTask{{Label: "one", Args: jobs.ShellArgs{
					Command: "true", Shell: "/bin/bash", Dir: "/work", Env: []string{"BASE=0", "X=1"},
				}}},
			},
			{
				Name:        "b",
				Background:  true,
				KillOnError: true,
				Timeout:     5 * time.Second,
				Tasks: []PlannedTask{{Label: "two", Args: jobs.ShellArgs{
					Command: "true", Shell: "/bin/bash", Dir: "/srv", Env: []string{"BASE=0"},
				}}},
			},
		},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_BadFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchFile = writeBatchFile(t, `batch "x" {`)
	if _, err := BuildPlan(cfg); err == nil {
		t.Error("BuildPlan() should fail on a broken batch file")
	}
}

func TestPlan_MaxConcurrent(t *testing.T) {
	tasks := func(n int) []PlannedTask { return make([]PlannedTask, n) }

	tests := []struct {
		name    string
		batches []*PlannedBatch
		want    int
	}{
		{"empty", nil, 0},
		{"largest foreground", []*PlannedBatch{{Tasks: tasks(2)}, {Tasks: tasks(5)}, {Tasks: tasks(3)}}, 5},
		{"background adds up", []*PlannedBatch{{Background: true, Tasks: tasks(4)}, {Background: true, Tasks: tasks(1)}, {Tasks: tasks(3)}}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Plan{Batches: tt.batches}
			if got := p.MaxConcurrent(); got != tt.want {
				t.Errorf("MaxConcurrent() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPlan_Print(t *testing.T) {
	p := &Plan{
		Title: "ci.hcl",
		Shell: "/bin/sh",
		Batches: []*PlannedBatch{
			{Name: "lint", KillOnError: true, Timeout: time.Minute, Tasks: []PlannedTask{
				{Label: "vet", Args: jobs.ShellArgs{Command: "go vet ./...", Dir: "/src", Env: []string{"A=1"}}},
			}},
			{Name: "bg", Background: true, ForEach: true},
		},
	}

	var buf bytes.Buffer
	p.Print(&buf)
	out := buf.String()

	for _, want := range []string{
		"# Plan for ci.hcl (2 batches, 1 tasks, shell /bin/sh)",
		"1. lint [kill_on_error, timeout=1m0s]",
		"go vet ./...",
		"dir=/src",
		"env A=1",
		"2. bg [background, for_each, no timeout]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

// =============================================================================
// Tests: ExitCode
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"worker", &inparallel.WorkerError{Label: "x"}, ExitFailed},
		{"plain", errors.New("preflight"), ExitFailed},
		{"timeout", &inparallel.BatchTimeoutError{Timeout: time.Second}, ExitTimeout},
		{"wrapped timeout", fmt.Errorf("batch: %w", &inparallel.BatchTimeoutError{}), ExitTimeout},
		{"interrupt", &inparallel.InterruptedError{Cause: context.Canceled}, ExitInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_PrintPlan(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	cfg := testConfig(t, "touch "+marker)
	cfg.PrintPlan = true

	r := run(t, cfg)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if !strings.Contains(r.stdout.String(), "touch "+marker) {
		t.Errorf("plan output missing command:\n%s", r.stdout)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("--print-plan should not run commands")
	}
}

func TestRun_Commands(t *testing.T) {
	cfg := testConfig(t, "echo one", "echo two", "true")
	r := run(t, cfg)

	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	snap := r.orch.Recorder().Snapshot()
	if snap.Completed != 3 || snap.Failed != 0 {
		t.Errorf("Completed = %d Failed = %d, want 3/0", snap.Completed, snap.Failed)
	}
	if snap.Batches != 1 {
		t.Errorf("Batches = %d, want 1", snap.Batches)
	}
	if !strings.Contains(r.stdout.String(), "inparallel Exit Summary") {
		t.Errorf("stdout missing exit summary:\n%s", r.stdout)
	}
}

func TestRun_TaskFailure(t *testing.T) {
	cfg := testConfig(t, "true", "exit 3")
	r := run(t, cfg)

	if ExitCode(r.err) != ExitFailed {
		t.Fatalf("ExitCode(%v) = %d, want %d", r.err, ExitCode(r.err), ExitFailed)
	}
	var werr *inparallel.WorkerError
	if !errors.As(r.err, &werr) {
		t.Fatalf("error %T is not *WorkerError", r.err)
	}
	if werr.Label != "shell[1]" {
		t.Errorf("Label = %q, want shell[1]", werr.Label)
	}
}

func TestRun_Timeout(t *testing.T) {
	cfg := testConfig(t, "exec sleep 10")
	cfg.Timeout = 300 * time.Millisecond

	start := time.Now()
	r := run(t, cfg)

	if ExitCode(r.err) != ExitTimeout {
		t.Fatalf("ExitCode(%v) = %d, want %d", r.err, ExitCode(r.err), ExitTimeout)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestRun_Interrupted(t *testing.T) {
	cfg := testConfig(t, "exec sleep 10")
	plan, err := BuildPlan(cfg)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	orch := New(cfg, plan, logging.Discard())
	orch.stdout = &bytes.Buffer{}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	err = orch.Run(ctx)
	if ExitCode(err) != ExitInterrupted {
		t.Fatalf("ExitCode(%v) = %d, want %d", err, ExitCode(err), ExitInterrupted)
	}
}

func TestRun_BatchFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.BatchFile = writeBatchFile(t, fmt.Sprintf(`
batch "background" {
  background = true
  task "slow" { command = "sleep 0.2; touch %[1]s/bg" }
}

batch "items" {
  for_each = ["a", "b", "c"]
  command  = "touch %[1]s/${item}"
}

batch "last" {
  task "one" { command = "touch %[1]s/last" }
}
`, dir))

	r := run(t, cfg)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}

	for _, name := range []string{"bg", "a", "b", "c", "last"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s was not created: %v", name, err)
		}
	}

	snap := r.orch.Recorder().Snapshot()
	if snap.Completed != 5 {
		t.Errorf("Completed = %d, want 5", snap.Completed)
	}
	if snap.Batches != 3 {
		t.Errorf("Batches = %d, want 3", snap.Batches)
	}
}

func TestRun_FailedBatchStopsPlan(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.BatchFile = writeBatchFile(t, fmt.Sprintf(`
batch "first" {
  task "bad" { command = "exit 1" }
}
batch "second" {
  task "never" { command = "touch %s/never" }
}
`, dir))

	r := run(t, cfg)
	if ExitCode(r.err) != ExitFailed {
		t.Fatalf("ExitCode(%v) = %d, want %d", r.err, ExitCode(r.err), ExitFailed)
	}
	if _, err := os.Stat(filepath.Join(dir, "never")); err == nil {
		t.Error("batch after a failed batch should not run")
	}
}

func TestRun_MetricsDump(t *testing.T) {
	cfg := testConfig(t, "true", "false")
	cfg.MetricsDump = true
	cfg.Summary = false

	r := run(t, cfg)
	if r.err == nil {
		t.Fatal("Run() should fail")
	}

	dump := r.stderr.String()
	for _, want := range []string{
		"inparallel_tasks_finished_total",
		`state="completed"`,
		`state="failed"`,
		"inparallel_batches_finished_total",
	} {
		if !strings.Contains(dump, want) {
			t.Errorf("dump missing %q\n%s", want, dump)
		}
	}
	if strings.Contains(r.stdout.String(), "Exit Summary") {
		t.Error("summary should be disabled")
	}
}

func TestRun_MetricsServer(t *testing.T) {
	cfg := testConfig(t, "true")
	cfg.MetricsAddr = "127.0.0.1:0"

	r := run(t, cfg)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if !strings.Contains(r.stdout.String(), "127.0.0.1:") {
		t.Errorf("summary should name the bound metrics address:\n%s", r.stdout)
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := testConfig(t, "true")
	cfg.SkipPreflight = false
	cfg.Shell = "/nonexistent/sh"

	r := run(t, cfg)
	if r.err == nil || !strings.Contains(r.err.Error(), "preflight") {
		t.Fatalf("Run() error = %v, want preflight failure", r.err)
	}
	if !strings.Contains(r.stdout.String(), "Preflight checks:") {
		t.Errorf("stdout missing preflight results:\n%s", r.stdout)
	}
}

func TestRun_Inline(t *testing.T) {
	cfg := testConfig(t, "true", "true")
	cfg.Isolation = "inline"

	r := run(t, cfg)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if !strings.Contains(r.stdout.String(), "INLINE MODE") {
		t.Errorf("summary should warn about inline mode:\n%s", r.stdout)
	}
	if got := r.orch.Recorder().Snapshot().Completed; got != 2 {
		t.Errorf("Completed = %d, want 2", got)
	}
}
