package inparallel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

type kindedErr struct{}

func (kindedErr) Error() string     { return "kinded" }
func (kindedErr) ErrorKind() string { return "custom_kind" }

func TestErrorKind(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("x"), "error"},
		{"wrapped plain", fmt.Errorf("ctx: %w", errors.New("x")), "error"},
		{"typed", statErr, "*fs.PathError"},
		{"wrapped typed", fmt.Errorf("stat: %w", statErr), "*fs.PathError"},
		{"kinded", kindedErr{}, "custom_kind"},
		{"wrapped kinded", fmt.Errorf("outer: %w", kindedErr{}), "custom_kind"},
		{"panic", &panicError{value: "boom"}, "panic"},
		{"worker error", &WorkerError{Kind: "nested"}, "nested"},
		{"joined", errors.Join(errors.New("a"), errors.New("b")), "error"},
		{"sentinel", fs.ErrNotExist, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKind(tt.err); got != tt.want {
				t.Errorf("errorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"worker", &WorkerError{Label: "x"}, ErrWorkerFailed},
		{"timeout", &BatchTimeoutError{Timeout: time.Second}, ErrBatchTimeout},
		{"interrupt signal", &InterruptedError{Signal: syscall.SIGINT}, ErrInterrupted},
		{"interrupt cause", &InterruptedError{Cause: context.Canceled}, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("run: %w", tt.err)
			if !errors.Is(wrapped, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.target)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&WorkerError{Label: "build", PID: 10, Kind: "exit", Message: "exit status 2"}, `task "build" (pid 10) failed: exit: exit status 2`},
		{&BatchTimeoutError{Timeout: 2 * time.Second, Pending: 3}, "batch timed out after 2s with 3 task(s) outstanding"},
		{&InterruptedError{Signal: syscall.SIGINT}, "interrupted by interrupt"},
		{&InterruptedError{Cause: context.Canceled}, "interrupted: context canceled"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{StatePending, "pending", false},
		{StateRunning, "running", false},
		{StateCompleted, "completed", true},
		{StateFailed, "failed", true},
		{StateKilled, "killed", true},
		{State(99), "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"bad isolation", func(c *Config) { c.Isolation = "threads" }, "isolation"},
		{"bad codec", func(c *Config) { c.Codec = "yaml" }, "codec"},
		{"no kill signal", func(c *Config) { c.KillSignal = 0 }, "kill_signal"},
		{"disabled timeout is valid", func(c *Config) { c.DefaultTimeout = 0 }, ""},
		{"disabled heartbeat is valid", func(c *Config) { c.HeartbeatInterval = -1 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() = %v, want error on %s", err, tt.field)
			}
		})
	}
}

func TestNew_ProcessIsolationWithoutInit(t *testing.T) {
	initialized.Store(false)
	defer initialized.Store(true)

	cfg := DefaultConfig()
	cfg.Logger = newTestLogger()
	cfg.Isolation = IsolationProcess
	if _, err := New(cfg); err == nil {
		t.Error("New should fail when process isolation is required but Init was not called")
	}

	cfg.Isolation = IsolationAuto
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Isolated() {
		t.Error("auto isolation without Init should fall back to inline")
	}
}

func TestDrainTimeout(t *testing.T) {
	b := func(d time.Duration) *Batch { return &Batch{timeout: d} }

	tests := []struct {
		name    string
		batches []*Batch
		opts    []Option
		want    time.Duration
	}{
		{"explicit wins", []*Batch{b(time.Minute)}, []Option{WithTimeout(time.Second)}, time.Second},
		{"explicit disable", []*Batch{b(time.Minute)}, []Option{WithTimeout(0)}, 0},
		{"longest batch", []*Batch{b(time.Second), b(time.Minute)}, nil, time.Minute},
		{"any disabled", []*Batch{b(time.Second), b(0)}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := drainTimeout(tt.batches, collectOptions(tt.opts)); got != tt.want {
				t.Errorf("drainTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}
