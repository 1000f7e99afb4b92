package config

import (
	"bytes"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

// Test envList type
func TestEnvList_Set(t *testing.T) {
	var e envList

	if err := e.Set("A=1"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	if err := e.Set("B="); err != nil {
		t.Errorf("Set with empty value returned error: %v", err)
	}
	if err := e.Set("missing"); err == nil {
		t.Error("Set without '=' should fail")
	}

	if diff := cmp.Diff(envList{"A=1", "B="}, e); diff != "" {
		t.Errorf("envList mismatch (-want +got):\n%s", diff)
	}
	if e.String() != "A=1,B=" {
		t.Errorf("String() = %q, want %q", e.String(), "A=1,B=")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Verify critical defaults
	if cfg.Timeout != 30*time.Minute {
		t.Errorf("Timeout = %v, want 30m", cfg.Timeout)
	}
	if cfg.Heartbeat != 60*time.Second {
		t.Errorf("Heartbeat = %v, want 60s", cfg.Heartbeat)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.PollInterval)
	}
	if cfg.Isolation != "auto" {
		t.Errorf("Isolation = %q, want %q", cfg.Isolation, "auto")
	}
	if cfg.Codec != "msgpack" {
		t.Errorf("Codec = %q, want %q", cfg.Codec, "msgpack")
	}
	if cfg.Shell != "/bin/sh" {
		t.Errorf("Shell = %q, want /bin/sh", cfg.Shell)
	}
	if cfg.KillOnError {
		t.Error("KillOnError should be false by default")
	}
	if cfg.TUIEnabled {
		t.Error("TUIEnabled should be false by default")
	}
	if !cfg.Summary {
		t.Error("Summary should be true by default")
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("MetricsAddr = %q, want empty", cfg.MetricsAddr)
	}
}

// =============================================================================
// Tests: ParseFlags
// =============================================================================

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "positional commands",
			args: []string{"echo a", "echo b"},
			check: func(t *testing.T, cfg *Config) {
				if diff := cmp.Diff([]string{"echo a", "echo b"}, cfg.Commands); diff != "" {
					t.Errorf("Commands mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "batch file shorthand",
			args: []string{"-f", "ci.hcl"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.BatchFile != "ci.hcl" {
					t.Errorf("BatchFile = %q, want ci.hcl", cfg.BatchFile)
				}
				if len(cfg.Commands) != 0 {
					t.Errorf("Commands = %v, want none", cfg.Commands)
				}
			},
		},
		{
			name: "draining flags",
			args: []string{"--timeout", "5m", "--kill-on-error", "--heartbeat", "0", "--poll-interval", "50ms", "true"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Timeout != 5*time.Minute {
					t.Errorf("Timeout = %v, want 5m", cfg.Timeout)
				}
				if !cfg.KillOnError {
					t.Error("KillOnError should be set")
				}
				if cfg.Heartbeat != 0 {
					t.Errorf("Heartbeat = %v, want 0", cfg.Heartbeat)
				}
				if cfg.PollInterval != 50*time.Millisecond {
					t.Errorf("PollInterval = %v, want 50ms", cfg.PollInterval)
				}
			},
		},
		{
			name: "repeatable env",
			args: []string{"-e", "A=1", "--env", "B=2", "env"},
			check: func(t *testing.T, cfg *Config) {
				if diff := cmp.Diff([]string{"A=1", "B=2"}, cfg.Env); diff != "" {
					t.Errorf("Env mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "flags after commands",
			args: []string{"sleep 1", "--tui", "-v"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.TUIEnabled || !cfg.Verbose {
					t.Errorf("TUIEnabled = %v Verbose = %v, want both true", cfg.TUIEnabled, cfg.Verbose)
				}
				if diff := cmp.Diff([]string{"sleep 1"}, cfg.Commands); diff != "" {
					t.Errorf("Commands mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "double dash keeps dashes in commands",
			args: []string{"--", "ls -la"},
			check: func(t *testing.T, cfg *Config) {
				if diff := cmp.Diff([]string{"ls -la"}, cfg.Commands); diff != "" {
					t.Errorf("Commands mismatch (-want +got):\n%s", diff)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseFlags(tt.args, &bytes.Buffer{})
			if err != nil {
				t.Fatalf("parseFlags() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--nope"}},
		{"bad duration", []string{"--timeout", "soon"}},
		{"bad env", []string{"-e", "NOEQUALS"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, &bytes.Buffer{}); err == nil {
				t.Error("parseFlags() should fail")
			}
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"--help"}, &out)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("parseFlags(--help) error = %v, want pflag.ErrHelp", err)
	}

	usage := out.String()
	for _, want := range []string{"Draining:", "--kill-on-error", "-f, --file", "(default 30m0s)", "Exit codes:"} {
		if !strings.Contains(usage, want) {
			t.Errorf("usage missing %q\n%s", want, usage)
		}
	}
}

// =============================================================================
// Tests: Validate
// =============================================================================

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Commands = []string{"true"}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Valid config should not error: %v", err)
	}

	cfg := DefaultConfig()
	cfg.BatchFile = "ci.hcl"
	if err := Validate(cfg); err != nil {
		t.Errorf("Batch file config should not error: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"no input", func(c *Config) { c.Commands = nil }, "commands"},
		{"file and commands", func(c *Config) { c.BatchFile = "x.hcl" }, "commands"},
		{"blank command", func(c *Config) { c.Commands = []string{"  "} }, "commands[0]"},
		{"empty shell", func(c *Config) { c.Shell = "" }, "shell"},
		{"bad env", func(c *Config) { c.Env = []string{"=1"} }, "env"},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, "timeout"},
		{"negative heartbeat", func(c *Config) { c.Heartbeat = -time.Second }, "heartbeat"},
		{"tiny poll interval", func(c *Config) { c.PollInterval = time.Microsecond }, "poll_interval"},
		{"bad signal", func(c *Config) { c.KillSignal = "SIGNOPE" }, "kill_signal"},
		{"bad isolation", func(c *Config) { c.Isolation = "thread" }, "isolation"},
		{"bad codec", func(c *Config) { c.Codec = "xml" }, "codec"},
		{"bad log format", func(c *Config) { c.LogFormat = "yaml" }, "log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.field+":") {
				t.Errorf("error %q should mention %s", err, tt.field)
			}
		})
	}
}

func TestValidate_ZeroTimeoutAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Timeout = 0
	cfg.Heartbeat = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("zero timeout and heartbeat should be valid: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Isolation = "thread"
	cfg.Codec = "xml"
	cfg.Timeout = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected multiple errors")
	}

	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("errors.As(ValidationError) failed for %v", err)
	}

	errStr := err.Error()
	for _, field := range []string{"isolation", "codec", "timeout"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("Error should mention %s", field)
		}
	}
}

func TestConfig_Signal(t *testing.T) {
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{"SIGTERM", syscall.SIGTERM, false},
		{"TERM", syscall.SIGTERM, false},
		{"int", syscall.SIGINT, false},
		{"SIGKILL", syscall.SIGKILL, false},
		{"BOGUS", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := &Config{KillSignal: tt.in}
			got, err := cfg.Signal()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Signal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Signal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test_field",
		Message: "test message",
	}

	errStr := err.Error()
	if errStr != "test_field: test message" {
		t.Errorf("Error string = %q, want %q", errStr, "test_field: test message")
	}
}
