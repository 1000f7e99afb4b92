package config

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-inparallel/internal/logging"
	"github.com/randomizedcoder/go-inparallel/internal/wire"
	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Exactly one input
	switch {
	case cfg.BatchFile == "" && len(cfg.Commands) == 0:
		errs = append(errs, ValidationError{
			Field:   "commands",
			Message: "a batch file (-f) or at least one command is required",
		})
	case cfg.BatchFile != "" && len(cfg.Commands) > 0:
		errs = append(errs, ValidationError{
			Field:   "commands",
			Message: "positional commands cannot be combined with -f",
		})
	}

	for i, c := range cfg.Commands {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("commands[%d]", i),
				Message: "must not be empty",
			})
		}
	}

	if cfg.Shell == "" {
		errs = append(errs, ValidationError{
			Field:   "shell",
			Message: "must not be empty",
		})
	}

	for _, kv := range cfg.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("expected KEY=VALUE (got %q)", kv),
			})
		}
	}

	// Timeouts
	if cfg.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "timeout",
			Message: "must not be negative (0 disables)",
		})
	}
	if cfg.Heartbeat < 0 {
		errs = append(errs, ValidationError{
			Field:   "heartbeat",
			Message: "must not be negative (0 disables)",
		})
	}
	if cfg.PollInterval < time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: fmt.Sprintf("must be at least 1ms (got %v)", cfg.PollInterval),
		})
	}

	if _, err := cfg.Signal(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "kill_signal",
			Message: err.Error(),
		})
	}

	// Isolation must be valid
	switch inparallel.Isolation(cfg.Isolation) {
	case inparallel.IsolationAuto, inparallel.IsolationProcess, inparallel.IsolationInline:
	default:
		errs = append(errs, ValidationError{
			Field:   "isolation",
			Message: fmt.Sprintf("must be one of: auto, process, inline (got %q)", cfg.Isolation),
		})
	}

	if _, err := wire.Lookup(cfg.Codec); err != nil {
		errs = append(errs, ValidationError{
			Field:   "codec",
			Message: fmt.Sprintf("must be one of: %s (got %q)", strings.Join(wire.Names(), ", "), cfg.Codec),
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Signal resolves KillSignal, accepting "SIGTERM", "TERM" or "term".
func (c *Config) Signal() (syscall.Signal, error) {
	name := strings.ToUpper(c.KillSignal)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", c.KillSignal)
	}
	return sig, nil
}
