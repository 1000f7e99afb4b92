package inparallel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// Isolation selects how submissions are executed.
type Isolation string

const (
	// IsolationAuto uses worker processes when the platform supports them
	// and Init was called, and falls back to inline execution otherwise.
	IsolationAuto Isolation = "auto"

	// IsolationProcess requires worker processes; New fails without them.
	IsolationProcess Isolation = "process"

	// IsolationInline runs every submission synchronously in-process.
	IsolationInline Isolation = "inline"
)

// Config holds controller settings. It may be replaced between batches with
// Controller.SetConfig.
type Config struct {
	// DefaultTimeout applies to drains without WithTimeout. <= 0 disables.
	DefaultTimeout time.Duration

	// HeartbeatInterval between "batch_waiting" logs. <= 0 disables.
	HeartbeatInterval time.Duration

	// PollInterval bounds each per-task wait in the drain loop.
	PollInterval time.Duration

	Isolation Isolation

	// KillSignal is sent once to a worker's process group by timeout,
	// fail-fast and interrupt handling. There is no escalation.
	KillSignal syscall.Signal

	// SinkDir holds per-task output files. Empty means os.TempDir().
	SinkDir string

	// Codec encodes arguments and return values (msgpack, gob or json).
	Codec string

	// HandleInterrupt traps SIGINT/SIGTERM while workers are live. During
	// a drain the signal interrupts it; otherwise the workers are killed
	// and reaped and the signal is raised again.
	HandleInterrupt bool

	// Output receives framed task output. Nil means os.Stdout.
	Output io.Writer

	// Logger receives controller events. Nil means a text logger on stderr.
	Logger *slog.Logger

	// Observer receives task and batch events. Nil means none.
	Observer Observer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    30 * time.Minute,
		HeartbeatInterval: 60 * time.Second,
		PollInterval:      500 * time.Millisecond,
		Isolation:         IsolationAuto,
		KillSignal:        syscall.SIGTERM,
		Codec:             wire.CodecMsgpack,
		HandleInterrupt:   true,
	}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error

	if c.PollInterval <= 0 {
		errs = append(errs, ConfigError{
			Field:   "poll_interval",
			Message: "must be positive",
		})
	}

	switch c.Isolation {
	case IsolationAuto, IsolationProcess, IsolationInline:
	default:
		errs = append(errs, ConfigError{
			Field:   "isolation",
			Message: fmt.Sprintf("must be one of: auto, process, inline (got %q)", c.Isolation),
		})
	}

	if c.KillSignal <= 0 {
		errs = append(errs, ConfigError{
			Field:   "kill_signal",
			Message: "must be a signal number",
		})
	}

	if _, err := wire.Lookup(c.Codec); err != nil {
		errs = append(errs, ConfigError{
			Field:   "codec",
			Message: err.Error(),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
