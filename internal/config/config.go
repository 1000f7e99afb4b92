// Package config provides configuration management for the inparallel CLI.
package config

import (
	"time"

	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// Config holds all configuration options for the CLI.
type Config struct {
	// Input: a batch file, or positional shell commands
	BatchFile string   `json:"batch_file"`
	Commands  []string `json:"commands"`

	// Ad-hoc commands
	Label string   `json:"label"`
	Shell string   `json:"shell"`
	Dir   string   `json:"dir"`
	Env   []string `json:"env"`

	// Draining
	Timeout      time.Duration `json:"timeout"` // 0 = no deadline
	KillOnError  bool          `json:"kill_on_error"`
	KillSignal   string        `json:"kill_signal"`
	Heartbeat    time.Duration `json:"heartbeat"` // 0 = silent
	PollInterval time.Duration `json:"poll_interval"`

	// Execution
	Isolation string `json:"isolation"` // auto, process, inline
	Codec     string `json:"codec"`     // msgpack, gob, json
	SinkDir   string `json:"sink_dir"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = no server
	MetricsDump bool   `json:"metrics_dump"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`
	TUIEnabled  bool   `json:"tui_enabled"`
	Summary     bool   `json:"summary"`

	// Diagnostic modes
	PrintPlan     bool `json:"print_plan"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	lib := inparallel.DefaultConfig()
	return &Config{
		Label: "shell",
		Shell: "/bin/sh",

		// Draining
		Timeout:      lib.DefaultTimeout,
		KillOnError:  false,
		KillSignal:   "SIGTERM",
		Heartbeat:    lib.HeartbeatInterval,
		PollInterval: lib.PollInterval,

		// Execution
		Isolation: string(lib.Isolation),
		Codec:     lib.Codec,

		// Observability
		LogFormat: "text",
		LogLevel:  "info",
		Summary:   true,
	}
}
