package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// envList is a repeatable KEY=VALUE flag.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ",")
}

func (e *envList) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	*e = append(*e, value)
	return nil
}

func (e *envList) Type() string {
	return "KEY=VALUE"
}

// ParseFlags parses command-line arguments (without the program name) and
// returns a Config. Returns pflag.ErrHelp when help was requested.
func ParseFlags(args []string) (*Config, error) {
	return parseFlags(args, os.Stderr)
}

func parseFlags(args []string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	var env envList

	fs := pflag.NewFlagSet("inparallel", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(out, `inparallel - run commands in parallel isolated worker processes

Usage:
  inparallel [flags] <command> [<command>...]
  inparallel [flags] -f batch.hcl

Input:
`)
		printFlagCategory(fs, out, []string{"file", "label", "shell", "dir", "env"})

		fmt.Fprintf(out, "\nDraining:\n")
		printFlagCategory(fs, out, []string{"timeout", "kill-on-error", "kill-signal", "heartbeat", "poll-interval"})

		fmt.Fprintf(out, "\nExecution:\n")
		printFlagCategory(fs, out, []string{"isolation", "codec", "sink-dir"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "metrics-dump", "verbose", "log-format", "log-level", "tui", "summary"})

		fmt.Fprintf(out, "\nDiagnostics:\n")
		printFlagCategory(fs, out, []string{"print-plan", "skip-preflight"})

		fmt.Fprintf(out, `
Exit codes:
  0 all tasks succeeded, 1 a task failed, 2 a batch timed out, 130 interrupted

Examples:
  # Three commands, stop the rest when one fails
  inparallel --kill-on-error 'make lint' 'make test' 'make vet'

  # A batch file with a 5 minute deadline
  inparallel -f ci.hcl --timeout 5m

`)
	}

	// Input
	fs.StringVarP(&cfg.BatchFile, "file", "f", cfg.BatchFile, "HCL batch file to run")
	fs.StringVar(&cfg.Label, "label", cfg.Label, "Label for positional commands")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "Shell used to run commands")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Working directory for commands")
	fs.VarP(&env, "env", "e", "Extra environment for commands (can repeat)")

	// Draining
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Batch deadline (0 = none)")
	fs.BoolVar(&cfg.KillOnError, "kill-on-error", cfg.KillOnError, "Signal remaining tasks after the first failure")
	fs.StringVar(&cfg.KillSignal, "kill-signal", cfg.KillSignal, "Signal sent to tasks that are killed")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Interval of waiting logs (0 = off)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Per-task wait in the completion poller")

	// Execution
	fs.StringVar(&cfg.Isolation, "isolation", cfg.Isolation, `Execution mode: "auto", "process" or "inline"`)
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, `Result codec: "msgpack", "gob" or "json"`)
	fs.StringVar(&cfg.SinkDir, "sink-dir", cfg.SinkDir, "Directory for task output files (default: temp dir)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = off)")
	fs.BoolVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Print final metrics to stderr at exit")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show a live terminal dashboard")
	fs.BoolVar(&cfg.Summary, "summary", cfg.Summary, "Print an exit summary")

	// Diagnostics
	fs.BoolVar(&cfg.PrintPlan, "print-plan", cfg.PrintPlan, "Print the planned batches and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env
	cfg.Commands = fs.Args()

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *pflag.FlagSet, out io.Writer, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}

		flagName := "    --" + f.Name
		if f.Shorthand != "" {
			flagName = fmt.Sprintf("-%s, --%s", f.Shorthand, f.Name)
		}
		fmt.Fprintf(out, "  %s %s\n    \t%s", flagName, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
			fmt.Fprintf(out, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(out)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch t := f.Value.Type(); t {
	case "bool":
		return ""
	default:
		return t
	}
}
