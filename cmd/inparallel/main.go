// Package main provides the inparallel CLI entry point.
//
// inparallel runs shell commands, given as arguments or in an HCL batch
// file, as isolated worker processes and reports how each one ended.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/randomizedcoder/go-inparallel/internal/config"
	"github.com/randomizedcoder/go-inparallel/internal/logging"
	"github.com/randomizedcoder/go-inparallel/internal/orchestrator"
	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/inparallel
var version = "dev"

func main() {
	// Workers re-execute this binary; Init runs their task and exits.
	inparallel.Init()
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("inparallel %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.Discard()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	plan, err := orchestrator.BuildPlan(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Batch file error: %v\n", err)
		return 1
	}

	logger.Info("starting",
		"version", version,
		"batches", len(plan.Batches),
		"tasks", plan.TaskCount(),
		"isolation", cfg.Isolation,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Create and run orchestrator
	orch := orchestrator.New(cfg, plan, logger)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("run_failed", "error", err)
		return orchestrator.ExitCode(err)
	}

	return 0
}
