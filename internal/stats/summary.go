package stats

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

const (
	rule    = "═══════════════════════════════════════════════════════════════════════════════\n"
	subrule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// PeakActive is the most tasks running at once (from metrics.Collector)
	PeakActive int

	// ExitCodes is a map of exit codes to counts of failed tasks
	ExitCodes map[int]int64

	// Isolated is false when tasks ran inline in this process
	Isolated bool
}

// FormatExitSummary formats recorded stats for display at program exit.
func FormatExitSummary(snap *Snapshot, cfg SummaryConfig) string {
	if snap == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString("                           inparallel Exit Summary\n")
	b.WriteString(rule + "\n")

	if !cfg.Isolated {
		b.WriteString("⚠️  INLINE MODE: tasks ran sequentially in this process\n\n")
	}

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Batches:                %d\n", snap.Batches)
	fmt.Fprintf(&b, "Tasks Started:          %s\n", FormatNumber(snap.Started))
	if cfg.PeakActive > 0 {
		fmt.Fprintf(&b, "Peak Running Tasks:     %d\n", cfg.PeakActive)
	}
	b.WriteString("\n")

	// Outcomes
	section(&b, "Task Outcomes")
	finished := snap.Finished()
	fmt.Fprintf(&b, "  %-20s %12s %8s\n", "State", "Tasks", "Share")
	b.WriteString("  " + strings.Repeat("─", 42) + "\n")
	for _, row := range []struct {
		state inparallel.State
		n     int64
	}{
		{inparallel.StateCompleted, snap.Completed},
		{inparallel.StateFailed, snap.Failed},
		{inparallel.StateKilled, snap.Killed},
	} {
		fmt.Fprintf(&b, "  %-20s %12s %7d%%\n", row.state, FormatNumber(row.n), percent(row.n, finished))
	}
	if snap.SerializationFailures > 0 {
		fmt.Fprintf(&b, "\n  Results dropped:      %d (could not be serialized)\n", snap.SerializationFailures)
	}
	b.WriteString("\n")

	// Durations
	if finished > 0 {
		section(&b, "Task Durations")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(snap.DurationP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(snap.DurationP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(snap.DurationP99))
		fmt.Fprintf(&b, "  Max:                  %s\n", FormatMs(snap.DurationMax))
		if cfg.Duration > 0 {
			fmt.Fprintf(&b, "  Throughput:           %s\n", FormatRate(float64(finished)/cfg.Duration.Seconds()))
		}
		b.WriteString("\n")
	}

	// Failures
	if len(snap.Failures) > 0 {
		section(&b, "Failures")
		for _, f := range snap.Failures {
			fmt.Fprintf(&b, "  %-24s pid %-8d %-14s %s\n", f.Label, f.PID, f.Kind, truncate(f.Message, 60))
		}
		if snap.Failed > int64(len(snap.Failures)) {
			fmt.Fprintf(&b, "  ... and %d more\n", snap.Failed-int64(len(snap.Failures)))
		}
		b.WriteString("\n")
	}

	// Exit codes (from metrics.Collector)
	if len(cfg.ExitCodes) > 0 {
		section(&b, "Exit Codes")

		// Sort exit codes for consistent output
		codes := make([]int, 0, len(cfg.ExitCodes))
		for code := range cfg.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), cfg.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if snap.LastBatchErr != nil {
		fmt.Fprintf(&b, "Batch result: %s (%s)\n", outcome(snap.LastBatchErr), snap.LastBatchErr)
	}

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(rule)

	return b.String()
}

// formatBasicSummary formats a basic summary when stats are not available.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString("                           inparallel Exit Summary\n")
	b.WriteString(rule + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(cfg.Duration))
	b.WriteString("(No tasks were recorded)\n\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(rule)

	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(subrule)
	pad := (79 - len(title)) / 2
	b.WriteString(strings.Repeat(" ", max(pad, 0)) + title + "\n")
	b.WriteString(subrule + "\n")
}

func percent(n, total int64) int64 {
	if total == 0 {
		return 0
	}
	return n * 100 / total
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// outcome names a drain error the way the exit code does.
func outcome(err error) string {
	switch {
	case errors.Is(err, inparallel.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, inparallel.ErrBatchTimeout):
		return "timed out"
	default:
		return "failed"
	}
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 126:
		return "(not executable)"
	case 127:
		return "(not found)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
