// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Each worker holds a result pipe, an invocation pipe, a sink file and
// /dev/null, on both sides of the fork for a moment.
const (
	fdsPerTask   = 4
	fdOverhead   = 64
	procOverhead = 32
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes the run being checked.
type Options struct {
	// Tasks is the largest number of tasks that run at once.
	Tasks int

	Shell     string
	SinkDir   string
	Isolation string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	checks := []Check{
		checkFileDescriptors(opts.Tasks),
		checkProcessLimit(opts.Tasks),
		checkShell(opts.Shell),
		checkSinkDir(opts.SinkDir),
		checkIsolation(opts.Isolation),
	}
	for _, check := range checks {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.Passed = false
		}
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(tasks int) Check {
	required := tasks*fdsPerTask + fdOverhead

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d tasks)", actual, required, tasks),
	}
}

// checkProcessLimit verifies sufficient process slots are available. The
// limit counts every process of the user, so a miss is only a warning.
func checkProcessLimit(tasks int) Check {
	required := tasks + procOverhead

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkShell verifies the shell used for commands can be found.
func checkShell(shell string) Check {
	if shell == "" {
		return Check{Name: "shell", Passed: false, Message: "no shell configured"}
	}

	path, err := exec.LookPath(shell)
	if err != nil {
		return Check{
			Name:    "shell",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", shell, err),
		}
	}

	return Check{
		Name:    "shell",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkSinkDir verifies worker output files can be created.
func checkSinkDir(dir string) Check {
	if dir == "" {
		dir = os.TempDir()
	}

	f, err := os.CreateTemp(dir, "inparallel-preflight-*")
	if err != nil {
		return Check{
			Name:    "sink_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
		}
	}
	f.Close()
	os.Remove(f.Name())

	return Check{
		Name:    "sink_dir",
		Passed:  true,
		Message: fmt.Sprintf("%s is writable", dir),
	}
}

// checkIsolation reports whether tasks can be re-executed in workers.
func checkIsolation(mode string) Check {
	if mode == "inline" {
		return Check{
			Name:    "isolation",
			Passed:  true,
			Warning: true,
			Message: "inline mode: tasks run sequentially in this process",
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return Check{
			Name:    "isolation",
			Passed:  mode != "process",
			Warning: true,
			Message: fmt.Sprintf("cannot locate executable: %v", err),
		}
	}

	return Check{
		Name:    "isolation",
		Passed:  true,
		Message: fmt.Sprintf("workers re-execute %s", exe),
	}
}

func clampLimit(v uint64) int {
	const maxInt = int(^uint(0) >> 1)
	if v > uint64(maxInt) {
		return maxInt
	}
	return int(v)
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			if fix := suggestFix(check.Name); fix != "" {
				fmt.Fprintf(w, "    Fix: %s\n", fix)
			}
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "shell":
		return "pass --shell with an installed shell"
	case "sink_dir":
		return "pass --sink-dir with a writable directory"
	case "isolation":
		return "use --isolation auto or process"
	default:
		return ""
	}
}
