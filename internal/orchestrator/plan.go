package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/randomizedcoder/go-inparallel/internal/batchfile"
	"github.com/randomizedcoder/go-inparallel/internal/config"
	"github.com/randomizedcoder/go-inparallel/internal/jobs"
)

// Plan is the resolved list of batches to run, in order.
type Plan struct {
	Title   string
	Shell   string
	Batches []*PlannedBatch
}

// PlannedBatch is a batch with CLI defaults applied.
type PlannedBatch struct {
	Name        string
	Background  bool
	ForEach     bool
	KillOnError bool
	Timeout     time.Duration
	Tasks       []PlannedTask
}

// PlannedTask is one shell invocation.
type PlannedTask struct {
	Label string
	Args  jobs.ShellArgs
}

// BuildPlan resolves the batches of cfg: the batch file when one is given,
// otherwise a single batch of the positional commands.
func BuildPlan(cfg *config.Config) (*Plan, error) {
	if cfg.BatchFile == "" {
		return commandPlan(cfg), nil
	}

	f, err := batchfile.Load(cfg.BatchFile)
	if err != nil {
		return nil, err
	}
	return filePlan(cfg, f), nil
}

func commandPlan(cfg *config.Config) *Plan {
	b := &PlannedBatch{
		Name:        "commands",
		KillOnError: cfg.KillOnError,
		Timeout:     cfg.Timeout,
	}
	for i, cmd := range cfg.Commands {
		label := cfg.Label
		if len(cfg.Commands) > 1 {
			label = fmt.Sprintf("%s[%d]", cfg.Label, i)
		}
		b.Tasks = append(b.Tasks, PlannedTask{
			Label: label,
			Args: jobs.ShellArgs{
				Command: cmd,
				Shell:   cfg.Shell,
				Dir:     cfg.Dir,
				Env:     cfg.Env,
			},
		})
	}
	return &Plan{Title: "inparallel", Shell: cfg.Shell, Batches: []*PlannedBatch{b}}
}

// filePlan applies CLI defaults to a batch file. Settings in the file win,
// except kill-on-error which is enabled by either.
func filePlan(cfg *config.Config, f *batchfile.File) *Plan {
	shell := cfg.Shell
	if f.Shell != "" {
		shell = f.Shell
	}
	timeout := cfg.Timeout
	if f.TimeoutSet {
		timeout = f.Timeout
	}

	plan := &Plan{Title: f.Path, Shell: shell}
	for _, fb := range f.Batches {
		b := &PlannedBatch{
			Name:        fb.Name,
			Background:  fb.Background,
			ForEach:     fb.ForEach,
			KillOnError: fb.KillOnError || cfg.KillOnError,
			Timeout:     timeout,
		}
		if fb.TimeoutSet {
			b.Timeout = fb.Timeout
		}

		for _, t := range fb.Tasks {
			dir := cfg.Dir
			if t.Dir != "" {
				dir = t.Dir
			}
			env := append(append([]string(nil), cfg.Env...), t.EnvList()...)
			if len(env) == 0 {
				env = nil
			}
			b.Tasks = append(b.Tasks, PlannedTask{
				Label: t.Label,
				Args: jobs.ShellArgs{
					Command: t.Command,
					Shell:   shell,
					Dir:     dir,
					Env:     env,
				},
			})
		}
		plan.Batches = append(plan.Batches, b)
	}
	return plan
}

// TaskCount returns the number of tasks across all batches.
func (p *Plan) TaskCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Tasks)
	}
	return n
}

// MaxConcurrent returns the most tasks that can run at once: every
// background batch plus the largest foreground batch.
func (p *Plan) MaxConcurrent() int {
	background, largest := 0, 0
	for _, b := range p.Batches {
		switch {
		case b.Background:
			background += len(b.Tasks)
		case len(b.Tasks) > largest:
			largest = len(b.Tasks)
		}
	}
	return background + largest
}

// Print writes a human-readable description of the plan.
func (p *Plan) Print(w io.Writer) {
	fmt.Fprintf(w, "# Plan for %s (%d batches, %d tasks, shell %s)\n", p.Title, len(p.Batches), p.TaskCount(), p.Shell)
	for i, b := range p.Batches {
		var flags []string
		if b.Background {
			flags = append(flags, "background")
		}
		if b.ForEach {
			flags = append(flags, "for_each")
		}
		if b.KillOnError {
			flags = append(flags, "kill_on_error")
		}
		if b.Timeout > 0 {
			flags = append(flags, "timeout="+b.Timeout.String())
		} else {
			flags = append(flags, "no timeout")
		}

		fmt.Fprintf(w, "\n%d. %s [%s]\n", i+1, b.Name, strings.Join(flags, ", "))
		for _, t := range b.Tasks {
			fmt.Fprintf(w, "   %-20s %s\n", t.Label, t.Args.Command)
			if t.Args.Dir != "" {
				fmt.Fprintf(w, "   %-20s dir=%s\n", "", t.Args.Dir)
			}
			for _, kv := range t.Args.Env {
				fmt.Fprintf(w, "   %-20s env %s\n", "", kv)
			}
		}
	}
}
