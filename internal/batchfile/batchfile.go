// Package batchfile loads HCL batch files for the inparallel CLI.
//
// A batch file lists batches of shell commands. Batches run one after the
// other; the tasks of a batch run in parallel.
//
//	shell   = "/bin/bash"
//	timeout = "10m"
//
//	batch "checks" {
//	  kill_on_error = true
//
//	  task "vet" {
//	    command = "go vet ./..."
//	  }
//	  task "lint" {
//	    command = "golangci-lint run"
//	    env     = { GOFLAGS = "-mod=mod" }
//	  }
//	}
//
//	batch "tests" {
//	  for_each = ["./pkg/...", "./internal/..."]
//	  label    = "test-${index}"
//	  command  = "go test ${item}"
//	}
//
// Expressions can read the process environment as env.NAME. Inside a
// for_each batch, item, index and key name the current element.
package batchfile

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// File is a loaded batch file.
type File struct {
	Path string

	// Shell overrides the CLI shell when set.
	Shell string

	// Timeout is the default batch timeout; TimeoutSet tells 0 from unset.
	Timeout    time.Duration
	TimeoutSet bool

	Batches []*Batch
}

// Batch is one set of tasks drained together.
type Batch struct {
	Name        string
	Background  bool
	KillOnError bool

	Timeout    time.Duration
	TimeoutSet bool

	// ForEach batches were expanded from a collection and run through the
	// collection adapter.
	ForEach bool

	Tasks []*Task
}

// Task is one shell command.
type Task struct {
	Label   string
	Command string
	Dir     string
	Env     map[string]string
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (t *Task) EnvList() []string {
	out := make([]string, 0, len(t.Env))
	for k, v := range t.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// TaskCount returns the number of tasks across all batches.
func (f *File) TaskCount() int {
	n := 0
	for _, b := range f.Batches {
		n += len(b.Tasks)
	}
	return n
}

// hclFile is the top-level structure of a batch file for decoding.
type hclFile struct {
	Shell   *string     `hcl:"shell,optional"`
	Timeout *string     `hcl:"timeout,optional"`
	Batches []*hclBatch `hcl:"batch,block"`
}

type hclBatch struct {
	Name        string  `hcl:"name,label"`
	Background  *bool   `hcl:"background,optional"`
	KillOnError *bool   `hcl:"kill_on_error,optional"`
	Timeout     *string `hcl:"timeout,optional"`
	Dir         *string `hcl:"dir,optional"`

	// for_each form
	ForEach hcl.Expression `hcl:"for_each,optional"`
	Command hcl.Expression `hcl:"command,optional"`
	Label   hcl.Expression `hcl:"label,optional"`

	Tasks []*hclTask `hcl:"task,block"`
}

type hclTask struct {
	Name    string            `hcl:"name,label"`
	Command string            `hcl:"command"`
	Dir     *string           `hcl:"dir,optional"`
	Env     map[string]string `hcl:"env,optional"`
}

// Load parses the batch file at path with the process environment.
func Load(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return LoadBytes(src, path, environ())
}

// LoadBytes parses src as a batch file named filename. env is exposed to
// expressions as env.NAME.
func LoadBytes(src []byte, filename string, env map[string]string) (*File, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", filename, diags)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": envValue(env),
		},
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, evalCtx, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode batch file %s: %w", filename, diags)
	}

	f := &File{Path: filename}
	if parsed.Shell != nil {
		f.Shell = *parsed.Shell
	}
	if parsed.Timeout != nil {
		d, err := parseDuration("timeout", *parsed.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		f.Timeout, f.TimeoutSet = d, true
	}

	if len(parsed.Batches) == 0 {
		return nil, fmt.Errorf("%s: no batch blocks", filename)
	}

	seen := make(map[string]bool, len(parsed.Batches))
	for _, hb := range parsed.Batches {
		if seen[hb.Name] {
			return nil, fmt.Errorf("%s: duplicate batch %q", filename, hb.Name)
		}
		seen[hb.Name] = true

		b, err := newBatch(hb, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s: batch %q: %w", filename, hb.Name, err)
		}
		f.Batches = append(f.Batches, b)
	}

	return f, nil
}

func newBatch(hb *hclBatch, evalCtx *hcl.EvalContext) (*Batch, error) {
	b := &Batch{Name: hb.Name}
	if hb.Background != nil {
		b.Background = *hb.Background
	}
	if hb.KillOnError != nil {
		b.KillOnError = *hb.KillOnError
	}
	if hb.Timeout != nil {
		d, err := parseDuration("timeout", *hb.Timeout)
		if err != nil {
			return nil, err
		}
		b.Timeout, b.TimeoutSet = d, true
	}
	dir := ""
	if hb.Dir != nil {
		dir = *hb.Dir
	}

	forEach := !isNull(hb.ForEach, evalCtx)
	switch {
	case forEach && len(hb.Tasks) > 0:
		return nil, fmt.Errorf("for_each and task blocks cannot be combined")
	case forEach:
		tasks, err := expand(hb, dir, evalCtx)
		if err != nil {
			return nil, err
		}
		b.ForEach = true
		b.Tasks = tasks
	case len(hb.Tasks) == 0:
		return nil, fmt.Errorf("needs task blocks or for_each")
	default:
		if !isNull(hb.Command, evalCtx) {
			return nil, fmt.Errorf("command is only valid with for_each")
		}
		for _, ht := range hb.Tasks {
			if strings.TrimSpace(ht.Command) == "" {
				return nil, fmt.Errorf("task %q: command must not be empty", ht.Name)
			}
			t := &Task{Label: ht.Name, Command: ht.Command, Dir: dir, Env: ht.Env}
			if ht.Dir != nil {
				t.Dir = *ht.Dir
			}
			b.Tasks = append(b.Tasks, t)
		}
	}

	return b, nil
}

// expand evaluates command (and label) once per for_each element.
func expand(hb *hclBatch, dir string, evalCtx *hcl.EvalContext) ([]*Task, error) {
	coll, diags := hb.ForEach.Value(evalCtx)
	if diags.HasErrors() {
		return nil, diags
	}
	ty := coll.Type()
	if !(ty.IsListType() || ty.IsTupleType() || ty.IsSetType() || ty.IsMapType() || ty.IsObjectType()) {
		return nil, fmt.Errorf("for_each must be a list or map, got %s", ty.FriendlyName())
	}
	if !coll.IsWhollyKnown() {
		return nil, fmt.Errorf("for_each must be known")
	}
	if isNull(hb.Command, evalCtx) {
		return nil, fmt.Errorf("for_each needs a command")
	}

	var tasks []*Task
	index := 0
	for it := coll.ElementIterator(); it.Next(); index++ {
		key, item := it.Element()

		child := evalCtx.NewChild()
		child.Variables = map[string]cty.Value{
			"item":  item,
			"index": cty.NumberIntVal(int64(index)),
			"key":   key,
		}

		command, err := evalString(hb.Command, child)
		if err != nil {
			return nil, fmt.Errorf("element %d: command: %w", index, err)
		}

		label := fmt.Sprintf("%s[%d]", hb.Name, index)
		if !isNull(hb.Label, child) {
			if label, err = evalString(hb.Label, child); err != nil {
				return nil, fmt.Errorf("element %d: label: %w", index, err)
			}
		}

		tasks = append(tasks, &Task{Label: label, Command: command, Dir: dir})
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("for_each is empty")
	}
	return tasks, nil
}

func evalString(expr hcl.Expression, evalCtx *hcl.EvalContext) (string, error) {
	v, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return "", diags
	}
	v, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", err
	}
	var s string
	if err := gocty.FromCtyValue(v, &s); err != nil {
		return "", err
	}
	return s, nil
}

// isNull reports whether an optional expression was left out. gohcl fills
// missing hcl.Expression fields with a static null.
func isNull(expr hcl.Expression, evalCtx *hcl.EvalContext) bool {
	if expr == nil {
		return true
	}
	// Variable references (item, index) only exist in child contexts
	if len(expr.Variables()) > 0 {
		return false
	}
	v, diags := expr.Value(evalCtx)
	return !diags.HasErrors() && v.IsNull()
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func envValue(env map[string]string) cty.Value {
	if len(env) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
