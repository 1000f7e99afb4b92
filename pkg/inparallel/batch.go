package inparallel

import (
	"context"
	"time"
)

// Mode says how a batch is collected.
type Mode int

const (
	// ModeForeground batches are drained before RunInParallel returns.
	ModeForeground Mode = iota

	// ModeBackground batches are drained later by WaitBackground.
	ModeBackground

	// ModeDetached batches are never drained; results are discarded.
	ModeDetached
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeForeground:
		return "foreground"
	case ModeBackground:
		return "background"
	case ModeDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Batch is one set of tasks submitted together and drained together.
type Batch struct {
	c    *Controller
	ctx  context.Context
	id   uint64
	mode Mode

	timeout     time.Duration
	killOnError bool

	records []*taskRecord
	results *ResultTable

	firstErr error
	sealed   bool
	drained  bool

	// skipRest is set in inline mode once a fail-fast batch has failed.
	skipRest bool

	started time.Time
}

// ID returns the controller-unique batch id.
func (b *Batch) ID() uint64 {
	return b.id
}

// Mode returns how the batch is collected.
func (b *Batch) Mode() Mode {
	return b.mode
}

// Len returns the number of submitted tasks.
func (b *Batch) Len() int {
	return len(b.records)
}

// Results returns the batch's result table.
func (b *Batch) Results() *ResultTable {
	return b.results
}

// Drained reports whether every task of the batch has been accounted for.
func (b *Batch) Drained() bool {
	return b.drained
}

// Err returns the first failure of the batch in completion order.
func (b *Batch) Err() error {
	return b.firstErr
}

// fail records err as the first error unless one is already set.
func (b *Batch) fail(err error) bool {
	if b.firstErr != nil {
		return false
	}
	b.firstErr = err
	return true
}

// failFast reports whether a failure should kill the remaining tasks.
func (b *Batch) failFast(drainKill bool) bool {
	return b.killOnError || drainKill
}

func (b *Batch) counts() (completed, failed, killed int) {
	for _, rec := range b.records {
		switch rec.state {
		case StateCompleted:
			completed++
		case StateFailed:
			failed++
		case StateKilled:
			killed++
		}
	}
	return
}

// Option configures a drain or a submission.
type Option func(*options)

type options struct {
	timeout           time.Duration
	timeoutSet        bool
	killOnError       bool
	includeBackground bool
	label             string
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout bounds the drain. d <= 0 disables the timeout. Without this
// option Config.DefaultTimeout applies.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// KillOnError selects fail-fast: the first failure signals every other task
// of the batch. Without it all tasks run to completion before the error is
// returned.
func KillOnError(on bool) Option {
	return func(o *options) {
		o.killOnError = on
	}
}

// IncludeBackground merges every registered background batch into a
// foreground drain. Only the foreground values are returned.
func IncludeBackground() Option {
	return func(o *options) {
		o.includeBackground = true
	}
}

// WithLabel overrides the diagnostic label of a submission, or of every
// element submitted by Map.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}
