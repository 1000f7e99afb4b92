package inparallel

import (
	"fmt"
	"sync/atomic"
)

var tokenSeq atomic.Uint64

// Token identifies one submission until its batch is drained.
type Token uint64

func nextToken() Token {
	return Token(tokenSeq.Add(1))
}

func (t Token) String() string {
	return fmt.Sprintf("unresolved_parallel_result_%d", uint64(t))
}

type slot struct {
	token  Token
	value  any
	err    error
	filled bool
}

// ResultTable holds one slot per task of a batch, in submission order. Each
// slot is written exactly once.
type ResultTable struct {
	slots []slot
	index map[Token]int
}

func newResultTable() *ResultTable {
	return &ResultTable{index: make(map[Token]int)}
}

func (t *ResultTable) add(token Token) int {
	i := len(t.slots)
	t.slots = append(t.slots, slot{token: token})
	t.index[token] = i
	return i
}

func (t *ResultTable) fill(i int, v any, err error) {
	s := &t.slots[i]
	if s.filled {
		panic(fmt.Sprintf("inparallel: result slot %d written twice", i))
	}
	s.value, s.err, s.filled = v, err, true
}

func (t *ResultTable) set(i int, v any)           { t.fill(i, v, nil) }
func (t *ResultTable) setAbsent(i int)            { t.fill(i, nil, ErrNoValue) }
func (t *ResultTable) setFailed(i int, err error) { t.fill(i, nil, err) }
func (t *ResultTable) filled(i int) bool          { return t.slots[i].filled }

// Len returns the number of slots.
func (t *ResultTable) Len() int {
	return len(t.slots)
}

// Get returns the value at index i. It returns ErrUnresolved before the slot
// is written, ErrNoValue for an absent value, ErrKilled for a killed task,
// and the task's *WorkerError for a failed one.
func (t *ResultTable) Get(i int) (any, error) {
	if i < 0 || i >= len(t.slots) {
		return nil, fmt.Errorf("inparallel: result index %d out of range [0,%d)", i, len(t.slots))
	}
	s := t.slots[i]
	if !s.filled {
		return nil, ErrUnresolved
	}
	return s.value, s.err
}

// Lookup resolves a placeholder token.
func (t *ResultTable) Lookup(token Token) (any, error) {
	i, ok := t.index[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return t.Get(i)
}

// Values returns every value in submission order, nil for slots without one.
func (t *ResultTable) Values() []any {
	out := make([]any, len(t.slots))
	for i, s := range t.slots {
		if s.filled && s.err == nil {
			out[i] = s.value
		}
	}
	return out
}

// Resolved reports whether every slot has been written.
func (t *ResultTable) Resolved() bool {
	for _, s := range t.slots {
		if !s.filled {
			return false
		}
	}
	return true
}

// Placeholder is the future-like handle returned by Func.Go.
type Placeholder[R any] struct {
	label string
	rec   *taskRecord
	table *ResultTable
	err   error
}

// Token returns the placeholder's token, zero if the submission was rejected.
func (p *Placeholder[R]) Token() Token {
	if p.rec == nil {
		return 0
	}
	return p.rec.token
}

// Label returns the diagnostic label of the task.
func (p *Placeholder[R]) Label() string {
	return p.label
}

// PID returns the worker process id, or 0 for inline and rejected tasks.
func (p *Placeholder[R]) PID() int {
	if p.rec == nil {
		return 0
	}
	return p.rec.pid
}

// State returns the task state.
func (p *Placeholder[R]) State() State {
	if p.rec == nil {
		return StateFailed
	}
	return p.rec.state
}

// Resolved reports whether Get will return a final answer.
func (p *Placeholder[R]) Resolved() bool {
	return p.err != nil || p.table.filled(p.rec.index)
}

// Get returns the task's value once its batch has been drained.
func (p *Placeholder[R]) Get() (R, error) {
	var zero R
	if p.err != nil {
		return zero, p.err
	}

	v, err := p.table.Get(p.rec.index)
	if err != nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("inparallel: result of %s is %T, not %T", p.label, v, zero)
	}
	return r, nil
}

// Value is Get without the error; the zero value stands in for any failure.
func (p *Placeholder[R]) Value() R {
	r, _ := p.Get()
	return r
}
