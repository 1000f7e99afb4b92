package inparallel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/randomizedcoder/go-inparallel/internal/wire"
)

// entry is the type-erased form of a registered function, used by workers.
type entry struct {
	name   string
	invoke func(ctx context.Context, codec wire.Codec, arg []byte) (any, error)
}

var (
	funcsMu sync.RWMutex
	funcs   = make(map[string]*entry)
)

// Func is a registered unit of work taking A and returning R.
type Func[A, R any] struct {
	name string
	fn   func(context.Context, A) (R, error)
}

// Register makes fn runnable in worker processes under name. It must be
// called during package initialization (a package-level var) so that the
// re-executed worker binary registers the same functions. Registering a
// name twice panics.
func Register[A, R any](name string, fn func(context.Context, A) (R, error)) *Func[A, R] {
	if name == "" || fn == nil {
		panic("inparallel: Register requires a name and a function")
	}

	f := &Func[A, R]{name: name, fn: fn}

	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, dup := funcs[name]; dup {
		panic(fmt.Sprintf("inparallel: function %q registered twice", name))
	}
	funcs[name] = &entry{name: name, invoke: f.invoke}
	return f
}

// Name returns the registered name, which is also the default label.
func (f *Func[A, R]) Name() string {
	return f.name
}

// Call runs the function in the calling process.
func (f *Func[A, R]) Call(ctx context.Context, arg A) (R, error) {
	return f.fn(ctx, arg)
}

// Go submits the function bound to arg as one task of b and returns the
// placeholder for its result. Submitting to a sealed batch returns a
// placeholder that reports ErrBatchSealed.
func (f *Func[A, R]) Go(b *Batch, arg A, opts ...Option) *Placeholder[R] {
	o := collectOptions(opts)
	label := o.label
	if label == "" {
		label = f.name
	}

	if b.sealed {
		return &Placeholder[R]{label: label, err: ErrBatchSealed}
	}

	rec := b.c.spawn(b, task{
		fn:     f.name,
		label:  label,
		arg:    arg,
		call:   func(ctx context.Context) (any, error) { return f.fn(ctx, arg) },
		decode: decodeAs[R],
	})
	return &Placeholder[R]{label: label, rec: rec, table: b.results}
}

func (f *Func[A, R]) invoke(ctx context.Context, codec wire.Codec, arg []byte) (any, error) {
	var a A
	if len(arg) > 0 {
		if err := codec.Unmarshal(arg, &a); err != nil {
			return nil, fmt.Errorf("decode argument for %s: %w", f.name, err)
		}
	}
	return callSafely(ctx, func(ctx context.Context) (any, error) {
		return f.fn(ctx, a)
	})
}

func lookupFunc(name string) (*entry, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	e, ok := funcs[name]
	return e, ok
}

// decodeAs decodes data into a fresh R.
func decodeAs[R any](codec wire.Codec, data []byte) (any, error) {
	var r R
	if err := codec.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// callSafely runs fn and converts a panic into an error of kind "panic".
func callSafely(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
