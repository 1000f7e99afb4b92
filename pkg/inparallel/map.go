package inparallel

import "context"

// Map applies fn to every item and returns the results in input order.
//
// With zero or one item, or without isolation, fn runs sequentially in this
// process and its first error is returned as is. Otherwise every item becomes
// one task of a single batch labelled with fn's name (or WithLabel), drained
// like RunInParallel. Slots without a value hold R's zero value.
func Map[T, R any](ctx context.Context, c *Controller, items []T, fn *Func[T, R], opts ...Option) ([]R, error) {
	if len(items) <= 1 || !c.Isolated() {
		out := make([]R, 0, len(items))
		for _, item := range items {
			r, err := fn.Call(ctx, item)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	}

	placeholders := make([]*Placeholder[R], len(items))
	_, err := c.RunInParallel(ctx, func(b *Batch) error {
		for i, item := range items {
			placeholders[i] = fn.Go(b, item, opts...)
		}
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	out := make([]R, len(items))
	for i, p := range placeholders {
		if v, err := p.Get(); err == nil {
			out[i] = v
		}
	}
	return out, nil
}
