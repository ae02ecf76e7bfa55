// Package fanout runs independent work items concurrently and collects every
// outcome in input order.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Outcome is the settled result of one item.
type Outcome[R any] struct {
	Value R
	Err   error
}

// PanicError is stored when an item's work panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type settings struct {
	limit int
}

// Option configures RunMany.
type Option func(*settings)

// WithLimit caps the number of items running at once. n <= 0 means no cap.
func WithLimit(n int) Option {
	return func(s *settings) { s.limit = n }
}

// RunMany calls work for every item and waits for all of them. Item i's
// result or error lands in position i. A failing or panicking item never
// cancels its siblings.
func RunMany[T, R any](ctx context.Context, items []T, work func(ctx context.Context, i int, item T) (R, error), opts ...Option) []Outcome[R] {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	out := make([]Outcome[R], len(items))
	// Plain group, not WithContext: one failure must not cancel the rest.
	var g errgroup.Group
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}

	for i, item := range items {
		g.Go(func() error {
			out[i] = settle(ctx, i, item, work)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func settle[T, R any](ctx context.Context, i int, item T, work func(context.Context, int, T) (R, error)) (o Outcome[R]) {
	defer func() {
		if v := recover(); v != nil {
			o = Outcome[R]{Err: &PanicError{Value: v, Stack: debug.Stack()}}
		}
	}()
	if err := ctx.Err(); err != nil {
		return Outcome[R]{Err: err}
	}
	v, err := work(ctx, i, item)
	return Outcome[R]{Value: v, Err: err}
}

// Values returns the values of successful outcomes, in order.
func Values[R any](outcomes []Outcome[R]) []R {
	vals := make([]R, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			vals = append(vals, o.Value)
		}
	}
	return vals
}

// Errors maps failed positions to their errors.
func Errors[R any](outcomes []Outcome[R]) map[int]error {
	errs := make(map[int]error)
	for i, o := range outcomes {
		if o.Err != nil {
			errs[i] = o.Err
		}
	}
	return errs
}
