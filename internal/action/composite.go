package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nixcore/installer/internal/ierr"
)

// Sequential drives a fixed list of children forward in declared order
// and backward in strict reverse order. Concrete composite actions embed
// Sequential and supply Children via their own
// constructor; Tag/MarshalFields/DescribeExecute/DescribeRevert stay
// type-specific so each composite can name itself and its children in
// receipts.
type Sequential struct {
	Base
	children []Action
}

// NewSequential returns a Sequential driving children in the given order.
func NewSequential(children ...Action) Sequential {
	return Sequential{children: children}
}

// Children returns the composite's children in declared (forward) order.
func (s *Sequential) Children() []Action { return s.children }

// Execute runs each child's Execute in order, stopping at the first
// failure. Already-Completed children are left untouched by their own
// Execute no-op contract.
func (s *Sequential) Execute(ctx context.Context, name string) error {
	s.SetState(Progress)
	for i, child := range s.children {
		if err := ctx.Err(); err != nil {
			return ierr.NewCancelledError(name)
		}
		if err := child.Execute(ctx); err != nil {
			return fmt.Errorf("child %d (%s): %w", i, child.Tag(), err)
		}
	}
	s.SetState(Completed)
	return nil
}

// Revert runs each child's Revert in strict reverse order, stopping at
// the first failure. Children never executed are Uncompleted already, so
// their Revert is a safe no-op per the Action contract.
func (s *Sequential) Revert(ctx context.Context, name string) error {
	s.SetState(Progress)
	for i := len(s.children) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return ierr.NewCancelledError(name)
		}
		child := s.children[i]
		if err := child.Revert(ctx); err != nil {
			return fmt.Errorf("child %d (%s): %w", i, child.Tag(), err)
		}
	}
	s.SetState(Uncompleted)
	return nil
}

// marshalChildren serializes children to the receipt's children array
// shape, shared by every Sequential/Parallel composite's MarshalFields.
func marshalChildren(children []Action) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(children))
	for i, c := range children {
		raw, err := Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

func unmarshalChildren(raw []json.RawMessage) ([]Action, error) {
	children := make([]Action, len(raw))
	for i, r := range raw {
		a, err := Unmarshal(r)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		children[i] = a
	}
	return children, nil
}

// Parallel drives a fixed list of children concurrently in both
// directions. Used only where children touch disjoint target files
// (e.g. ConfigureShellProfile's five distinct profile files), so no
// internal locking is required between them.
type Parallel struct {
	Base
	children []Action
}

// NewParallel returns a Parallel driving children concurrently.
func NewParallel(children ...Action) Parallel {
	return Parallel{children: children}
}

// Children returns the composite's children.
func (p *Parallel) Children() []Action { return p.children }

// Execute runs every child's Execute concurrently and waits for all of
// them, collecting any failures into an ActionError of kind Children.
func (p *Parallel) Execute(ctx context.Context, name string) error {
	p.SetState(Progress)
	if err := runConcurrently(ctx, name, p.children, func(a Action, ctx context.Context) error {
		return a.Execute(ctx)
	}); err != nil {
		return err
	}
	p.SetState(Completed)
	return nil
}

// Revert runs every child's Revert concurrently and waits for all of
// them. Reverse-order doesn't apply across disjoint parallel children.
func (p *Parallel) Revert(ctx context.Context, name string) error {
	p.SetState(Progress)
	if err := runConcurrently(ctx, name, p.children, func(a Action, ctx context.Context) error {
		return a.Revert(ctx)
	}); err != nil {
		return err
	}
	p.SetState(Uncompleted)
	return nil
}

func runConcurrently(ctx context.Context, name string, children []Action, fn func(Action, context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return ierr.NewCancelledError(name)
	}
	errs := make([]error, len(children))
	done := make(chan int, len(children))
	for i, child := range children {
		go func(i int, child Action) {
			errs[i] = fn(child, ctx)
			done <- i
		}(i, child)
	}
	for range children {
		<-done
	}
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return ierr.NewChildrenError(name, failed)
	}
	return nil
}
