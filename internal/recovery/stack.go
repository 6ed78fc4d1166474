package recovery

import (
	"context"
	"errors"
	"slices"
)

type (
	// stack holds the teardown of everything a run created.
	stack struct {
		destructors []destructor
	}
	destructor func(ctx context.Context) error
)

// Push adds a destructor, to be called in the reverse order they were added.
func (s *stack) Push(d destructor) {
	s.destructors = append(s.destructors, d)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. The stack is empty after.
func (s *stack) Destroy(ctx context.Context) error {
	var errs error
	for _, d := range slices.Backward(s.destructors) {
		errs = errors.Join(errs, d(ctx))
	}
	s.destructors = nil
	return errs
}
