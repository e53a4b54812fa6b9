package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step represents a single step in a saga with an execute and compensate function.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context, cause error) error
}

// StepError reports which step failed and whether compensation ran.
type StepError struct {
	Saga        string
	Step        string
	Index       int
	Compensated bool
	Err         error
	CompErr     error
}

func (e *StepError) Error() string {
	if e.CompErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Saga orchestrates a series of steps with compensation on failure.
type Saga struct {
	name         string
	steps        []Step
	compensateIf func(error) bool
}

// New creates a new saga with the given name.
func New(name string) *Saga {
	return &Saga{name: name}
}

// AddStep adds a step to the saga.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// CompensateIf restricts compensation to failures accepted by fn. Failures it
// rejects leave completed steps in place, e.g. when the outcome is unknown
// and a later process will resolve it.
func (s *Saga) CompensateIf(fn func(error) bool) *Saga {
	s.compensateIf = fn
	return s
}

// Execute runs all steps sequentially. On failure it compensates completed
// steps in reverse order and returns a *StepError.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		err := step.Execute(ctx)
		if err == nil {
			continue
		}
		stepErr := &StepError{Saga: s.name, Step: step.Name, Index: i, Err: err}
		if s.compensateIf != nil && !s.compensateIf(err) {
			return stepErr
		}
		stepErr.Compensated = true
		stepErr.CompErr = s.compensate(ctx, i, err)
		return stepErr
	}
	return nil
}

// compensate undoes steps [0, failed) in reverse order; every compensation
// runs even if an earlier one fails.
func (s *Saga) compensate(ctx context.Context, failed int, cause error) error {
	var errs []error
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, cause); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
