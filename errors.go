package imm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHyperparameters is returned when a model is built from
	// hyperparameters outside their support.
	ErrInvalidHyperparameters = errors.New("invalid hyperparameters")

	// ErrInconsistentState signals a broken invariant in the partition or its
	// sufficient statistics. It is never recovered from.
	ErrInconsistentState = errors.New("inconsistent partition state")

	// ErrNumericalDegeneracy is returned when a posterior scale matrix is no
	// longer positive definite.
	ErrNumericalDegeneracy = errors.New("numerical degeneracy")

	// ErrInvalidData is returned for empty or ragged observation sets.
	ErrInvalidData = errors.New("invalid data")

	// ErrInvalidConfig is returned for sampler or run settings out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

// InferenceError records which step of a run failed.
type InferenceError struct {
	Op        string // sampler name or operation
	Iteration int    // zero-based iteration, -1 outside the sampling loop
	Err       error
}

func (e *InferenceError) Error() string {
	if e.Iteration >= 0 {
		return fmt.Sprintf("imm: %s: iteration %d: %v", e.Op, e.Iteration, e.Err)
	}
	return fmt.Sprintf("imm: %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IsInconsistentState reports whether err wraps ErrInconsistentState.
func IsInconsistentState(err error) bool {
	return errors.Is(err, ErrInconsistentState)
}

// IsNumericalDegeneracy reports whether err wraps ErrNumericalDegeneracy.
func IsNumericalDegeneracy(err error) bool {
	return errors.Is(err, ErrNumericalDegeneracy)
}

// IsInvalidHyperparameters reports whether err wraps ErrInvalidHyperparameters.
func IsInvalidHyperparameters(err error) bool {
	return errors.Is(err, ErrInvalidHyperparameters)
}
