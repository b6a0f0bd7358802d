// Package engine drives journey execution: trigger matching, the node
// state machine, and the tick entry point.
package engine

import (
	"errors"
	"fmt"
)

// ErrJourneyNotExecutable indicates the journey is not in a state that
// allows enrollments to advance.
var ErrJourneyNotExecutable = errors.New("journey is not executable")

// ValidationError indicates malformed input or configuration surfaced
// synchronously to the caller. No enrollment state is mutated.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error with an optional cause.
func NewValidationError(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

// IsValidationError checks whether err is a validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError

	return errors.As(err, &ve)
}

// InvariantError indicates corrupted execution state: a current node id
// absent from the graph, a cycle that never parks, a config payload that
// does not match its node type. The enrollment is moved to FAILED and
// requires manual intervention.
type InvariantError struct {
	EnrollmentID string
	NodeID       string
	Reason       string
}

func (e *InvariantError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("invariant violated for enrollment %s at node %s: %s", e.EnrollmentID, e.NodeID, e.Reason)
	}

	return fmt.Sprintf("invariant violated for enrollment %s: %s", e.EnrollmentID, e.Reason)
}

// IsInvariantError checks whether err is an execution invariant violation.
func IsInvariantError(err error) bool {
	var ie *InvariantError

	return errors.As(err, &ie)
}
