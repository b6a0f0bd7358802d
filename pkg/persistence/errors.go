// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrJourneyNotFound indicates a journey definition was not found.
	ErrJourneyNotFound = errors.New("journey not found")

	// ErrEnrollmentNotFound indicates an enrollment was not found.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrEnrollmentExists indicates an enrollment id collision on create.
	ErrEnrollmentExists = errors.New("enrollment already exists")

	// ErrVersionConflict indicates an optimistic-lock write lost the race;
	// the caller must re-read before retrying.
	ErrVersionConflict = errors.New("enrollment version conflict")
)

// EnrollmentError wraps enrollment storage errors with operation context.
type EnrollmentError struct {
	Op           string
	EnrollmentID string
	Err          error
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("%s failed for enrollment %s: %v", e.Op, e.EnrollmentID, e.Err)
}

func (e *EnrollmentError) Unwrap() error {
	return e.Err
}

func (e *EnrollmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEnrollmentError wraps err with operation context.
func NewEnrollmentError(op, enrollmentID string, err error) *EnrollmentError {
	return &EnrollmentError{Op: op, EnrollmentID: enrollmentID, Err: err}
}

// JourneyError wraps journey storage errors with operation context.
type JourneyError struct {
	Op        string
	JourneyID string
	Err       error
}

func (e *JourneyError) Error() string {
	return fmt.Sprintf("%s failed for journey %s: %v", e.Op, e.JourneyID, e.Err)
}

func (e *JourneyError) Unwrap() error {
	return e.Err
}

func (e *JourneyError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJourneyError wraps err with operation context.
func NewJourneyError(op, journeyID string, err error) *JourneyError {
	return &JourneyError{Op: op, JourneyID: journeyID, Err: err}
}

// IsJourneyNotFound checks if an error indicates a missing journey.
func IsJourneyNotFound(err error) bool {
	return errors.Is(err, ErrJourneyNotFound)
}

// IsEnrollmentNotFound checks if an error indicates a missing enrollment.
func IsEnrollmentNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound)
}

// IsVersionConflict checks if an error indicates a lost optimistic write.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
