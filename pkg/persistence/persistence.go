// Package persistence provides the storage abstraction for journey
// definitions, enrollments, and the append-only execution log.
package persistence

import (
	"context"
	"time"

	"github.com/flowmail/journey/pkg/models"
)

// JourneyRepository reads journey definitions and maintains their stats.
// Definition authoring happens outside the engine.
type JourneyRepository interface {
	Journeys(ctx context.Context) ([]*models.JourneyDefinition, error)
	ActiveJourneys(ctx context.Context) ([]*models.JourneyDefinition, error)
	JourneyByID(ctx context.Context, id string) (*models.JourneyDefinition, error)
	SaveJourney(ctx context.Context, journey *models.JourneyDefinition) error

	// IncrementStats adds the deltas onto the journey's stored stats.
	IncrementStats(ctx context.Context, journeyID string, delta models.JourneyStats) error
}

// EnrollmentRepository stores enrollments. UpdateEnrollment carries the
// optimistic concurrency check: the write only lands when the stored
// version matches the one read, so two overlapping ticks never advance the
// same enrollment twice.
type EnrollmentRepository interface {
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error

	// UpdateEnrollment persists the enrollment iff the stored version still
	// equals enrollment.Version, then bumps the version. Returns
	// ErrVersionConflict when another writer got there first.
	UpdateEnrollment(ctx context.Context, enrollment *models.Enrollment) error

	EnrollmentByID(ctx context.Context, id string) (*models.Enrollment, error)
	EnrollmentsByJourney(ctx context.Context, journeyID string, filter models.EnrollmentFilter) ([]*models.Enrollment, error)

	// EnrollmentsByCustomer returns a customer's enrollments in one
	// journey, newest first. Backs re-entry rules.
	EnrollmentsByCustomer(ctx context.Context, journeyID, customerID string) ([]*models.Enrollment, error)

	// DueEnrollments selects non-terminal enrollments whose next_run_at is
	// unset or has passed, ordered by next_run_at then id so selection is
	// deterministic.
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error)

	// WaitingForEvent returns the customer's WAITING enrollments parked on
	// an event matcher for the given event name.
	WaitingForEvent(ctx context.Context, customerID, eventName string) ([]*models.Enrollment, error)

	CountEnrollments(ctx context.Context, journeyID string) (int, error)
}

// ExecutionLogRepository is append-only; entries are never mutated and only
// removed by the explicit test-mode clear.
type ExecutionLogRepository interface {
	AppendLog(ctx context.Context, entry *models.ExecutionLogEntry) error
	Logs(ctx context.Context, filter models.LogFilter) ([]*models.ExecutionLogEntry, error)
	ClearLogs(ctx context.Context, journeyID string) error
}

type Persistence interface {
	JourneyRepository
	EnrollmentRepository
	ExecutionLogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
