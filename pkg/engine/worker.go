package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
)

// DefaultBatchLimit bounds the number of due enrollments one tick drains.
const DefaultBatchLimit = 500

// TickResult summarizes one tick invocation.
type TickResult struct {
	Processed int      `json:"processed"`
	Advanced  int      `json:"advanced"`
	Waiting   int      `json:"waiting"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Worker drains due enrollments on each external tick. Ticks are
// at-least-once: overlapping invocations are tolerated because every
// advance starts with an optimistic claim.
type Worker struct {
	id          string
	persistence persistence.Persistence
	executor    *Executor
	logger      *slog.Logger
}

func NewWorker(persist persistence.Persistence, executor *Executor, logger *slog.Logger) *Worker {
	id := "worker-" + uuid.New().String()[:8]

	return &Worker{
		id:          id,
		persistence: persist,
		executor:    executor,
		logger:      logger.With("module", "worker", "worker_id", id),
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Tick selects due enrollments deterministically and advances each one.
// Per-enrollment failures are collected, never aborting the batch.
func (w *Worker) Tick(ctx context.Context, now time.Time, batchLimit int) (*TickResult, error) {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}

	due, err := w.persistence.DueEnrollments(ctx, now, batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due enrollments: %w", err)
	}

	result := &TickResult{}
	journeys := make(map[string]*models.JourneyDefinition)
	invalid := make(map[string]error)

	for _, enrollment := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.Processed++

		journey, err := w.journeyFor(ctx, enrollment.JourneyID, journeys, invalid)
		if err != nil {
			if persistence.IsJourneyNotFound(err) {
				w.failOrphan(ctx, enrollment, now, result)

				continue
			}

			result.Errors = append(result.Errors, fmt.Sprintf("enrollment %s: %v", enrollment.ID, err))

			continue
		}

		// Paused journeys freeze their enrollments in place.
		if !journey.IsExecutable() {
			result.Skipped++

			continue
		}

		err = w.executor.Resume(ctx, journey, enrollment, now)
		if err != nil {
			if persistence.IsVersionConflict(err) {
				result.Skipped++

				continue
			}

			result.Errors = append(result.Errors, fmt.Sprintf("enrollment %s: %v", enrollment.ID, err))

			continue
		}

		switch enrollment.Status {
		case models.EnrollmentWaiting:
			result.Waiting++
		case models.EnrollmentCompleted, models.EnrollmentExited:
			result.Completed++
		case models.EnrollmentFailed:
			result.Failed++
		default:
			result.Advanced++
		}
	}

	w.logger.InfoContext(ctx, "Tick finished",
		"processed", result.Processed,
		"advanced", result.Advanced,
		"waiting", result.Waiting,
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errors", len(result.Errors))

	return result, nil
}

// journeyFor loads and validates a journey once per tick. An ACTIVE
// journey with an invalid definition is refused, not executed.
func (w *Worker) journeyFor(ctx context.Context, journeyID string, cache map[string]*models.JourneyDefinition, invalid map[string]error) (*models.JourneyDefinition, error) {
	if err, done := invalid[journeyID]; done {
		return nil, err
	}

	if journey, ok := cache[journeyID]; ok {
		return journey, nil
	}

	journey, err := w.persistence.JourneyByID(ctx, journeyID)
	if err != nil {
		invalid[journeyID] = err

		return nil, err
	}

	if journey.IsExecutable() {
		if verr := models.ValidateDefinition(journey); verr != nil {
			verr = NewValidationError(fmt.Sprintf("journey %s has an invalid definition", journeyID), verr)
			invalid[journeyID] = verr

			return nil, verr
		}
	}

	cache[journeyID] = journey

	return journey, nil
}

// failOrphan handles an enrollment whose journey no longer exists. The
// journey stats cannot be updated, so only the enrollment moves.
func (w *Worker) failOrphan(ctx context.Context, enrollment *models.Enrollment, now time.Time, result *TickResult) {
	w.logger.ErrorContext(ctx, "Enrollment references a missing journey",
		"enrollment_id", enrollment.ID, "journey_id", enrollment.JourneyID)

	enrollment.Status = models.EnrollmentFailed
	enrollment.Wait = nil
	enrollment.NextRunAt = nil

	err := w.persistence.AppendLog(ctx, &models.ExecutionLogEntry{
		ID:           uuid.New().String(),
		EnrollmentID: enrollment.ID,
		JourneyID:    enrollment.JourneyID,
		Timestamp:    now,
		EventType:    models.LogEnrollmentFailed,
		Data:         map[string]any{"error": "journey not found"},
	})
	if err != nil {
		w.logger.WarnContext(ctx, "Failed to append execution log", "enrollment_id", enrollment.ID, "error", err)
	}

	err = w.persistence.UpdateEnrollment(ctx, enrollment)
	if err != nil {
		if persistence.IsVersionConflict(err) {
			result.Skipped++

			return
		}

		result.Errors = append(result.Errors, fmt.Sprintf("enrollment %s: %v", enrollment.ID, err))

		return
	}

	result.Failed++
}
