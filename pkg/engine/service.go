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

// Service exposes the manual operations: enroll, cancel, skip-node, and
// enrollment reads. It shares the executor with the tick worker so manual
// advances obey the same state machine.
type Service struct {
	persistence persistence.Persistence
	executor    *Executor
	matcher     *Matcher
	logger      *slog.Logger
}

func NewService(persist persistence.Persistence, executor *Executor, matcher *Matcher, logger *slog.Logger) *Service {
	return &Service{
		persistence: persist,
		executor:    executor,
		matcher:     matcher,
		logger:      logger.With("module", "service"),
	}
}

// Enroll creates an enrollment directly, bypassing trigger matching but
// honoring re-entry rules and the enrollment cap.
func (s *Service) Enroll(ctx context.Context, journeyID, customerID string) (*models.Enrollment, error) {
	if customerID == "" {
		return nil, NewValidationError("customer id is required", nil)
	}

	journey, err := s.persistence.JourneyByID(ctx, journeyID)
	if err != nil {
		if persistence.IsJourneyNotFound(err) {
			return nil, NewValidationError(fmt.Sprintf("journey %s not found", journeyID), err)
		}

		return nil, err
	}

	if !journey.IsExecutable() {
		return nil, NewValidationError(fmt.Sprintf("journey %s is %s", journeyID, journey.Status), ErrJourneyNotExecutable)
	}

	err = models.ValidateDefinition(journey)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("journey %s has an invalid definition", journeyID), err)
	}

	trigger := journey.TriggerNode()
	if trigger == nil {
		return nil, NewValidationError(fmt.Sprintf("journey %s has no trigger node", journeyID), models.ErrNoTriggerNode)
	}

	now := time.Now().UTC()

	allowed, err := s.matcher.reEntryAllowed(ctx, journey, customerID, now)
	if err != nil {
		return nil, err
	}

	if !allowed {
		return nil, NewValidationError(fmt.Sprintf("customer %s may not re-enter journey %s", customerID, journeyID), nil)
	}

	if journey.Config.MaxEnrollments != nil {
		count, err := s.persistence.CountEnrollments(ctx, journeyID)
		if err != nil {
			return nil, err
		}

		if count >= *journey.Config.MaxEnrollments {
			return nil, NewValidationError(fmt.Sprintf("journey %s reached its enrollment cap", journeyID), nil)
		}
	}

	enrollment := &models.Enrollment{
		ID:             uuid.New().String(),
		JourneyID:      journey.ID,
		JourneyVersion: journey.Version,
		CustomerID:     customerID,
		Status:         models.EnrollmentActive,
		EnteredAt:      now,
		UpdatedAt:      now,
	}
	enrollment.EnterNode(trigger.ID, now)

	err = s.persistence.CreateEnrollment(ctx, enrollment)
	if err != nil {
		return nil, err
	}

	s.executor.appendLog(ctx, enrollment, trigger.ID, models.LogEnrollmentCreated, map[string]any{"manual": true}, now)

	err = s.persistence.IncrementStats(ctx, journey.ID, models.JourneyStats{TotalEnrollments: 1, ActiveEnrollments: 1})
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to increment journey stats", "journey_id", journey.ID, "error", err)
	}

	err = s.executor.Advance(ctx, journey, enrollment, nil, now)
	if err != nil {
		return enrollment, err
	}

	return enrollment, nil
}

// Cancel sets the enrollment EXITED immediately, winning over any pending
// delay or wait. Cancelling an already-terminal enrollment is a no-op.
func (s *Service) Cancel(ctx context.Context, enrollmentID string) error {
	enrollment, err := s.persistence.EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		if persistence.IsEnrollmentNotFound(err) {
			return NewValidationError(fmt.Sprintf("enrollment %s not found", enrollmentID), err)
		}

		return err
	}

	if enrollment.IsTerminal() {
		return nil
	}

	journey, err := s.persistence.JourneyByID(ctx, enrollment.JourneyID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if current := enrollment.CurrentNode(); current != "" {
		enrollment.LeaveNode(current, "cancelled", now)
	}

	return s.executor.finishEnrollment(ctx, journey, enrollment, models.EnrollmentExited, "cancelled", now)
}

// SkipNode forcibly advances an enrollment past its current node without
// evaluating its side effects, then resumes normal execution.
func (s *Service) SkipNode(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.persistence.EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		if persistence.IsEnrollmentNotFound(err) {
			return nil, NewValidationError(fmt.Sprintf("enrollment %s not found", enrollmentID), err)
		}

		return nil, err
	}

	if enrollment.IsTerminal() {
		return nil, NewValidationError(fmt.Sprintf("enrollment %s is already %s", enrollmentID, enrollment.Status), nil)
	}

	journey, err := s.persistence.JourneyByID(ctx, enrollment.JourneyID)
	if err != nil {
		return nil, err
	}

	node := journey.FindNode(enrollment.CurrentNode())
	if node == nil {
		return nil, NewValidationError(fmt.Sprintf("enrollment %s has no current node to skip", enrollmentID), nil)
	}

	now := time.Now().UTC()

	enrollment.LeaveNode(node.ID, "skipped", now)
	s.executor.appendLog(ctx, enrollment, node.ID, models.LogNodeSkipped, map[string]any{"manual": true}, now)
	enrollment.SetCurrentNode(node.NextFor(models.OutcomeDefault))
	enrollment.Status = models.EnrollmentActive
	enrollment.Wait = nil
	enrollment.NextRunAt = nil

	err = s.persistence.UpdateEnrollment(ctx, enrollment)
	if err != nil {
		return nil, err
	}

	err = s.executor.Advance(ctx, journey, enrollment, nil, now)
	if err != nil {
		return enrollment, err
	}

	return enrollment, nil
}

// GetEnrollment returns one enrollment by id.
func (s *Service) GetEnrollment(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.persistence.EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		if persistence.IsEnrollmentNotFound(err) {
			return nil, NewValidationError(fmt.Sprintf("enrollment %s not found", enrollmentID), err)
		}

		return nil, err
	}

	return enrollment, nil
}

// ListEnrollments returns a journey's enrollments, narrowed by the filter.
func (s *Service) ListEnrollments(ctx context.Context, journeyID string, filter models.EnrollmentFilter) ([]*models.Enrollment, error) {
	_, err := s.persistence.JourneyByID(ctx, journeyID)
	if err != nil {
		if persistence.IsJourneyNotFound(err) {
			return nil, NewValidationError(fmt.Sprintf("journey %s not found", journeyID), err)
		}

		return nil, err
	}

	return s.persistence.EnrollmentsByJourney(ctx, journeyID, filter)
}

// HandleDeliveryStatus maps an asynchronous gateway callback onto the
// event pipeline: wait matchers and engagement goals see it as a
// normalized "whatsapp.<status>" event carrying the message id.
func (s *Service) HandleDeliveryStatus(ctx context.Context, customerID, messageID, status string, occurredAt time.Time) error {
	if customerID == "" || status == "" {
		return NewValidationError("customer id and status are required", nil)
	}

	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	_, err := s.matcher.HandleEvent(ctx, models.CustomerEvent{
		Name:       "whatsapp." + status,
		CustomerID: customerID,
		ReceivedAt: occurredAt,
		Payload: map[string]any{
			"message_id": messageID,
			"status":     status,
		},
	})

	return err
}
