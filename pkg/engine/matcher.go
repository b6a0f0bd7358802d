package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/journey/pkg/conditions"
	"github.com/flowmail/journey/pkg/eventbus"
	"github.com/flowmail/journey/pkg/events"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
	"github.com/flowmail/journey/pkg/protocol"
)

// Matcher enrolls customers into journeys whose trigger matches an inbound
// event, and wakes WAITING enrollments parked on event or attribute
// matchers.
type Matcher struct {
	persistence persistence.Persistence
	attributes  protocol.AttributeProvider
	executor    *Executor
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewMatcher(persist persistence.Persistence, attributes protocol.AttributeProvider, executor *Executor, publisher eventbus.EventPublisher, logger *slog.Logger) *Matcher {
	return &Matcher{
		persistence: persist,
		attributes:  attributes,
		executor:    executor,
		publisher:   publisher,
		logger:      logger.With("module", "matcher"),
	}
}

// HandleEvent processes one normalized inbound event: new enrollments for
// matching triggers plus wake-ups for parked waits. Returns the
// enrollments it created.
func (m *Matcher) HandleEvent(ctx context.Context, event models.CustomerEvent) ([]*models.Enrollment, error) {
	now := event.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	journeys, err := m.persistence.ActiveJourneys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active journeys: %w", err)
	}

	var created []*models.Enrollment

	for _, journey := range journeys {
		enrollment, err := m.tryEnroll(ctx, journey, event, now)
		if err != nil {
			m.logger.ErrorContext(ctx, "Trigger matching failed",
				"journey_id", journey.ID, "customer_id", event.CustomerID, "error", err)

			continue
		}

		if enrollment != nil {
			created = append(created, enrollment)
		}
	}

	err = m.wakeWaiting(ctx, event, now)
	if err != nil {
		return created, err
	}

	return created, nil
}

func (m *Matcher) tryEnroll(ctx context.Context, journey *models.JourneyDefinition, event models.CustomerEvent, now time.Time) (*models.Enrollment, error) {
	trigger := journey.TriggerNode()
	if trigger == nil || trigger.Trigger == nil {
		return nil, nil
	}

	if trigger.Trigger.EventName != event.Name {
		return nil, nil
	}

	if trigger.Trigger.EntryCondition != nil {
		profile, err := m.attributes.Snapshot(ctx, event.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch snapshot for customer %s: %w", event.CustomerID, err)
		}

		snapshot := conditions.BuildSnapshot(profile, &event)
		if !conditions.Evaluate(trigger.Trigger.EntryCondition, snapshot, now) {
			return nil, nil
		}
	}

	allowed, err := m.reEntryAllowed(ctx, journey, event.CustomerID, now)
	if err != nil {
		return nil, err
	}

	if !allowed {
		return nil, nil
	}

	if journey.Config.MaxEnrollments != nil {
		count, err := m.persistence.CountEnrollments(ctx, journey.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count enrollments for journey %s: %w", journey.ID, err)
		}

		// Cap reached: a no-op, not an error.
		if count >= *journey.Config.MaxEnrollments {
			return nil, nil
		}
	}

	enrollment := &models.Enrollment{
		ID:             uuid.New().String(),
		JourneyID:      journey.ID,
		JourneyVersion: journey.Version,
		CustomerID:     event.CustomerID,
		Status:         models.EnrollmentActive,
		EnteredAt:      now,
		UpdatedAt:      now,
	}
	enrollment.EnterNode(trigger.ID, now)

	err = m.persistence.CreateEnrollment(ctx, enrollment)
	if err != nil {
		return nil, err
	}

	m.appendLog(ctx, enrollment, trigger.ID, models.LogEnrollmentCreated, map[string]any{
		"event_name": event.Name,
	}, now)
	m.publish(ctx, event.CustomerID, events.EnrollmentCreated{
		BaseEvent:    events.NewBaseEvent(events.EnrollmentCreatedEvent, journey.ID),
		EnrollmentID: enrollment.ID,
		CustomerID:   event.CustomerID,
		TriggerEvent: event.Name,
	})

	err = m.persistence.IncrementStats(ctx, journey.ID, models.JourneyStats{TotalEnrollments: 1, ActiveEnrollments: 1})
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to increment journey stats", "journey_id", journey.ID, "error", err)
	}

	// Advance immediately so the first real node is entered within the
	// same logical step as enrollment.
	err = m.executor.Advance(ctx, journey, enrollment, &event, now)
	if err != nil {
		return enrollment, err
	}

	return enrollment, nil
}

// reEntryAllowed applies the journey's re-entry rules, scoped per customer
// per journey. A non-terminal enrollment always blocks; a terminal one
// blocks until its cooldown elapses, and forever when re-entry is
// disallowed without a cooldown.
func (m *Matcher) reEntryAllowed(ctx context.Context, journey *models.JourneyDefinition, customerID string, now time.Time) (bool, error) {
	existing, err := m.persistence.EnrollmentsByCustomer(ctx, journey.ID, customerID)
	if err != nil {
		return false, fmt.Errorf("failed to load enrollments for customer %s: %w", customerID, err)
	}

	if len(existing) == 0 {
		return true, nil
	}

	var latestTerminal *models.Enrollment

	for _, e := range existing {
		if !e.IsTerminal() {
			return false, nil
		}

		if latestTerminal == nil || e.UpdatedAt.After(latestTerminal.UpdatedAt) {
			latestTerminal = e
		}
	}

	rules := journey.Config.ReEntryRules

	if !rules.Allow && rules.CooldownDays == 0 {
		return false, nil
	}

	if rules.CooldownDays > 0 {
		cooldownEnd := latestTerminal.UpdatedAt.Add(time.Duration(rules.CooldownDays) * 24 * time.Hour)
		if now.Before(cooldownEnd) {
			return false, nil
		}
	}

	return rules.Allow || rules.CooldownDays > 0, nil
}

// wakeWaiting advances parked enrollments whose wait matcher is satisfied
// by this event.
func (m *Matcher) wakeWaiting(ctx context.Context, event models.CustomerEvent, now time.Time) error {
	waiting, err := m.persistence.WaitingForEvent(ctx, event.CustomerID, event.Name)
	if err != nil {
		return fmt.Errorf("failed to load waiting enrollments: %w", err)
	}

	for _, enrollment := range waiting {
		matched, err := m.waitMatches(ctx, enrollment, event, now)
		if err != nil {
			m.logger.ErrorContext(ctx, "Wait matching failed",
				"enrollment_id", enrollment.ID, "error", err)

			continue
		}

		if !matched {
			continue
		}

		err = m.wake(ctx, enrollment, event, now)
		if err != nil {
			if persistence.IsVersionConflict(err) {
				continue
			}

			m.logger.ErrorContext(ctx, "Failed to wake enrollment",
				"enrollment_id", enrollment.ID, "error", err)
		}
	}

	return nil
}

func (m *Matcher) waitMatches(ctx context.Context, enrollment *models.Enrollment, event models.CustomerEvent, now time.Time) (bool, error) {
	wait := enrollment.Wait
	if wait == nil {
		return false, nil
	}

	// An event after the deadline never satisfies the wait; the next tick
	// applies the timeout policy.
	if now.After(wait.Deadline) {
		return false, nil
	}

	switch wait.Kind {
	case models.WaitKindEvent:
		return wait.EventName == event.Name, nil

	case models.WaitKindAttribute:
		profile, err := m.attributes.Snapshot(ctx, enrollment.CustomerID)
		if err != nil {
			return false, fmt.Errorf("failed to fetch snapshot for customer %s: %w", enrollment.CustomerID, err)
		}

		snapshot := conditions.BuildSnapshot(profile, &event)
		cfg := &models.ConditionConfig{RootGroup: models.ConditionGroup{
			Operator: models.GroupAnd,
			Conditions: []models.Condition{{
				Property: wait.Property,
				Operator: wait.Operator,
				Value:    wait.Value,
			}},
		}}

		return conditions.Evaluate(cfg, snapshot, now), nil

	default:
		return false, nil
	}
}

func (m *Matcher) wake(ctx context.Context, enrollment *models.Enrollment, event models.CustomerEvent, now time.Time) error {
	journey, err := m.persistence.JourneyByID(ctx, enrollment.JourneyID)
	if err != nil {
		return err
	}

	if !journey.IsExecutable() {
		return nil
	}

	node := journey.FindNode(enrollment.CurrentNode())
	if node == nil {
		return nil
	}

	enrollment.LeaveNode(node.ID, models.OutcomeDefault, now)
	enrollment.SetCurrentNode(node.NextFor(models.OutcomeDefault))
	enrollment.Status = models.EnrollmentActive
	enrollment.Wait = nil
	enrollment.NextRunAt = nil

	// The claim write: losing it means another worker or event beat us.
	err = m.persistence.UpdateEnrollment(ctx, enrollment)
	if err != nil {
		return err
	}

	return m.executor.Advance(ctx, journey, enrollment, &event, now)
}

func (m *Matcher) appendLog(ctx context.Context, enrollment *models.Enrollment, nodeID string, eventType models.LogEventType, data map[string]any, now time.Time) {
	err := m.persistence.AppendLog(ctx, &models.ExecutionLogEntry{
		ID:           uuid.New().String(),
		EnrollmentID: enrollment.ID,
		JourneyID:    enrollment.JourneyID,
		NodeID:       nodeID,
		Timestamp:    now,
		EventType:    eventType,
		Data:         data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to append execution log",
			"enrollment_id", enrollment.ID, "event_type", string(eventType), "error", err)
	}
}

func (m *Matcher) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	err := m.publisher.Publish(ctx, key, event)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to publish event", "event_type", string(event.GetType()), "error", err)
	}
}
