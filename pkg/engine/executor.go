package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/journey/pkg/conditions"
	"github.com/flowmail/journey/pkg/delay"
	"github.com/flowmail/journey/pkg/dispatch"
	"github.com/flowmail/journey/pkg/eventbus"
	"github.com/flowmail/journey/pkg/events"
	"github.com/flowmail/journey/pkg/experiment"
	"github.com/flowmail/journey/pkg/goals"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
	"github.com/flowmail/journey/pkg/protocol"
)

// DefaultStepBudget bounds synchronous node transitions per advance so a
// cycle that never parks is detected instead of spinning.
const DefaultStepBudget = 50

// Executor advances enrollments through the journey graph. All state
// changes go through the persistence layer's optimistic update, so two
// overlapping workers never advance the same enrollment twice.
type Executor struct {
	persistence persistence.Persistence
	attributes  protocol.AttributeProvider
	scheduler   *delay.Scheduler
	allocator   *experiment.Allocator
	dispatcher  *dispatch.Dispatcher
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	stepBudget  int
}

func NewExecutor(
	persist persistence.Persistence,
	attributes protocol.AttributeProvider,
	scheduler *delay.Scheduler,
	allocator *experiment.Allocator,
	dispatcher *dispatch.Dispatcher,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		persistence: persist,
		attributes:  attributes,
		scheduler:   scheduler,
		allocator:   allocator,
		dispatcher:  dispatcher,
		publisher:   publisher,
		logger:      logger.With("module", "executor"),
		stepBudget:  DefaultStepBudget,
	}
}

// WithStepBudget overrides the per-advance transition cap. Test hook.
func (x *Executor) WithStepBudget(budget int) *Executor {
	x.stepBudget = budget

	return x
}

// stepResult is the disposition of one node execution. Exactly one of
// next, park, or terminal is meaningful.
type stepResult struct {
	// next is the node to continue to; "" falls off the graph and
	// completes the enrollment.
	next    string
	outcome string

	// park stops the traversal WAITING. wakeAt mirrors the wait deadline
	// into NextRunAt so due selection stays uniform.
	park   *models.WaitState
	wakeAt time.Time

	terminal models.EnrollmentStatus
	reason   string
}

// Resume claims a due enrollment and advances it. A version conflict on
// the claim means another worker got there first; it is reported as
// persistence.ErrVersionConflict for the caller to skip over.
func (x *Executor) Resume(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, now time.Time) error {
	if enrollment.IsTerminal() {
		return nil
	}

	if !journey.IsExecutable() {
		return fmt.Errorf("%w: journey %s is %s", ErrJourneyNotExecutable, journey.ID, journey.Status)
	}

	if enrollment.Status == models.EnrollmentWaiting {
		done, err := x.resolveWait(ctx, journey, enrollment, now)
		if err != nil || done {
			return err
		}
	}

	// The claim write. Losing it here, before any side effect, is what
	// keeps overlapping ticks from double-sending.
	enrollment.Status = models.EnrollmentActive
	enrollment.NextRunAt = nil

	err := x.persistence.UpdateEnrollment(ctx, enrollment)
	if err != nil {
		return err
	}

	return x.Advance(ctx, journey, enrollment, nil, now)
}

// resolveWait turns an expired park back into a routed ACTIVE position.
// Timer parks were pre-routed when parked; event/attribute parks route
// through the on-timeout policy of the node they are parked on. done
// reports that the enrollment reached a terminal state here.
func (x *Executor) resolveWait(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, now time.Time) (bool, error) {
	wait := enrollment.Wait
	enrollment.Wait = nil

	if wait == nil || wait.Kind == models.WaitKindTimer {
		return false, nil
	}

	if now.Before(wait.Deadline) {
		return false, nil
	}

	node := journey.FindNode(enrollment.CurrentNode())
	if node == nil {
		return true, x.failEnrollment(ctx, journey, enrollment, &InvariantError{
			EnrollmentID: enrollment.ID,
			NodeID:       enrollment.CurrentNode(),
			Reason:       "waiting on a node absent from the journey graph",
		}, now)
	}

	x.appendLog(ctx, enrollment, node.ID, models.LogWaitTimeout, map[string]any{
		"kind":       string(wait.Kind),
		"deadline":   wait.Deadline,
		"on_timeout": string(wait.OnTimeout),
	}, now)

	outcome := models.OutcomeDefault
	if wait.OnTimeout == models.TimeoutBranchTimeout {
		outcome = models.OutcomeTimeout
	}

	enrollment.LeaveNode(node.ID, outcome, now)
	enrollment.SetCurrentNode(node.NextFor(outcome))

	return false, nil
}

// Advance runs the node state machine until the enrollment parks,
// terminates, or exhausts the step budget. The caller must already own
// the enrollment (fresh create or a successful claim).
func (x *Executor) Advance(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, event *models.CustomerEvent, now time.Time) error {
	if !journey.IsExecutable() {
		return fmt.Errorf("%w: journey %s is %s", ErrJourneyNotExecutable, journey.ID, journey.Status)
	}

	for step := 0; step < x.stepBudget; step++ {
		nodeID := enrollment.CurrentNode()
		if nodeID == "" {
			x.reconcileCompletionGoals(ctx, journey, enrollment, now)

			return x.finishEnrollment(ctx, journey, enrollment, models.EnrollmentCompleted, "end of graph", now)
		}

		node := journey.FindNode(nodeID)
		if node == nil {
			return x.failEnrollment(ctx, journey, enrollment, &InvariantError{
				EnrollmentID: enrollment.ID,
				NodeID:       nodeID,
				Reason:       "current node absent from the journey graph",
			}, now)
		}

		x.ensureEntered(ctx, enrollment, node, now)

		result, err := x.executeNode(ctx, journey, enrollment, node, event, now)
		if err != nil {
			var ie *InvariantError
			if errors.As(err, &ie) {
				return x.failEnrollment(ctx, journey, enrollment, ie, now)
			}

			// Collaborator failure: leave the enrollment untouched so the
			// next tick retries it.
			return err
		}

		if result.terminal != "" {
			return x.finishEnrollment(ctx, journey, enrollment, result.terminal, result.reason, now)
		}

		if result.park != nil {
			enrollment.Status = models.EnrollmentWaiting
			enrollment.Wait = result.park
			wake := result.wakeAt
			enrollment.NextRunAt = &wake

			return x.persistence.UpdateEnrollment(ctx, enrollment)
		}

		enrollment.LeaveNode(node.ID, result.outcome, now)
		x.appendLog(ctx, enrollment, node.ID, models.LogNodeCompleted, map[string]any{"outcome": result.outcome}, now)
		enrollment.SetCurrentNode(result.next)
	}

	return x.failEnrollment(ctx, journey, enrollment, &InvariantError{
		EnrollmentID: enrollment.ID,
		NodeID:       enrollment.CurrentNode(),
		Reason:       fmt.Sprintf("no park or exit within %d transitions", x.stepBudget),
	}, now)
}

func (x *Executor) executeNode(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, node *models.JourneyNode, event *models.CustomerEvent, now time.Time) (*stepResult, error) {
	payload, err := node.Payload()
	if err != nil {
		return nil, &InvariantError{EnrollmentID: enrollment.ID, NodeID: node.ID, Reason: err.Error()}
	}

	switch cfg := payload.(type) {
	case *models.TriggerConfig:
		// Entry condition was evaluated at match time.
		return &stepResult{next: node.NextFor(models.OutcomeDefault), outcome: models.OutcomeDefault}, nil

	case *models.DelayConfig:
		return x.executeDelay(ctx, enrollment, node, cfg, now, journey.Location())

	case *models.ConditionConfig:
		return x.executeCondition(ctx, enrollment, node, cfg, event, now)

	case *models.ExperimentConfig:
		return x.executeExperiment(ctx, enrollment, node, cfg, now)

	case *models.GoalConfig:
		return x.executeGoal(ctx, journey, enrollment, node, cfg, event, now)

	case *models.WhatsAppActionConfig:
		return x.executeAction(ctx, journey, enrollment, node, cfg, now)

	case *models.ExitConfig:
		status := models.EnrollmentExited
		if cfg.MarkCompleted {
			status = models.EnrollmentCompleted
		}

		x.reconcileCompletionGoals(ctx, journey, enrollment, now)
		enrollment.LeaveNode(node.ID, models.OutcomeDefault, now)

		return &stepResult{terminal: status, reason: cfg.Reason}, nil

	default:
		return nil, &InvariantError{EnrollmentID: enrollment.ID, NodeID: node.ID, Reason: fmt.Sprintf("unhandled node type %s", node.Type)}
	}
}

// executeDelay resolves the wake descriptor. Timer delays are pre-routed
// before parking so the wake path just runs the follow-up node.
func (x *Executor) executeDelay(ctx context.Context, enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.DelayConfig, now time.Time, loc *time.Location) (*stepResult, error) {
	resolution, err := x.scheduler.Resolve(ctx, node.ID, cfg, now, loc)
	if err != nil {
		if errors.Is(err, delay.ErrHorizonExceeded) || errors.Is(err, delay.ErrBadDelayConfig) {
			return nil, &InvariantError{EnrollmentID: enrollment.ID, NodeID: node.ID, Reason: err.Error()}
		}

		return nil, err
	}

	if resolution.Wait != nil {
		return &stepResult{park: resolution.Wait, wakeAt: resolution.Wait.Deadline}, nil
	}

	if resolution.WakeAt.After(now) {
		enrollment.LeaveNode(node.ID, models.OutcomeDefault, now)
		x.appendLog(ctx, enrollment, node.ID, models.LogNodeCompleted, map[string]any{
			"outcome": models.OutcomeDefault,
			"wake_at": resolution.WakeAt,
		}, now)
		enrollment.SetCurrentNode(node.NextFor(models.OutcomeDefault))

		return &stepResult{
			park:   &models.WaitState{Kind: models.WaitKindTimer, Deadline: resolution.WakeAt},
			wakeAt: resolution.WakeAt,
		}, nil
	}

	// Zero or past delay: no park needed.
	return &stepResult{next: node.NextFor(models.OutcomeDefault), outcome: models.OutcomeDefault}, nil
}

func (x *Executor) executeCondition(ctx context.Context, enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.ConditionConfig, event *models.CustomerEvent, now time.Time) (*stepResult, error) {
	snapshot, err := x.snapshot(ctx, enrollment.CustomerID, event)
	if err != nil {
		return nil, err
	}

	outcome := models.OutcomeFalse
	if conditions.Evaluate(cfg, snapshot, now) {
		outcome = models.OutcomeTrue
	}

	return &stepResult{next: node.NextFor(outcome), outcome: outcome}, nil
}

func (x *Executor) executeExperiment(ctx context.Context, enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.ExperimentConfig, now time.Time) (*stepResult, error) {
	variantID, assignedNow, err := x.allocator.Assign(enrollment, node.ID, cfg)
	if err != nil {
		return nil, &InvariantError{EnrollmentID: enrollment.ID, NodeID: node.ID, Reason: err.Error()}
	}

	if assignedNow {
		x.appendLog(ctx, enrollment, node.ID, models.LogExperimentAssigned, map[string]any{
			"experiment": cfg.ExperimentName,
			"variant_id": variantID,
		}, now)
		x.publish(ctx, enrollment.CustomerID, events.ExperimentAssigned{
			BaseEvent:    events.NewBaseEvent(events.ExperimentAssignedEvent, enrollment.JourneyID),
			EnrollmentID: enrollment.ID,
			CustomerID:   enrollment.CustomerID,
			NodeID:       node.ID,
			VariantID:    variantID,
		})
	}

	return &stepResult{next: node.NextFor(variantID), outcome: variantID}, nil
}

func (x *Executor) executeGoal(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.GoalConfig, event *models.CustomerEvent, now time.Time) (*stepResult, error) {
	segments, err := x.attributes.Segments(ctx, enrollment.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve segments for customer %s: %w", enrollment.CustomerID, err)
	}

	outcome := goals.Evaluate(cfg, enrollment.EnteredAt, goals.Context{
		Event:    event,
		Segments: segments,
		Now:      now,
	})

	if !outcome.Achieved {
		return &stepResult{next: node.NextFor(models.OutcomeDefault), outcome: models.OutcomeDefault}, nil
	}

	repeat := enrollment.GoalAchieved

	if repeat && !cfg.CountMultipleConversions {
		// Logged for visibility, but neither counted nor re-triggering
		// exit_after_goal.
		x.appendLog(ctx, enrollment, node.ID, models.LogGoalAchieved, map[string]any{
			"reason": outcome.Reason,
			"repeat": true,
		}, now)

		return &stepResult{next: node.NextFor(models.OutcomeDefault), outcome: models.OutcomeDefault}, nil
	}

	if !repeat {
		achievedAt := outcome.At
		enrollment.GoalAchieved = true
		enrollment.GoalAchievedAt = &achievedAt
	}

	enrollment.ConversionCount++

	x.appendLog(ctx, enrollment, node.ID, models.LogGoalAchieved, map[string]any{
		"reason": outcome.Reason,
		"repeat": repeat,
	}, now)
	x.publish(ctx, enrollment.CustomerID, events.GoalAchieved{
		BaseEvent:    events.NewBaseEvent(events.GoalAchievedEvent, enrollment.JourneyID),
		EnrollmentID: enrollment.ID,
		CustomerID:   enrollment.CustomerID,
		NodeID:       node.ID,
		Reason:       outcome.Reason,
	})

	err = x.persistence.IncrementStats(ctx, journey.ID, models.JourneyStats{GoalConversions: 1})
	if err != nil {
		x.logger.WarnContext(ctx, "Failed to increment goal conversions", "journey_id", journey.ID, "error", err)
	}

	if !repeat && cfg.ExitAfterGoal {
		enrollment.LeaveNode(node.ID, models.OutcomeDefault, now)

		return &stepResult{terminal: models.EnrollmentCompleted, reason: "goal achieved"}, nil
	}

	return &stepResult{next: node.NextFor(models.OutcomeDefault), outcome: models.OutcomeDefault}, nil
}

// reconcileCompletionGoals re-evaluates visited journey_completion goal
// nodes when the enrollment reaches an exit node or falls off the graph.
// The goal node itself ran earlier, before completion was knowable.
func (x *Executor) reconcileCompletionGoals(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, now time.Time) {
	if enrollment.GoalAchieved {
		return
	}

	for _, entry := range enrollment.History {
		node := journey.FindNode(entry.NodeID)
		if node == nil || node.Goal == nil || node.Goal.GoalType != models.GoalJourneyCompletion {
			continue
		}

		outcome := goals.Evaluate(node.Goal, enrollment.EnteredAt, goals.Context{
			ReachedExit: true,
			Now:         now,
		})
		if !outcome.Achieved {
			continue
		}

		achievedAt := outcome.At
		enrollment.GoalAchieved = true
		enrollment.GoalAchievedAt = &achievedAt
		enrollment.ConversionCount++

		x.appendLog(ctx, enrollment, node.ID, models.LogGoalAchieved, map[string]any{
			"reason": outcome.Reason,
			"repeat": false,
		}, now)
		x.publish(ctx, enrollment.CustomerID, events.GoalAchieved{
			BaseEvent:    events.NewBaseEvent(events.GoalAchievedEvent, enrollment.JourneyID),
			EnrollmentID: enrollment.ID,
			CustomerID:   enrollment.CustomerID,
			NodeID:       node.ID,
			Reason:       outcome.Reason,
		})

		err := x.persistence.IncrementStats(ctx, journey.ID, models.JourneyStats{GoalConversions: 1})
		if err != nil {
			x.logger.WarnContext(ctx, "Failed to increment goal conversions", "journey_id", journey.ID, "error", err)
		}

		return
	}
}

func (x *Executor) executeAction(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.WhatsAppActionConfig, now time.Time) (*stepResult, error) {
	result, err := x.dispatcher.Dispatch(ctx, enrollment, node.ID, cfg, now, journey.Location())
	if err != nil {
		return nil, err
	}

	if result.Deferred {
		x.appendLog(ctx, enrollment, node.ID, result.Reason, map[string]any{
			"wake_at": result.WakeAt,
		}, now)

		// Parked on the action node itself; the wake re-runs the dispatch.
		return &stepResult{
			park:   &models.WaitState{Kind: models.WaitKindTimer, Deadline: result.WakeAt},
			wakeAt: result.WakeAt,
		}, nil
	}

	enrollment.RetryAttempt = result.Attempts

	switch result.Outcome {
	case models.ActionOutcomeSent:
		enrollment.RetryAttempt = 0
		enrollment.Actions = append(enrollment.Actions, models.ActionRecord{
			NodeID:    node.ID,
			MessageID: result.MessageID,
			Template:  cfg.TemplateID,
			Outcome:   models.ActionOutcomeSent,
			SentAt:    now,
		})
		x.appendLog(ctx, enrollment, node.ID, models.LogMessageSent, map[string]any{
			"message_id": result.MessageID,
			"template":   cfg.TemplateID,
			"attempts":   result.Attempts,
		}, now)
		x.publish(ctx, enrollment.CustomerID, events.MessageSent{
			BaseEvent:    events.NewBaseEvent(events.MessageSentEvent, enrollment.JourneyID),
			EnrollmentID: enrollment.ID,
			CustomerID:   enrollment.CustomerID,
			NodeID:       node.ID,
			MessageID:    result.MessageID,
			Template:     cfg.TemplateID,
			VariantID:    x.assignedVariantFor(enrollment),
		})

		return x.routeExitPath(ctx, enrollment, node, cfg, models.ActionOutcomeSent, now)

	case dispatch.OutcomeSkipped:
		x.appendLog(ctx, enrollment, node.ID, models.LogNodeSkipped, map[string]any{"reason": "opted out"}, now)

		return x.routeExitPath(ctx, enrollment, node, cfg, dispatch.OutcomeSkipped, now)

	case models.ActionOutcomeFailed:
		data := map[string]any{"attempts": result.Attempts}
		if result.Err != nil {
			data["error"] = result.Err.Error()
		}

		x.appendLog(ctx, enrollment, node.ID, models.LogMessageSendFailed, data, now)

		return x.routeFailure(enrollment, node, cfg, result.Fallback, now)

	default:
		return nil, &InvariantError{EnrollmentID: enrollment.ID, NodeID: node.ID, Reason: fmt.Sprintf("unknown dispatch outcome %q", result.Outcome)}
	}
}

// routeExitPath applies one outcome's exit path: profile updates, tracking
// event, optional hold, then routing.
func (x *Executor) routeExitPath(ctx context.Context, enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.WhatsAppActionConfig, outcome string, now time.Time) (*stepResult, error) {
	path := cfg.ExitPathFor(outcome)

	next := node.NextFor(outcome)
	if path != nil && path.NextNodeID != "" {
		next = path.NextNodeID
	}

	if path != nil {
		if len(path.ProfileUpdates) > 0 {
			err := x.attributes.ApplyProfileUpdates(ctx, enrollment.CustomerID, path.ProfileUpdates)
			if err != nil {
				return nil, fmt.Errorf("failed to apply profile updates for customer %s: %w", enrollment.CustomerID, err)
			}
		}

		if path.TrackingEvent != "" {
			x.appendLog(ctx, enrollment, node.ID, models.LogNodeCompleted, map[string]any{
				"outcome":        outcome,
				"tracking_event": path.TrackingEvent,
			}, now)
		}

		if path.Wait != nil {
			wake := now.Add(path.Wait.ToDuration())
			enrollment.LeaveNode(node.ID, outcome, now)
			enrollment.SetCurrentNode(next)

			return &stepResult{
				park:   &models.WaitState{Kind: models.WaitKindTimer, Deadline: wake},
				wakeAt: wake,
			}, nil
		}
	}

	return &stepResult{next: next, outcome: outcome}, nil
}

// routeFailure picks the post-exhaustion route. A "failed" exit path wins;
// otherwise the fallback action decides, and with nowhere to go the
// enrollment fails.
func (x *Executor) routeFailure(enrollment *models.Enrollment, node *models.JourneyNode, cfg *models.WhatsAppActionConfig, fallback models.FallbackAction, now time.Time) (*stepResult, error) {
	if path := cfg.ExitPathFor(models.ActionOutcomeFailed); path != nil && path.NextNodeID != "" {
		return &stepResult{next: path.NextNodeID, outcome: models.ActionOutcomeFailed}, nil
	}

	switch fallback {
	case models.FallbackExit:
		enrollment.LeaveNode(node.ID, models.ActionOutcomeFailed, now)

		return &stepResult{terminal: models.EnrollmentExited, reason: "send failed"}, nil

	case models.FallbackBranch:
		if cfg.FailureHandling != nil && cfg.FailureHandling.FallbackNodeID != "" {
			return &stepResult{next: cfg.FailureHandling.FallbackNodeID, outcome: models.ActionOutcomeFailed}, nil
		}

	case models.FallbackContinue:
		if next := node.NextFor(models.ActionOutcomeFailed); next != "" {
			return &stepResult{next: next, outcome: models.ActionOutcomeFailed}, nil
		}
	}

	return nil, &InvariantError{
		EnrollmentID: enrollment.ID,
		NodeID:       node.ID,
		Reason:       "send failed with no failure branch configured",
	}
}

func (x *Executor) snapshot(ctx context.Context, customerID string, event *models.CustomerEvent) (conditions.Snapshot, error) {
	profile, err := x.attributes.Snapshot(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot for customer %s: %w", customerID, err)
	}

	return conditions.BuildSnapshot(profile, event), nil
}

// ensureEntered opens a history entry and logs node_entered unless the
// node already has an open entry (resume of a parked node).
func (x *Executor) ensureEntered(ctx context.Context, enrollment *models.Enrollment, node *models.JourneyNode, now time.Time) {
	if n := len(enrollment.History); n > 0 {
		last := enrollment.History[n-1]
		if last.NodeID == node.ID && last.ExitedAt == nil {
			return
		}
	}

	enrollment.EnterNode(node.ID, now)
	x.appendLog(ctx, enrollment, node.ID, models.LogNodeEntered, map[string]any{"node_type": string(node.Type)}, now)
	x.publish(ctx, enrollment.CustomerID, events.NodeEntered{
		BaseEvent:    events.NewBaseEvent(events.NodeEnteredEvent, enrollment.JourneyID),
		EnrollmentID: enrollment.ID,
		NodeID:       node.ID,
		NodeType:     node.Type,
	})
}

func (x *Executor) finishEnrollment(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, status models.EnrollmentStatus, reason string, now time.Time) error {
	enrollment.Status = status
	enrollment.SetCurrentNode("")
	enrollment.Wait = nil
	enrollment.NextRunAt = nil

	delta := models.JourneyStats{ActiveEnrollments: -1}

	switch status {
	case models.EnrollmentCompleted:
		delta.Completed = 1
		x.appendLog(ctx, enrollment, "", models.LogEnrollmentCompleted, map[string]any{"reason": reason}, now)
		x.publish(ctx, enrollment.CustomerID, events.EnrollmentCompleted{
			BaseEvent:    events.NewBaseEvent(events.EnrollmentCompletedEvent, enrollment.JourneyID),
			EnrollmentID: enrollment.ID,
			CustomerID:   enrollment.CustomerID,
			GoalAchieved: enrollment.GoalAchieved,
			Duration:     now.Sub(enrollment.EnteredAt),
		})
	case models.EnrollmentExited:
		delta.Exited = 1
		x.appendLog(ctx, enrollment, "", models.LogEnrollmentExited, map[string]any{"reason": reason}, now)
		x.publish(ctx, enrollment.CustomerID, events.EnrollmentExited{
			BaseEvent:    events.NewBaseEvent(events.EnrollmentExitedEvent, enrollment.JourneyID),
			EnrollmentID: enrollment.ID,
			CustomerID:   enrollment.CustomerID,
			Reason:       reason,
		})
	default:
		delta.Failed = 1
	}

	err := x.persistence.UpdateEnrollment(ctx, enrollment)
	if err != nil {
		return err
	}

	err = x.persistence.IncrementStats(ctx, journey.ID, delta)
	if err != nil {
		x.logger.WarnContext(ctx, "Failed to increment journey stats", "journey_id", journey.ID, "error", err)
	}

	return nil
}

// failEnrollment moves the enrollment to FAILED. FAILED is terminal and
// never resumed automatically.
func (x *Executor) failEnrollment(ctx context.Context, journey *models.JourneyDefinition, enrollment *models.Enrollment, cause *InvariantError, now time.Time) error {
	x.logger.ErrorContext(ctx, "Enrollment failed",
		"enrollment_id", enrollment.ID, "journey_id", enrollment.JourneyID, "error", cause)

	x.appendLog(ctx, enrollment, cause.NodeID, models.LogEnrollmentFailed, map[string]any{"error": cause.Error()}, now)
	x.publish(ctx, enrollment.CustomerID, events.EnrollmentFailed{
		BaseEvent:    events.NewBaseEvent(events.EnrollmentFailedEvent, enrollment.JourneyID),
		EnrollmentID: enrollment.ID,
		CustomerID:   enrollment.CustomerID,
		NodeID:       cause.NodeID,
		Error:        cause.Error(),
	})

	return x.finishEnrollment(ctx, journey, enrollment, models.EnrollmentFailed, cause.Reason, now)
}

// appendLog writes an execution log entry before the enrollment write. A
// log append failure is reported but never blocks the transition.
func (x *Executor) appendLog(ctx context.Context, enrollment *models.Enrollment, nodeID string, eventType models.LogEventType, data map[string]any, now time.Time) {
	err := x.persistence.AppendLog(ctx, &models.ExecutionLogEntry{
		ID:           uuid.New().String(),
		EnrollmentID: enrollment.ID,
		JourneyID:    enrollment.JourneyID,
		NodeID:       nodeID,
		Timestamp:    now,
		EventType:    eventType,
		Data:         data,
	})
	if err != nil {
		x.logger.WarnContext(ctx, "Failed to append execution log",
			"enrollment_id", enrollment.ID, "event_type", string(eventType), "error", err)
	}
}

func (x *Executor) publish(ctx context.Context, key string, event eventbus.Event) {
	if x.publisher == nil {
		return
	}

	err := x.publisher.Publish(ctx, key, event)
	if err != nil {
		x.logger.WarnContext(ctx, "Failed to publish event", "event_type", string(event.GetType()), "error", err)
	}
}

// assignedVariantFor returns a variant assignment for reporting on sent
// messages; with multiple experiment nodes the attribution is ambiguous,
// so the lowest node id is used to keep it stable.
func (x *Executor) assignedVariantFor(enrollment *models.Enrollment) string {
	var nodeID string

	for k := range enrollment.VariantAssignments {
		if nodeID == "" || k < nodeID {
			nodeID = k
		}
	}

	return enrollment.VariantAssignments[nodeID]
}
