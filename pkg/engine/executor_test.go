package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/journey/pkg/counter"
	"github.com/flowmail/journey/pkg/delay"
	"github.com/flowmail/journey/pkg/dispatch"
	"github.com/flowmail/journey/pkg/experiment"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
	"github.com/flowmail/journey/pkg/persistence/file"
	"github.com/flowmail/journey/pkg/protocol"
	"github.com/flowmail/journey/pkg/testutil"
)

func protocolPermanent() error {
	return protocol.NewPermanentError("invalid_recipient", "recipient rejected")
}

type testEnv struct {
	persist  *file.Persistence
	attrs    *testutil.FakeAttributes
	gateway  *testutil.FakeGateway
	executor *Executor
	matcher  *Matcher
	worker   *Worker
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	attrs := testutil.NewFakeAttributes()
	gateway := &testutil.FakeGateway{}
	counters := counter.NewMemoryService()
	logger := testutil.Logger()

	executor := NewExecutor(
		persist,
		attrs,
		delay.NewScheduler(counters),
		experiment.NewAllocatorWithSeed(7),
		dispatch.NewDispatcher(gateway, attrs, counters, logger),
		nil,
		logger,
	)
	matcher := NewMatcher(persist, attrs, executor, nil, logger)

	return &testEnv{
		persist:  persist,
		attrs:    attrs,
		gateway:  gateway,
		executor: executor,
		matcher:  matcher,
		worker:   NewWorker(persist, executor, logger),
		service:  NewService(persist, executor, matcher, logger),
	}
}

func (env *testEnv) saveJourney(t *testing.T, journey *models.JourneyDefinition) {
	t.Helper()
	require.NoError(t, env.persist.SaveJourney(context.Background(), journey))
}

func (env *testEnv) createEnrollment(t *testing.T, enrollment *models.Enrollment) {
	t.Helper()
	require.NoError(t, env.persist.CreateEnrollment(context.Background(), enrollment))
}

func (env *testEnv) reload(t *testing.T, id string) *models.Enrollment {
	t.Helper()

	enrollment, err := env.persist.EnrollmentByID(context.Background(), id)
	require.NoError(t, err)

	return enrollment
}

func TestAdvanceTriggerActionExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Empty(t, enrollment.CurrentNode())
	assert.Equal(t, 1, env.gateway.Calls)
	require.Len(t, enrollment.Actions, 1)
	assert.Equal(t, "welcome", enrollment.Actions[0].NodeID)
	assert.Equal(t, "msg-tmpl-welcome", enrollment.Actions[0].MessageID)

	stored := env.reload(t, "e1")
	assert.Equal(t, models.EnrollmentCompleted, stored.Status)

	updated, err := env.persist.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stats.Completed)
	assert.Equal(t, -1, updated.Stats.ActiveEnrollments)
}

func TestAdvanceDelayParksPreRouted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "wait"),
		testutil.DelayNode("wait", &models.DelayConfig{
			Type:     models.DelayFixedTime,
			Duration: &models.Duration{Value: 2, Unit: "hours"},
		}, "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentWaiting, enrollment.Status)
	// Timer parks are pre-routed; the wake just runs the follow-up node.
	assert.Equal(t, "welcome", enrollment.CurrentNode())
	require.NotNil(t, enrollment.Wait)
	assert.Equal(t, models.WaitKindTimer, enrollment.Wait.Kind)
	assert.Equal(t, now.Add(2*time.Hour), enrollment.Wait.Deadline)
	require.NotNil(t, enrollment.NextRunAt)
	assert.Equal(t, enrollment.Wait.Deadline, *enrollment.NextRunAt)
	assert.Equal(t, 0, env.gateway.Calls)
}

func TestResumeAfterTimerPark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	deadline := now.Add(-time.Minute)
	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now.Add(-2*time.Hour))
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{Kind: models.WaitKindTimer, Deadline: deadline}
	enrollment.NextRunAt = &deadline
	env.createEnrollment(t, enrollment)

	err := env.executor.Resume(ctx, journey, enrollment, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 1, env.gateway.Calls)
	assert.Nil(t, enrollment.Wait)
	assert.Nil(t, enrollment.NextRunAt)
}

func TestResumeStaleCopyLosesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	deadline := now.Add(-time.Minute)
	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now.Add(-time.Hour))
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{Kind: models.WaitKindTimer, Deadline: deadline}
	enrollment.NextRunAt = &deadline
	env.createEnrollment(t, enrollment)

	first := env.reload(t, "e1")
	stale := env.reload(t, "e1")

	require.NoError(t, env.executor.Resume(ctx, journey, first, now))
	assert.Equal(t, 1, env.gateway.Calls)

	// The stale copy loses the claim write before any side effect.
	err := env.executor.Resume(ctx, journey, stale, now)
	require.Error(t, err)
	assert.True(t, persistence.IsVersionConflict(err))
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestResumeEventWaitTimeoutContinues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "wait"),
		testutil.DelayNode("wait", &models.DelayConfig{
			Type:      models.DelayWaitForEvent,
			EventName: "order.paid",
			MaxWait:   &models.Duration{Value: 1, Unit: "days"},
		}, "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	deadline := now.Add(-time.Hour)
	enrollment := testutil.Enrollment("e1", "j1", "c1", "wait", now.Add(-25*time.Hour))
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{
		Kind:      models.WaitKindEvent,
		EventName: "order.paid",
		Deadline:  deadline,
		OnTimeout: models.TimeoutContinue,
	}
	enrollment.NextRunAt = &deadline
	env.createEnrollment(t, enrollment)

	err := env.executor.Resume(ctx, journey, enrollment, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestResumeEventWaitTimeoutBranch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	waitNode := &models.JourneyNode{
		ID:   "wait",
		Type: models.NodeTypeDelay,
		Next: map[string]string{
			models.OutcomeDefault: "welcome",
			models.OutcomeTimeout: "gone",
		},
		Delay: &models.DelayConfig{
			Type:      models.DelayWaitForEvent,
			EventName: "order.paid",
			MaxWait:   &models.Duration{Value: 1, Unit: "days"},
			OnTimeout: models.TimeoutBranchTimeout,
		},
	}

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "wait"),
		waitNode,
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
		testutil.ExitNode("gone", false),
	)
	env.saveJourney(t, journey)

	deadline := now.Add(-time.Hour)
	enrollment := testutil.Enrollment("e1", "j1", "c1", "wait", now.Add(-25*time.Hour))
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{
		Kind:      models.WaitKindEvent,
		EventName: "order.paid",
		Deadline:  deadline,
		OnTimeout: models.TimeoutBranchTimeout,
	}
	enrollment.NextRunAt = &deadline
	env.createEnrollment(t, enrollment)

	err := env.executor.Resume(ctx, journey, enrollment, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.Equal(t, 0, env.gateway.Calls)
}

func TestAdvanceConditionBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "check"),
		testutil.ConditionNode("check",
			testutil.PropertyCondition("total_spent", models.OpGreaterThan, 100.0),
			"welcome", "skip"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
		testutil.ExitNode("skip", false),
	)
	env.saveJourney(t, journey)

	env.attrs.Profiles["big"] = map[string]any{"total_spent": 150.0}
	env.attrs.Profiles["small"] = map[string]any{"total_spent": 50.0}

	big := testutil.Enrollment("e1", "j1", "big", "trigger", now)
	env.createEnrollment(t, big)
	require.NoError(t, env.executor.Advance(ctx, journey, big, nil, now))
	assert.Equal(t, models.EnrollmentCompleted, big.Status)
	assert.Equal(t, 1, env.gateway.Calls)

	small := testutil.Enrollment("e2", "j1", "small", "trigger", now)
	env.createEnrollment(t, small)
	require.NoError(t, env.executor.Advance(ctx, journey, small, nil, now))
	assert.Equal(t, models.EnrollmentExited, small.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestAdvanceExperimentRoutesByAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "split"),
		testutil.ExperimentNode("split", &models.ExperimentConfig{
			ExperimentName: "subject-line",
			Variants: []models.Variant{
				{ID: "variant-a", TrafficAllocation: 50},
				{ID: "variant-b", TrafficAllocation: 50},
			},
		}, map[string]string{"variant-a": "exit-a", "variant-b": "exit-b"}),
		testutil.ExitNode("exit-a", true),
		testutil.ExitNode("exit-b", false),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	enrollment.AssignVariant("split", "variant-b")
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	// The sticky assignment wins over a fresh draw.
	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.Equal(t, "variant-b", enrollment.VariantAssignments["split"])
}

func TestAdvanceExperimentAssignsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "split"),
		testutil.ExperimentNode("split", &models.ExperimentConfig{
			ExperimentName: "subject-line",
			Variants: []models.Variant{
				{ID: "variant-a", TrafficAllocation: 50},
				{ID: "variant-b", TrafficAllocation: 50},
			},
		}, map[string]string{"variant-a": "exit-a", "variant-b": "exit-b"}),
		testutil.ExitNode("exit-a", true),
		testutil.ExitNode("exit-b", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	require.NoError(t, env.executor.Advance(ctx, journey, enrollment, nil, now))

	variant := enrollment.VariantAssignments["split"]
	require.Contains(t, []string{"variant-a", "variant-b"}, variant)
	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
}

func TestAdvanceGoalExitAfterGoal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "goal"),
		testutil.GoalNode("goal", &models.GoalConfig{
			GoalType:          models.GoalCustomEvent,
			EventName:         "purchase",
			AttributionWindow: models.Duration{Value: 7, Unit: "days"},
			ExitAfterGoal:     true,
		}, "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "goal", now.Add(-time.Hour))
	env.createEnrollment(t, enrollment)

	event := &models.CustomerEvent{Name: "purchase", CustomerID: "c1", ReceivedAt: now}

	err := env.executor.Advance(ctx, journey, enrollment, event, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.True(t, enrollment.GoalAchieved)
	require.NotNil(t, enrollment.GoalAchievedAt)
	assert.Equal(t, 1, enrollment.ConversionCount)
	assert.Equal(t, 0, env.gateway.Calls)

	updated, err := env.persist.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stats.GoalConversions)
}

func TestAdvanceGoalNotAchievedContinues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "goal"),
		testutil.GoalNode("goal", &models.GoalConfig{
			GoalType:          models.GoalCustomEvent,
			EventName:         "purchase",
			AttributionWindow: models.Duration{Value: 7, Unit: "days"},
			ExitAfterGoal:     true,
		}, "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "goal", now.Add(-time.Hour))
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.False(t, enrollment.GoalAchieved)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestAssignedVariantPicksLowestNodeID(t *testing.T) {
	env := newTestEnv(t)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", time.Now().UTC())
	enrollment.VariantAssignments = map[string]string{
		"exp-b": "variant-2",
		"exp-a": "variant-1",
	}

	// Attribution with multiple experiments must not depend on map order.
	for i := 0; i < 10; i++ {
		assert.Equal(t, "variant-1", env.executor.assignedVariantFor(enrollment))
	}

	enrollment.VariantAssignments = nil
	assert.Empty(t, env.executor.assignedVariantFor(enrollment))
}

func TestAdvanceJourneyCompletionGoalAchievedAtExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "goal"),
		testutil.GoalNode("goal", &models.GoalConfig{
			GoalType:          models.GoalJourneyCompletion,
			AttributionWindow: models.Duration{Value: 24, Unit: "hours"},
		}, "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now.Add(-time.Hour))
	env.createEnrollment(t, enrollment)

	// The goal node runs before the exit is reachable, so completion is
	// only knowable when the exit node terminates the enrollment.
	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.True(t, enrollment.GoalAchieved)
	require.NotNil(t, enrollment.GoalAchievedAt)
	assert.True(t, enrollment.GoalAchievedAt.Equal(now))
	assert.Equal(t, 1, enrollment.ConversionCount)

	stored := env.reload(t, "e1")
	assert.True(t, stored.GoalAchieved)
	assert.Equal(t, 1, stored.ConversionCount)

	updated, err := env.persist.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stats.GoalConversions)
}

func TestAdvanceJourneyCompletionGoalOnUncompletedExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "goal"),
		testutil.GoalNode("goal", &models.GoalConfig{
			GoalType:          models.GoalJourneyCompletion,
			AttributionWindow: models.Duration{Value: 24, Unit: "hours"},
		}, "bye"),
		testutil.ExitNode("bye", false),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now.Add(-time.Hour))
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	// Any exit-typed terminal counts, whether or not it marks completed.
	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.True(t, enrollment.GoalAchieved)
	assert.Equal(t, 1, enrollment.ConversionCount)
}

func TestAdvanceJourneyCompletionGoalWindowElapsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "goal"),
		testutil.GoalNode("goal", &models.GoalConfig{
			GoalType:          models.GoalJourneyCompletion,
			AttributionWindow: models.Duration{Value: 1, Unit: "days"},
		}, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now.Add(-48*time.Hour))
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.False(t, enrollment.GoalAchieved)
	assert.Equal(t, 0, enrollment.ConversionCount)

	updated, err := env.persist.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Stats.GoalConversions)
}

func TestAdvanceActionDeferralParksAtActionNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// 20:00, outside the send window.
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", &models.WhatsAppActionConfig{
			SendWindow: &models.SendWindow{
				Enabled:   true,
				StartTime: "09:00",
				EndTime:   "17:00",
			},
		}, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentWaiting, enrollment.Status)
	// Deferred sends stay parked on the action node; the wake re-runs it.
	assert.Equal(t, "welcome", enrollment.CurrentNode())
	require.NotNil(t, enrollment.Wait)
	assert.Equal(t, models.WaitKindTimer, enrollment.Wait.Kind)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), enrollment.Wait.Deadline)
	assert.Equal(t, 0, env.gateway.Calls)
}

func TestAdvanceFailureExitPathWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", &models.WhatsAppActionConfig{
			FailureHandling: &models.FailureHandling{FallbackAction: models.FallbackExit},
			ExitPaths: []models.ExitPath{
				{Outcome: models.ActionOutcomeFailed, NextNodeID: "apology"},
			},
		}, "done"),
		testutil.ExitNode("done", true),
		testutil.ExitNode("apology", false),
	)
	env.saveJourney(t, journey)

	env.gateway.Errs = []error{protocolPermanent()}

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	// The "failed" exit path wins over the fallback action.
	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestAdvanceFailureFallbackExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", &models.WhatsAppActionConfig{
			FailureHandling: &models.FailureHandling{FallbackAction: models.FallbackExit},
		}, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	env.gateway.Errs = []error{protocolPermanent()}

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
}

func TestAdvanceFailureNoBranchFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	env.gateway.Errs = []error{protocolPermanent()}

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentFailed, enrollment.Status)

	updated, err := env.persist.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stats.Failed)
}

func TestAdvanceStepBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// A condition looping onto itself never parks.
	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "loop"),
		testutil.ConditionNode("loop",
			testutil.PropertyCondition("vip", models.OpEquals, true),
			"loop", "loop"),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "loop", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.WithStepBudget(5).Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentFailed, enrollment.Status)
}

func TestAdvanceEndOfGraphCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", nil, ""),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestAdvanceExitPathProfileUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", &models.WhatsAppActionConfig{
			ExitPaths: []models.ExitPath{
				{
					Outcome:        models.ActionOutcomeSent,
					ProfileUpdates: map[string]any{"welcomed": true},
				},
			},
		}, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, true, env.attrs.Profiles["c1"]["welcomed"])
}

func TestAdvancePausedJourneyRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "done"),
		testutil.ExitNode("done", true),
	)
	journey.Status = models.JourneyStatusPaused
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	err := env.executor.Advance(ctx, journey, enrollment, nil, now)
	require.ErrorIs(t, err, ErrJourneyNotExecutable)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
}
