package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/testutil"
)

func TestEnrollManually(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveJourney(t, welcomeJourney("j1"))

	enrollment, err := env.service.Enroll(ctx, "j1", "c1")
	require.NoError(t, err)
	require.NotNil(t, enrollment)

	assert.Equal(t, "c1", enrollment.CustomerID)
	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestEnrollValidations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveJourney(t, welcomeJourney("j1"))

	paused := welcomeJourney("j-paused")
	paused.Status = models.JourneyStatusPaused
	env.saveJourney(t, paused)

	_, err := env.service.Enroll(ctx, "j1", "")
	assert.True(t, IsValidationError(err))

	_, err = env.service.Enroll(ctx, "j-missing", "c1")
	assert.True(t, IsValidationError(err))

	_, err = env.service.Enroll(ctx, "j-paused", "c1")
	assert.True(t, IsValidationError(err))
}

func TestEnrollBlockedByReEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveJourney(t, welcomeJourney("j1"))

	existing := testutil.Enrollment("e1", "j1", "c1", "welcome", time.Now().UTC())
	existing.Status = models.EnrollmentWaiting
	env.createEnrollment(t, existing)

	_, err := env.service.Enroll(ctx, "j1", "c1")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestEnrollCapReached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limit := 1
	journey := welcomeJourney("j1")
	journey.Config.MaxEnrollments = &limit
	env.saveJourney(t, journey)

	_, err := env.service.Enroll(ctx, "j1", "c1")
	require.NoError(t, err)

	_, err = env.service.Enroll(ctx, "j1", "c2")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCancelWaitingEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.saveJourney(t, welcomeJourney("j1"))

	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now)
	parkTimer(enrollment, now.Add(time.Hour))
	env.createEnrollment(t, enrollment)

	require.NoError(t, env.service.Cancel(ctx, "e1"))

	stored := env.reload(t, "e1")
	assert.Equal(t, models.EnrollmentExited, stored.Status)
	assert.Nil(t, stored.Wait)
	assert.Nil(t, stored.NextRunAt)
	assert.Equal(t, 0, env.gateway.Calls)
}

func TestCancelDoesNotAchieveCompletionGoal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "goal"),
		testutil.GoalNode("goal", &models.GoalConfig{
			GoalType:          models.GoalJourneyCompletion,
			AttributionWindow: models.Duration{Value: 7, Unit: "days"},
		}, "hold"),
		testutil.DelayNode("hold", &models.DelayConfig{
			Type:     models.DelayFixedTime,
			Duration: &models.Duration{Value: 3, Unit: "days"},
		}, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "trigger", now)
	env.createEnrollment(t, enrollment)

	require.NoError(t, env.executor.Advance(ctx, journey, enrollment, nil, now))
	require.Equal(t, models.EnrollmentWaiting, enrollment.Status)

	// Cancellation never reaches an exit node, so the completion goal
	// stays unachieved.
	require.NoError(t, env.service.Cancel(ctx, "e1"))

	stored := env.reload(t, "e1")
	assert.Equal(t, models.EnrollmentExited, stored.Status)
	assert.False(t, stored.GoalAchieved)
	assert.Equal(t, 0, stored.ConversionCount)
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveJourney(t, welcomeJourney("j1"))

	enrollment := testutil.Enrollment("e1", "j1", "c1", "", time.Now().UTC())
	enrollment.Status = models.EnrollmentCompleted
	env.createEnrollment(t, enrollment)

	require.NoError(t, env.service.Cancel(ctx, "e1"))
	assert.Equal(t, models.EnrollmentCompleted, env.reload(t, "e1").Status)
}

func TestCancelUnknownEnrollment(t *testing.T) {
	env := newTestEnv(t)

	err := env.service.Cancel(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestSkipNodeJumpsPastDelay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "wait"),
		testutil.DelayNode("wait", &models.DelayConfig{
			Type:     models.DelayFixedTime,
			Duration: &models.Duration{Value: 3, Unit: "days"},
		}, "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "wait", now)
	parkTimer(enrollment, now.Add(3*24*time.Hour))
	env.createEnrollment(t, enrollment)

	skipped, err := env.service.SkipNode(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentCompleted, skipped.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestSkipNodeTerminalRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveJourney(t, welcomeJourney("j1"))

	enrollment := testutil.Enrollment("e1", "j1", "c1", "", time.Now().UTC())
	enrollment.Status = models.EnrollmentExited
	env.createEnrollment(t, enrollment)

	_, err := env.service.SkipNode(ctx, "e1")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestGetAndListEnrollments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.saveJourney(t, welcomeJourney("j1"))

	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now)
	parkTimer(enrollment, now.Add(time.Hour))
	env.createEnrollment(t, enrollment)

	got, err := env.service.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CustomerID)

	_, err = env.service.GetEnrollment(ctx, "nope")
	assert.True(t, IsValidationError(err))

	list, err := env.service.ListEnrollments(ctx, "j1", models.EnrollmentFilter{CustomerID: "c1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = env.service.ListEnrollments(ctx, "j-missing", models.EnrollmentFilter{})
	assert.True(t, IsValidationError(err))
}

func TestHandleDeliveryStatusWakesEngagementWait(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "wait"),
		testutil.DelayNode("wait", &models.DelayConfig{
			Type:      models.DelayWaitForEvent,
			EventName: "whatsapp.delivered",
			MaxWait:   &models.Duration{Value: 2, Unit: "days"},
		}, "followup"),
		testutil.ActionNode("followup", nil, "done"),
		testutil.ExitNode("done", true),
	)
	env.saveJourney(t, journey)

	deadline := now.Add(24 * time.Hour)
	enrollment := testutil.Enrollment("e1", "j1", "c1", "wait", now.Add(-time.Hour))
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{
		Kind:      models.WaitKindEvent,
		EventName: "whatsapp.delivered",
		Deadline:  deadline,
		OnTimeout: models.TimeoutContinue,
	}
	enrollment.NextRunAt = &deadline
	env.createEnrollment(t, enrollment)

	err := env.service.HandleDeliveryStatus(ctx, "c1", "msg-1", "delivered", now)
	require.NoError(t, err)

	woken := env.reload(t, "e1")
	assert.Equal(t, models.EnrollmentCompleted, woken.Status)
	assert.Equal(t, 1, env.gateway.Calls)
}

func TestHandleDeliveryStatusValidations(t *testing.T) {
	env := newTestEnv(t)

	err := env.service.HandleDeliveryStatus(context.Background(), "", "msg-1", "delivered", time.Time{})
	assert.True(t, IsValidationError(err))

	err = env.service.HandleDeliveryStatus(context.Background(), "c1", "msg-1", "", time.Time{})
	assert.True(t, IsValidationError(err))
}
