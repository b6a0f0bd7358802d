package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
	"github.com/flowmail/journey/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"execution_log", "enrollments", "journeys", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("journey_test"),
			postgres.WithUsername("journey"),
			postgres.WithPassword("journey"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func testJourney(id string, status models.JourneyStatus) *models.JourneyDefinition {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &models.JourneyDefinition{
		ID:      id,
		Name:    "Journey " + id,
		Status:  status,
		Version: 1,
		Nodes: []*models.JourneyNode{
			{
				ID:      "trigger-1",
				Type:    models.NodeTypeTrigger,
				Trigger: &models.TriggerConfig{EventName: "order.placed"},
				Next:    map[string]string{"default": "welcome"},
			},
			{
				ID:   "welcome",
				Type: models.NodeTypeAction,
				Action: &models.WhatsAppActionConfig{
					TemplateID:     "tmpl-welcome",
					TemplateStatus: models.TemplateApproved,
				},
			},
		},
		Config:    models.JourneyConfig{Timezone: "UTC"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testEnrollment(id, journeyID string) *models.Enrollment {
	node := "trigger-1"
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &models.Enrollment{
		ID:            id,
		JourneyID:     journeyID,
		CustomerID:    "c1",
		Status:        models.EnrollmentActive,
		CurrentNodeID: &node,
		EnteredAt:     now,
		UpdatedAt:     now,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"journeys", "enrollments", "execution_log", "schema_migrations"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table+" table should exist")
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestNewPersistence_SaveAndRetrieveJourney(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	journey := testJourney("j1", models.JourneyStatusActive)
	require.NoError(t, p.SaveJourney(ctx, journey))

	retrieved, err := p.JourneyByID(ctx, "j1")
	require.NoError(t, err)

	assert.Equal(t, "Journey j1", retrieved.Name)
	assert.Equal(t, models.JourneyStatusActive, retrieved.Status)
	assert.Equal(t, "UTC", retrieved.Config.Timezone)

	// Nodes round-trip through JSONB with configs intact.
	require.Len(t, retrieved.Nodes, 2)
	require.NotNil(t, retrieved.Nodes[0].Trigger)
	assert.Equal(t, "order.placed", retrieved.Nodes[0].Trigger.EventName)
	assert.Equal(t, "welcome", retrieved.Nodes[0].Next["default"])
	require.NotNil(t, retrieved.Nodes[1].Action)
	assert.Equal(t, "tmpl-welcome", retrieved.Nodes[1].Action.TemplateID)
	assert.Equal(t, models.TemplateApproved, retrieved.Nodes[1].Action.TemplateStatus)

	_, err = p.JourneyByID(ctx, "missing")
	assert.True(t, persistence.IsJourneyNotFound(err))
}

func TestNewPersistence_UpdateJourney(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	journey := testJourney("j1", models.JourneyStatusDraft)
	require.NoError(t, p.SaveJourney(ctx, journey))

	journey.Name = "Renamed"
	journey.Status = models.JourneyStatusActive
	journey.Version = 2
	journey.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, p.SaveJourney(ctx, journey))

	retrieved, err := p.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", retrieved.Name)
	assert.Equal(t, models.JourneyStatusActive, retrieved.Status)
	assert.Equal(t, 2, retrieved.Version)

	all, err := p.Journeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert should not create a second row")
}

func TestNewPersistence_ActiveJourneys(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))
	require.NoError(t, p.SaveJourney(ctx, testJourney("j2", models.JourneyStatusDraft)))
	require.NoError(t, p.SaveJourney(ctx, testJourney("j3", models.JourneyStatusPaused)))

	active, err := p.ActiveJourneys(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "j1", active[0].ID)
}

func TestNewPersistence_IncrementStats(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))

	require.NoError(t, p.IncrementStats(ctx, "j1", models.JourneyStats{TotalEnrollments: 1, ActiveEnrollments: 1}))
	require.NoError(t, p.IncrementStats(ctx, "j1", models.JourneyStats{ActiveEnrollments: -1, Completed: 1, GoalConversions: 1}))

	journey, err := p.JourneyByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, journey.Stats.TotalEnrollments)
	assert.Equal(t, 0, journey.Stats.ActiveEnrollments)
	assert.Equal(t, 1, journey.Stats.Completed)
	assert.Equal(t, 1, journey.Stats.GoalConversions)

	err = p.IncrementStats(ctx, "missing", models.JourneyStats{Completed: 1})
	assert.True(t, persistence.IsJourneyNotFound(err))
}

func TestNewPersistence_CreateEnrollment(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))
	require.NoError(t, p.CreateEnrollment(ctx, testEnrollment("e1", "j1")))

	retrieved, err := p.EnrollmentByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "c1", retrieved.CustomerID)
	assert.Equal(t, models.EnrollmentActive, retrieved.Status)
	require.NotNil(t, retrieved.CurrentNodeID)
	assert.Equal(t, "trigger-1", *retrieved.CurrentNodeID)
	assert.Equal(t, int64(0), retrieved.Version)

	err = p.CreateEnrollment(ctx, testEnrollment("e1", "j1"))
	assert.ErrorIs(t, err, persistence.ErrEnrollmentExists)

	_, err = p.EnrollmentByID(ctx, "missing")
	assert.True(t, persistence.IsEnrollmentNotFound(err))
}

func TestNewPersistence_UpdateEnrollment_VersionConflict(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))
	require.NoError(t, p.CreateEnrollment(ctx, testEnrollment("e1", "j1")))

	first, err := p.EnrollmentByID(ctx, "e1")
	require.NoError(t, err)

	second, err := p.EnrollmentByID(ctx, "e1")
	require.NoError(t, err)

	first.Status = models.EnrollmentWaiting
	require.NoError(t, p.UpdateEnrollment(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	// The stale copy lost the race.
	second.Status = models.EnrollmentCompleted
	err = p.UpdateEnrollment(ctx, second)
	assert.True(t, persistence.IsVersionConflict(err))

	stored, err := p.EnrollmentByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentWaiting, stored.Status)
	assert.Equal(t, int64(1), stored.Version)

	gone := testEnrollment("never-created", "j1")
	err = p.UpdateEnrollment(ctx, gone)
	assert.True(t, persistence.IsEnrollmentNotFound(err))
}

func TestNewPersistence_DueEnrollments(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	immediate := testEnrollment("e-immediate", "j1")

	overdue := testEnrollment("e-overdue", "j1")
	overdue.Status = models.EnrollmentWaiting
	overdue.NextRunAt = &past

	notYet := testEnrollment("e-notyet", "j1")
	notYet.Status = models.EnrollmentWaiting
	notYet.NextRunAt = &future

	done := testEnrollment("e-done", "j1")
	done.Status = models.EnrollmentCompleted

	for _, e := range []*models.Enrollment{immediate, overdue, notYet, done} {
		require.NoError(t, p.CreateEnrollment(ctx, e))
	}

	due, err := p.DueEnrollments(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	// Null next_run_at sorts first, then by wake time.
	assert.Equal(t, "e-immediate", due[0].ID)
	assert.Equal(t, "e-overdue", due[1].ID)

	limited, err := p.DueEnrollments(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "e-immediate", limited[0].ID)
}

func TestNewPersistence_WaitingForEvent(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	deadline := base.Add(24 * time.Hour)

	eventWait := testEnrollment("e-event", "j1")
	eventWait.Status = models.EnrollmentWaiting
	eventWait.EnteredAt = base
	eventWait.Wait = &models.WaitState{Kind: models.WaitKindEvent, EventName: "order.created", Deadline: deadline}

	otherEvent := testEnrollment("e-other", "j1")
	otherEvent.Status = models.EnrollmentWaiting
	otherEvent.EnteredAt = base.Add(time.Minute)
	otherEvent.Wait = &models.WaitState{Kind: models.WaitKindEvent, EventName: "cart.updated", Deadline: deadline}

	attrWait := testEnrollment("e-attr", "j1")
	attrWait.Status = models.EnrollmentWaiting
	attrWait.EnteredAt = base.Add(2 * time.Minute)
	attrWait.Wait = &models.WaitState{Kind: models.WaitKindAttribute, Property: "vip", Operator: "is_true", Deadline: deadline}

	timerWait := testEnrollment("e-timer", "j1")
	timerWait.Status = models.EnrollmentWaiting
	timerWait.EnteredAt = base.Add(3 * time.Minute)
	timerWait.Wait = &models.WaitState{Kind: models.WaitKindTimer, Deadline: deadline}

	otherCustomer := testEnrollment("e-c2", "j1")
	otherCustomer.CustomerID = "c2"
	otherCustomer.Status = models.EnrollmentWaiting
	otherCustomer.EnteredAt = base.Add(4 * time.Minute)
	otherCustomer.Wait = &models.WaitState{Kind: models.WaitKindEvent, EventName: "order.created", Deadline: deadline}

	for _, e := range []*models.Enrollment{eventWait, otherEvent, attrWait, timerWait, otherCustomer} {
		require.NoError(t, p.CreateEnrollment(ctx, e))
	}

	// Event waits match by name; attribute waits always surface for
	// re-evaluation. Timer waits and other customers never match.
	matched, err := p.WaitingForEvent(ctx, "c1", "order.created")
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "e-event", matched[0].ID)
	assert.Equal(t, "e-attr", matched[1].ID)

	require.NotNil(t, matched[0].Wait)
	assert.Equal(t, models.WaitKindEvent, matched[0].Wait.Kind)
	assert.True(t, matched[0].Wait.Deadline.Equal(deadline))
}

func TestNewPersistence_EnrollmentsByJourney(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.SaveJourney(ctx, testJourney("j1", models.JourneyStatusActive)))
	require.NoError(t, p.SaveJourney(ctx, testJourney("j2", models.JourneyStatusActive)))

	active := testEnrollment("e1", "j1")

	completed := testEnrollment("e2", "j1")
	completed.Status = models.EnrollmentCompleted
	completed.CustomerID = "c2"

	otherJourney := testEnrollment("e3", "j2")

	for _, e := range []*models.Enrollment{active, completed, otherJourney} {
		require.NoError(t, p.CreateEnrollment(ctx, e))
	}

	all, err := p.EnrollmentsByJourney(ctx, "j1", models.EnrollmentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyActive, err := p.EnrollmentsByJourney(ctx, "j1", models.EnrollmentFilter{Status: models.EnrollmentActive})
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, "e1", onlyActive[0].ID)

	byCustomer, err := p.EnrollmentsByCustomer(ctx, "j1", "c2")
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, "e2", byCustomer[0].ID)

	count, err := p.CountEnrollments(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNewPersistence_ExecutionLog(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	entries := []*models.ExecutionLogEntry{
		{ID: "l1", EnrollmentID: "e1", JourneyID: "j1", NodeID: "n1", EventType: models.LogNodeEntered, Timestamp: now},
		{ID: "l2", EnrollmentID: "e1", JourneyID: "j1", NodeID: "n1", EventType: models.LogMessageSent, Timestamp: now.Add(time.Second),
			Data: map[string]any{"template_id": "tmpl-welcome"}},
		{ID: "l3", EnrollmentID: "e2", JourneyID: "j2", NodeID: "n2", EventType: models.LogNodeEntered, Timestamp: now.Add(2 * time.Second)},
	}
	for _, entry := range entries {
		require.NoError(t, p.AppendLog(ctx, entry))
	}

	byEnrollment, err := p.Logs(ctx, models.LogFilter{EnrollmentID: "e1"})
	require.NoError(t, err)
	require.Len(t, byEnrollment, 2)
	assert.Equal(t, "l1", byEnrollment[0].ID)
	assert.Equal(t, "l2", byEnrollment[1].ID)
	assert.Equal(t, "tmpl-welcome", byEnrollment[1].Data["template_id"])

	byType, err := p.Logs(ctx, models.LogFilter{EventType: models.LogMessageSent})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "l2", byType[0].ID)

	since := now.Add(time.Second)
	recent, err := p.Logs(ctx, models.LogFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	require.NoError(t, p.ClearLogs(ctx, "j1"))

	remaining, err := p.Logs(ctx, models.LogFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "l3", remaining[0].ID)
}
