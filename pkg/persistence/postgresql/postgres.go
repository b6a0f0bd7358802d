// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	journeyRepo    *JourneyRepository
	enrollmentRepo *EnrollmentRepository
	logRepo        *ExecutionLogRepository
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		journeyRepo:    NewJourneyRepository(database, logger),
		enrollmentRepo: NewEnrollmentRepository(database, logger),
		logRepo:        NewExecutionLogRepository(database, logger),
	}, nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Journey repository delegation.

func (p *Persistence) Journeys(ctx context.Context) ([]*models.JourneyDefinition, error) {
	return p.journeyRepo.GetAll(ctx)
}

func (p *Persistence) ActiveJourneys(ctx context.Context) ([]*models.JourneyDefinition, error) {
	return p.journeyRepo.GetByStatus(ctx, models.JourneyStatusActive)
}

func (p *Persistence) JourneyByID(ctx context.Context, id string) (*models.JourneyDefinition, error) {
	return p.journeyRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveJourney(ctx context.Context, journey *models.JourneyDefinition) error {
	return p.journeyRepo.Save(ctx, journey)
}

func (p *Persistence) IncrementStats(ctx context.Context, journeyID string, delta models.JourneyStats) error {
	return p.journeyRepo.IncrementStats(ctx, journeyID, delta)
}

// Enrollment repository delegation.

func (p *Persistence) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	return p.enrollmentRepo.Create(ctx, enrollment)
}

func (p *Persistence) UpdateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	return p.enrollmentRepo.Update(ctx, enrollment)
}

func (p *Persistence) EnrollmentByID(ctx context.Context, id string) (*models.Enrollment, error) {
	return p.enrollmentRepo.GetByID(ctx, id)
}

func (p *Persistence) EnrollmentsByJourney(ctx context.Context, journeyID string, filter models.EnrollmentFilter) ([]*models.Enrollment, error) {
	return p.enrollmentRepo.GetByJourney(ctx, journeyID, filter)
}

func (p *Persistence) EnrollmentsByCustomer(ctx context.Context, journeyID, customerID string) ([]*models.Enrollment, error) {
	return p.enrollmentRepo.GetByCustomer(ctx, journeyID, customerID)
}

func (p *Persistence) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	return p.enrollmentRepo.GetDue(ctx, now, limit)
}

func (p *Persistence) WaitingForEvent(ctx context.Context, customerID, eventName string) ([]*models.Enrollment, error) {
	return p.enrollmentRepo.GetWaitingForEvent(ctx, customerID, eventName)
}

func (p *Persistence) CountEnrollments(ctx context.Context, journeyID string) (int, error) {
	return p.enrollmentRepo.Count(ctx, journeyID)
}

// Execution log delegation.

func (p *Persistence) AppendLog(ctx context.Context, entry *models.ExecutionLogEntry) error {
	return p.logRepo.Append(ctx, entry)
}

func (p *Persistence) Logs(ctx context.Context, filter models.LogFilter) ([]*models.ExecutionLogEntry, error) {
	return p.logRepo.Query(ctx, filter)
}

func (p *Persistence) ClearLogs(ctx context.Context, journeyID string) error {
	return p.logRepo.Clear(ctx, journeyID)
}
