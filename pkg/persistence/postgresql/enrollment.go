package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
)

// EnrollmentRepository stores enrollments. Updates carry the optimistic
// version check; due selection claims rows with FOR UPDATE SKIP LOCKED so
// overlapping workers drain disjoint batches.
type EnrollmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEnrollmentRepository(db *sql.DB, logger *slog.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, logger: logger}
}

const enrollmentColumns = `id, journey_id, journey_version, customer_id, status, current_node_id,
	history, actions, variant_assignments, goal_achieved, goal_achieved_at, conversion_count,
	wait, next_run_at, retry_attempt, entered_at, updated_at, version`

func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	history, actions, assignments, wait, err := marshalEnrollmentDocs(enrollment)
	if err != nil {
		return persistence.NewEnrollmentError("Create", enrollment.ID, err)
	}

	query := `
		INSERT INTO enrollments (` + enrollmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.db.ExecContext(ctx, query,
		enrollment.ID, enrollment.JourneyID, enrollment.JourneyVersion,
		enrollment.CustomerID, string(enrollment.Status), enrollment.CurrentNodeID,
		history, actions, assignments, enrollment.GoalAchieved, enrollment.GoalAchievedAt,
		enrollment.ConversionCount, wait, enrollment.NextRunAt, enrollment.RetryAttempt,
		enrollment.EnteredAt, enrollment.UpdatedAt, enrollment.Version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewEnrollmentError("Create", enrollment.ID, persistence.ErrEnrollmentExists)
		}

		return persistence.NewEnrollmentError("Create", enrollment.ID, err)
	}

	return nil
}

// Update writes the enrollment iff the stored version still matches, then
// bumps it. RowsAffected 0 means another writer won the race.
func (r *EnrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment) error {
	history, actions, assignments, wait, err := marshalEnrollmentDocs(enrollment)
	if err != nil {
		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	now := time.Now().UTC()

	query := `
		UPDATE enrollments SET
			status = $3, current_node_id = $4, history = $5, actions = $6,
			variant_assignments = $7, goal_achieved = $8, goal_achieved_at = $9,
			conversion_count = $10, wait = $11, next_run_at = $12, retry_attempt = $13,
			updated_at = $14, version = version + 1
		WHERE id = $1 AND version = $2`

	result, err := r.db.ExecContext(ctx, query,
		enrollment.ID, enrollment.Version,
		string(enrollment.Status), enrollment.CurrentNodeID, history, actions,
		assignments, enrollment.GoalAchieved, enrollment.GoalAchievedAt,
		enrollment.ConversionCount, wait, enrollment.NextRunAt, enrollment.RetryAttempt,
		now)
	if err != nil {
		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	if affected == 0 {
		// Either the row is gone or the version moved; distinguish so
		// callers can treat conflicts as benign skips.
		var exists bool

		err = r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrollments WHERE id = $1)`, enrollment.ID).Scan(&exists)
		if err != nil {
			return persistence.NewEnrollmentError("Update", enrollment.ID, err)
		}

		if !exists {
			return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrEnrollmentNotFound)
		}

		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrVersionConflict)
	}

	enrollment.Version++
	enrollment.UpdatedAt = now

	return nil
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEnrollmentError("GetByID", id, persistence.ErrEnrollmentNotFound)
		}

		return nil, persistence.NewEnrollmentError("GetByID", id, err)
	}

	return enrollment, nil
}

func (r *EnrollmentRepository) GetByJourney(ctx context.Context, journeyID string, filter models.EnrollmentFilter) ([]*models.Enrollment, error) {
	var (
		conditions = []string{"journey_id = $1"}
		args       = []any{journeyID}
	)

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		conditions = append(conditions, fmt.Sprintf("customer_id = $%d", len(args)))
	}

	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY entered_at DESC, id`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments for journey %s: %w", journeyID, err)
	}
	defer rows.Close()

	return scanEnrollments(rows)
}

func (r *EnrollmentRepository) GetByCustomer(ctx context.Context, journeyID, customerID string) ([]*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
		WHERE journey_id = $1 AND customer_id = $2
		ORDER BY entered_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query, journeyID, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments for customer %s: %w", customerID, err)
	}
	defer rows.Close()

	return scanEnrollments(rows)
}

// GetDue selects non-terminal enrollments whose next_run_at is unset or has
// passed. SKIP LOCKED keeps concurrent tickers off each other's batches;
// the version check on Update catches anything that slips through.
func (r *EnrollmentRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin due-selection transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
		WHERE status IN ('active', 'waiting')
		  AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due enrollments: %w", err)
	}
	defer rows.Close()

	due, err := scanEnrollments(rows)
	if err != nil {
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit due-selection transaction: %w", err)
	}

	return due, nil
}

func (r *EnrollmentRepository) GetWaitingForEvent(ctx context.Context, customerID, eventName string) ([]*models.Enrollment, error) {
	// Attribute waits match any event for the customer since the event may
	// carry the profile change being waited on.
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
		WHERE customer_id = $1 AND status = 'waiting' AND wait IS NOT NULL
		  AND (
			(wait->>'kind' = 'event' AND wait->>'event_name' = $2)
			OR wait->>'kind' = 'attribute'
		  )
		ORDER BY entered_at, id`

	rows, err := r.db.QueryContext(ctx, query, customerID, eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to query waiting enrollments: %w", err)
	}
	defer rows.Close()

	return scanEnrollments(rows)
}

func (r *EnrollmentRepository) Count(ctx context.Context, journeyID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE journey_id = $1`, journeyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count enrollments for journey %s: %w", journeyID, err)
	}

	return count, nil
}

func marshalEnrollmentDocs(enrollment *models.Enrollment) (history, actions, assignments, wait []byte, err error) {
	if enrollment.History == nil {
		enrollment.History = []models.HistoryEntry{}
	}

	history, err = json.Marshal(enrollment.History)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal history: %w", err)
	}

	if enrollment.Actions == nil {
		actions = []byte("[]")
	} else {
		actions, err = json.Marshal(enrollment.Actions)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
		}
	}

	if enrollment.VariantAssignments == nil {
		assignments = []byte("{}")
	} else {
		assignments, err = json.Marshal(enrollment.VariantAssignments)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal variant assignments: %w", err)
		}
	}

	if enrollment.Wait != nil {
		wait, err = json.Marshal(enrollment.Wait)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal wait state: %w", err)
		}
	}

	return history, actions, assignments, wait, nil
}

func scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var (
		enrollment  models.Enrollment
		status      string
		currentNode sql.NullString
		history     []byte
		actions     []byte
		assignments []byte
		wait        []byte
		achievedAt  sql.NullTime
		nextRunAt   sql.NullTime
	)

	err := row.Scan(&enrollment.ID, &enrollment.JourneyID, &enrollment.JourneyVersion,
		&enrollment.CustomerID, &status, &currentNode,
		&history, &actions, &assignments,
		&enrollment.GoalAchieved, &achievedAt, &enrollment.ConversionCount,
		&wait, &nextRunAt, &enrollment.RetryAttempt,
		&enrollment.EnteredAt, &enrollment.UpdatedAt, &enrollment.Version)
	if err != nil {
		return nil, err
	}

	enrollment.Status = models.EnrollmentStatus(status)

	if currentNode.Valid {
		enrollment.CurrentNodeID = &currentNode.String
	}

	if achievedAt.Valid {
		t := achievedAt.Time
		enrollment.GoalAchievedAt = &t
	}

	if nextRunAt.Valid {
		t := nextRunAt.Time
		enrollment.NextRunAt = &t
	}

	err = json.Unmarshal(history, &enrollment.History)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	err = json.Unmarshal(actions, &enrollment.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}

	err = json.Unmarshal(assignments, &enrollment.VariantAssignments)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal variant assignments: %w", err)
	}

	if len(wait) > 0 {
		enrollment.Wait = &models.WaitState{}

		err = json.Unmarshal(wait, enrollment.Wait)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal wait state: %w", err)
		}
	}

	return &enrollment, nil
}

func scanEnrollments(rows *sql.Rows) ([]*models.Enrollment, error) {
	var enrollments []*models.Enrollment

	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment row: %w", err)
		}

		enrollments = append(enrollments, enrollment)
	}

	return enrollments, rows.Err()
}
