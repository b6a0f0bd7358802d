package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
)

// JourneyRepository stores journey definitions with nodes, config, and
// stats as JSONB documents.
type JourneyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJourneyRepository(db *sql.DB, logger *slog.Logger) *JourneyRepository {
	return &JourneyRepository{db: db, logger: logger}
}

const journeyColumns = `id, name, status, version, nodes, config, stats, created_at, updated_at`

func (r *JourneyRepository) GetAll(ctx context.Context) ([]*models.JourneyDefinition, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query journeys: %w", err)
	}
	defer rows.Close()

	return scanJourneys(rows)
}

func (r *JourneyRepository) GetByStatus(ctx context.Context, status models.JourneyStatus) ([]*models.JourneyDefinition, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE status = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query journeys by status: %w", err)
	}
	defer rows.Close()

	return scanJourneys(rows)
}

func (r *JourneyRepository) GetByID(ctx context.Context, id string) (*models.JourneyDefinition, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE id = $1`

	journey, err := scanJourney(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJourneyError("GetByID", id, persistence.ErrJourneyNotFound)
		}

		return nil, fmt.Errorf("failed to get journey %s: %w", id, err)
	}

	return journey, nil
}

func (r *JourneyRepository) Save(ctx context.Context, journey *models.JourneyDefinition) error {
	nodes, err := json.Marshal(journey.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	config, err := json.Marshal(journey.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	stats, err := json.Marshal(journey.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		INSERT INTO journeys (id, name, status, version, nodes, config, stats, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			nodes = EXCLUDED.nodes,
			config = EXCLUDED.config,
			stats = EXCLUDED.stats,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		journey.ID, journey.Name, string(journey.Status), journey.Version,
		nodes, config, stats, journey.CreatedAt, journey.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save journey %s: %w", journey.ID, err)
	}

	return nil
}

// IncrementStats folds the deltas into the stored stats JSONB in one
// statement so concurrent tickers never lose counts.
func (r *JourneyRepository) IncrementStats(ctx context.Context, journeyID string, delta models.JourneyStats) error {
	query := `
		UPDATE journeys SET stats = jsonb_build_object(
			'total_enrollments', COALESCE((stats->>'total_enrollments')::int, 0) + $2,
			'active_enrollments', COALESCE((stats->>'active_enrollments')::int, 0) + $3,
			'completed', COALESCE((stats->>'completed')::int, 0) + $4,
			'exited', COALESCE((stats->>'exited')::int, 0) + $5,
			'failed', COALESCE((stats->>'failed')::int, 0) + $6,
			'goal_conversions', COALESCE((stats->>'goal_conversions')::int, 0) + $7
		), updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, journeyID,
		delta.TotalEnrollments, delta.ActiveEnrollments,
		delta.Completed, delta.Exited, delta.Failed, delta.GoalConversions)
	if err != nil {
		return fmt.Errorf("failed to increment stats for journey %s: %w", journeyID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewJourneyError("IncrementStats", journeyID, persistence.ErrJourneyNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJourney(row rowScanner) (*models.JourneyDefinition, error) {
	var (
		journey models.JourneyDefinition
		status  string
		nodes   []byte
		config  []byte
		stats   []byte
	)

	err := row.Scan(&journey.ID, &journey.Name, &status, &journey.Version,
		&nodes, &config, &stats, &journey.CreatedAt, &journey.UpdatedAt)
	if err != nil {
		return nil, err
	}

	journey.Status = models.JourneyStatus(status)

	err = json.Unmarshal(nodes, &journey.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	err = json.Unmarshal(config, &journey.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	err = json.Unmarshal(stats, &journey.Stats)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	return &journey, nil
}

func scanJourneys(rows *sql.Rows) ([]*models.JourneyDefinition, error) {
	var journeys []*models.JourneyDefinition

	for rows.Next() {
		journey, err := scanJourney(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journey row: %w", err)
		}

		journeys = append(journeys, journey)
	}

	return journeys, rows.Err()
}
