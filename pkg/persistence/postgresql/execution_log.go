package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowmail/journey/pkg/models"
)

// ExecutionLogRepository appends and queries the audit log.
type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionLogRepository(db *sql.DB, logger *slog.Logger) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db, logger: logger}
}

func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	var (
		data []byte
		err  error
	)

	if entry.Data != nil {
		data, err = json.Marshal(entry.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal log data: %w", err)
		}
	}

	query := `
		INSERT INTO execution_log (id, enrollment_id, journey_id, node_id, timestamp, event_type, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.EnrollmentID, entry.JourneyID, nullString(entry.NodeID),
		entry.Timestamp, string(entry.EventType), data)
	if err != nil {
		return fmt.Errorf("failed to append log entry %s: %w", entry.ID, err)
	}

	return nil
}

func (r *ExecutionLogRepository) Query(ctx context.Context, filter models.LogFilter) ([]*models.ExecutionLogEntry, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.EnrollmentID != "" {
		args = append(args, filter.EnrollmentID)
		conditions = append(conditions, fmt.Sprintf("enrollment_id = $%d", len(args)))
	}

	if filter.JourneyID != "" {
		args = append(args, filter.JourneyID)
		conditions = append(conditions, fmt.Sprintf("journey_id = $%d", len(args)))
	}

	if filter.NodeID != "" {
		args = append(args, filter.NodeID)
		conditions = append(conditions, fmt.Sprintf("node_id = $%d", len(args)))
	}

	if filter.EventType != "" {
		args = append(args, string(filter.EventType))
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}

	if filter.Since != nil {
		args = append(args, *filter.Since)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}

	if filter.Until != nil {
		args = append(args, *filter.Until)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	query := `SELECT id, enrollment_id, journey_id, node_id, timestamp, event_type, data FROM execution_log`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY timestamp, id`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLogEntry

	for rows.Next() {
		var (
			entry     models.ExecutionLogEntry
			nodeID    sql.NullString
			eventType string
			data      []byte
		)

		err = rows.Scan(&entry.ID, &entry.EnrollmentID, &entry.JourneyID,
			&nodeID, &entry.Timestamp, &eventType, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}

		entry.NodeID = nodeID.String
		entry.EventType = models.LogEventType(eventType)

		if len(data) > 0 {
			err = json.Unmarshal(data, &entry.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func (r *ExecutionLogRepository) Clear(ctx context.Context, journeyID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM execution_log WHERE journey_id = $1`, journeyID)
	if err != nil {
		return fmt.Errorf("failed to clear logs for journey %s: %w", journeyID, err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
