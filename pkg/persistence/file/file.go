// Package file provides file-based persistence for local development and
// tests. Enrollments, journeys, and log entries live as JSON documents
// under the root directory; a process-wide mutex backs the optimistic
// version check.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
)

const (
	journeysDir    = "journeys"
	enrollmentsDir = "enrollments"
	logsDir        = "logs"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Persistence implements persistence.Persistence on the local filesystem.
type Persistence struct {
	root string
	mu   sync.Mutex
}

func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) path(dir, id string) string {
	return filepath.Join(p.root, dir, id+".json")
}

func (p *Persistence) writeJSON(path string, value any) error {
	err := os.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	err = os.WriteFile(path, data, filePerm)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

func (p *Persistence) readJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return nil
}

func (p *Persistence) listIDs(dir string) ([]string, error) {
	root := os.DirFS(filepath.Join(p.root, dir))

	files, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	sort.Strings(ids)

	return ids, nil
}

// Journeys

func (p *Persistence) Journeys(ctx context.Context) ([]*models.JourneyDefinition, error) {
	ids, err := p.listIDs(journeysDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*models.JourneyDefinition{}, nil
		}

		return nil, err
	}

	journeys := make([]*models.JourneyDefinition, 0, len(ids))

	for _, id := range ids {
		journey, err := p.JourneyByID(ctx, id)
		if err != nil {
			return nil, err
		}

		journeys = append(journeys, journey)
	}

	return journeys, nil
}

func (p *Persistence) ActiveJourneys(ctx context.Context) ([]*models.JourneyDefinition, error) {
	all, err := p.Journeys(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.JourneyDefinition, 0, len(all))

	for _, journey := range all {
		if journey.Status == models.JourneyStatusActive {
			active = append(active, journey)
		}
	}

	return active, nil
}

func (p *Persistence) JourneyByID(_ context.Context, id string) (*models.JourneyDefinition, error) {
	var journey models.JourneyDefinition

	err := p.readJSON(p.path(journeysDir, id), &journey)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewJourneyError("GetByID", id, persistence.ErrJourneyNotFound)
		}

		return nil, persistence.NewJourneyError("GetByID", id, err)
	}

	return &journey, nil
}

func (p *Persistence) SaveJourney(_ context.Context, journey *models.JourneyDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if journey.ID == "" {
		journey.ID = uuid.New().String()
	}

	journey.UpdatedAt = time.Now().UTC()
	if journey.CreatedAt.IsZero() {
		journey.CreatedAt = journey.UpdatedAt
	}

	return p.writeJSON(p.path(journeysDir, journey.ID), journey)
}

func (p *Persistence) IncrementStats(ctx context.Context, journeyID string, delta models.JourneyStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	journey, err := p.JourneyByID(ctx, journeyID)
	if err != nil {
		return err
	}

	journey.Stats.TotalEnrollments += delta.TotalEnrollments
	journey.Stats.ActiveEnrollments += delta.ActiveEnrollments
	journey.Stats.Completed += delta.Completed
	journey.Stats.Exited += delta.Exited
	journey.Stats.Failed += delta.Failed
	journey.Stats.GoalConversions += delta.GoalConversions
	journey.UpdatedAt = time.Now().UTC()

	return p.writeJSON(p.path(journeysDir, journey.ID), journey)
}

// Enrollments

func (p *Persistence) CreateEnrollment(_ context.Context, enrollment *models.Enrollment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.path(enrollmentsDir, enrollment.ID)

	if _, err := os.Stat(path); err == nil {
		return persistence.NewEnrollmentError("Create", enrollment.ID, persistence.ErrEnrollmentExists)
	}

	return p.writeJSON(path, enrollment)
}

func (p *Persistence) UpdateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := p.enrollmentByIDLocked(enrollment.ID)
	if err != nil {
		return err
	}

	if stored.Version != enrollment.Version {
		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrVersionConflict)
	}

	enrollment.Version++
	enrollment.UpdatedAt = time.Now().UTC()

	return p.writeJSON(p.path(enrollmentsDir, enrollment.ID), enrollment)
}

func (p *Persistence) EnrollmentByID(_ context.Context, id string) (*models.Enrollment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.enrollmentByIDLocked(id)
}

func (p *Persistence) enrollmentByIDLocked(id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	err := p.readJSON(p.path(enrollmentsDir, id), &enrollment)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewEnrollmentError("GetByID", id, persistence.ErrEnrollmentNotFound)
		}

		return nil, persistence.NewEnrollmentError("GetByID", id, err)
	}

	return &enrollment, nil
}

func (p *Persistence) allEnrollments() ([]*models.Enrollment, error) {
	ids, err := p.listIDs(enrollmentsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*models.Enrollment{}, nil
		}

		return nil, err
	}

	enrollments := make([]*models.Enrollment, 0, len(ids))

	for _, id := range ids {
		enrollment, err := p.enrollmentByIDLocked(id)
		if err != nil {
			return nil, err
		}

		enrollments = append(enrollments, enrollment)
	}

	return enrollments, nil
}

func (p *Persistence) EnrollmentsByJourney(_ context.Context, journeyID string, filter models.EnrollmentFilter) ([]*models.Enrollment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.allEnrollments()
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Enrollment, 0, len(all))

	for _, e := range all {
		if e.JourneyID != journeyID {
			continue
		}

		if filter.Status != "" && e.Status != filter.Status {
			continue
		}

		if filter.CustomerID != "" && e.CustomerID != filter.CustomerID {
			continue
		}

		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EnteredAt.After(matched[j].EnteredAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.Enrollment{}, nil
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (p *Persistence) EnrollmentsByCustomer(ctx context.Context, journeyID, customerID string) ([]*models.Enrollment, error) {
	return p.EnrollmentsByJourney(ctx, journeyID, models.EnrollmentFilter{CustomerID: customerID})
}

func (p *Persistence) DueEnrollments(_ context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.allEnrollments()
	if err != nil {
		return nil, err
	}

	due := make([]*models.Enrollment, 0, len(all))

	for _, e := range all {
		if e.IsTerminal() {
			continue
		}

		if e.NextRunAt != nil && e.NextRunAt.After(now) {
			continue
		}

		due = append(due, e)
	}

	// Deterministic selection: next_run_at then id, nulls first.
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]

		switch {
		case a.NextRunAt == nil && b.NextRunAt == nil:
			return a.ID < b.ID
		case a.NextRunAt == nil:
			return true
		case b.NextRunAt == nil:
			return false
		case a.NextRunAt.Equal(*b.NextRunAt):
			return a.ID < b.ID
		default:
			return a.NextRunAt.Before(*b.NextRunAt)
		}
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (p *Persistence) WaitingForEvent(_ context.Context, customerID, eventName string) ([]*models.Enrollment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.allEnrollments()
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Enrollment, 0)

	for _, e := range all {
		if e.Status != models.EnrollmentWaiting || e.Wait == nil || e.CustomerID != customerID {
			continue
		}

		if e.Wait.Kind == models.WaitKindEvent && e.Wait.EventName == eventName {
			matched = append(matched, e)
		}

		if e.Wait.Kind == models.WaitKindAttribute {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return matched, nil
}

func (p *Persistence) CountEnrollments(_ context.Context, journeyID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.allEnrollments()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, e := range all {
		if e.JourneyID == journeyID {
			count++
		}
	}

	return count, nil
}

// Execution log

func (p *Persistence) AppendLog(_ context.Context, entry *models.ExecutionLogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	name := fmt.Sprintf("%020d-%s", entry.Timestamp.UnixNano(), entry.ID)

	return p.writeJSON(p.path(logsDir, name), entry)
}

func (p *Persistence) Logs(_ context.Context, filter models.LogFilter) ([]*models.ExecutionLogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.listIDs(logsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*models.ExecutionLogEntry{}, nil
		}

		return nil, err
	}

	entries := make([]*models.ExecutionLogEntry, 0, len(ids))

	for _, id := range ids {
		var entry models.ExecutionLogEntry

		err := p.readJSON(p.path(logsDir, id), &entry)
		if err != nil {
			return nil, err
		}

		if !matchesLogFilter(&entry, filter) {
			continue
		}

		entries = append(entries, &entry)

		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}

	return entries, nil
}

func matchesLogFilter(entry *models.ExecutionLogEntry, filter models.LogFilter) bool {
	if filter.EnrollmentID != "" && entry.EnrollmentID != filter.EnrollmentID {
		return false
	}

	if filter.JourneyID != "" && entry.JourneyID != filter.JourneyID {
		return false
	}

	if filter.NodeID != "" && entry.NodeID != filter.NodeID {
		return false
	}

	if filter.EventType != "" && entry.EventType != filter.EventType {
		return false
	}

	if filter.Since != nil && entry.Timestamp.Before(*filter.Since) {
		return false
	}

	if filter.Until != nil && entry.Timestamp.After(*filter.Until) {
		return false
	}

	return true
}

func (p *Persistence) ClearLogs(_ context.Context, journeyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.listIDs(logsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return err
	}

	for _, id := range ids {
		var entry models.ExecutionLogEntry

		err := p.readJSON(p.path(logsDir, id), &entry)
		if err != nil {
			return err
		}

		if journeyID != "" && entry.JourneyID != journeyID {
			continue
		}

		err = os.Remove(p.path(logsDir, id))
		if err != nil {
			return fmt.Errorf("failed to remove log entry %s: %w", id, err)
		}
	}

	return nil
}
