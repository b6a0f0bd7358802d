// Package models defines the core domain models for journey execution.
package models

import "time"

// JourneyStatus represents the lifecycle state of a journey definition.
type JourneyStatus string

const (
	JourneyStatusDraft      JourneyStatus = "draft"      // Editable, not executable
	JourneyStatusActive     JourneyStatus = "active"     // Published, enrolling and executing
	JourneyStatusPaused     JourneyStatus = "paused"     // Enrollments frozen in place
	JourneyStatusDeprecated JourneyStatus = "deprecated" // Historical, not executable
)

// ReEntryRules controls whether a customer may be enrolled in the same
// journey more than once. CooldownDays gates re-enrollment from the most
// recent enrollment's terminal timestamp, scoped per customer per journey.
type ReEntryRules struct {
	Allow        bool `json:"allow"`
	CooldownDays int  `json:"cooldown_days" validate:"min=0"`
}

// JourneyConfig holds journey-wide execution settings.
type JourneyConfig struct {
	ReEntryRules   ReEntryRules `json:"re_entry_rules"`
	MaxEnrollments *int         `json:"max_enrollments,omitempty" validate:"omitempty,min=1"`
	Timezone       string       `json:"timezone"`
}

// JourneyStats aggregates enrollment counters maintained by the engine.
type JourneyStats struct {
	TotalEnrollments  int `json:"total_enrollments"`
	ActiveEnrollments int `json:"active_enrollments"`
	Completed         int `json:"completed"`
	Exited            int `json:"exited"`
	Failed            int `json:"failed"`
	GoalConversions   int `json:"goal_conversions"`
}

// JourneyDefinition is a published automation graph. Nodes reference each
// other by id, so cycles are ordinary edges. The engine treats definitions
// as read-only except for Stats.
type JourneyDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"       validate:"required,min=3"`
	Status    JourneyStatus  `json:"status"     validate:"required"`
	Version   int            `json:"version"`
	Nodes     []*JourneyNode `json:"nodes"      validate:"required,dive"`
	Config    JourneyConfig  `json:"config"`
	Stats     JourneyStats   `json:"stats"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FindNode returns the node with the given id, or nil.
func (j *JourneyDefinition) FindNode(id string) *JourneyNode {
	for _, n := range j.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// TriggerNode returns the journey's trigger node, or nil if the graph has
// none (an invalid definition).
func (j *JourneyDefinition) TriggerNode() *JourneyNode {
	for _, n := range j.Nodes {
		if n.Type == NodeTypeTrigger {
			return n
		}
	}

	return nil
}

// IsExecutable reports whether enrollments in this journey may advance.
func (j *JourneyDefinition) IsExecutable() bool {
	return j.Status == JourneyStatusActive
}

// Location resolves the journey's configured timezone, falling back to UTC.
func (j *JourneyDefinition) Location() *time.Location {
	if j.Config.Timezone == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(j.Config.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}
