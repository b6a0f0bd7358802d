package models

import (
	"fmt"
	"time"
)

// DelayType selects how a delay node computes its wake time.
type DelayType string

const (
	DelayFixedTime        DelayType = "fixed_time"
	DelayWaitUntilTime    DelayType = "wait_until_time"
	DelayWaitForEvent     DelayType = "wait_for_event"
	DelayOptimalSendTime  DelayType = "optimal_send_time"
	DelayWaitForAttribute DelayType = "wait_for_attribute"
)

// TimeoutPolicy decides routing when a wait deadline passes without a match.
type TimeoutPolicy string

const (
	TimeoutContinue      TimeoutPolicy = "continue"
	TimeoutBranchTimeout TimeoutPolicy = "branch_to_timeout_path"
)

// Duration is a value+unit pair as configured by the journey builder.
type Duration struct {
	Value int    `json:"value" validate:"min=0"`
	Unit  string `json:"unit"  validate:"oneof=minutes hours days weeks"`
}

// ToDuration converts the configured pair to a time.Duration.
func (d Duration) ToDuration() time.Duration {
	switch d.Unit {
	case "minutes":
		return time.Duration(d.Value) * time.Minute
	case "hours":
		return time.Duration(d.Value) * time.Hour
	case "days":
		return time.Duration(d.Value) * 24 * time.Hour
	case "weeks":
		return time.Duration(d.Value) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

func (d Duration) String() string {
	return fmt.Sprintf("%d %s", d.Value, d.Unit)
}

// QuietHours is a recurring local-time window during which wake-ups are
// deferred. Windows may cross midnight (e.g. 22:00-08:00).
type QuietHours struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"` // "15:04"
	EndTime   string `json:"end_time"`   // "15:04"
	Timezone  string `json:"timezone,omitempty"`
}

// HolidaySettings shifts wake dates off configured non-working days.
type HolidaySettings struct {
	SkipWeekends bool `json:"skip_weekends"`
}

// Throttling caps how many enrollments may advance past a node per bucket.
type Throttling struct {
	Enabled         bool `json:"enabled"`
	MaxUsersPerHour int  `json:"max_users_per_hour" validate:"min=0"`
	MaxUsersPerDay  int  `json:"max_users_per_day"  validate:"min=0"`
}

// DelayConfig is the payload of a delay node.
type DelayConfig struct {
	Type DelayType `json:"type" validate:"required,oneof=fixed_time wait_until_time wait_for_event optimal_send_time wait_for_attribute"`

	// fixed_time
	Duration *Duration `json:"duration,omitempty"`

	// wait_until_time: next occurrence of this time of day.
	TimeOfDay string `json:"time_of_day,omitempty"` // "15:04"
	Timezone  string `json:"timezone,omitempty"`

	// optimal_send_time: candidate window, hours in local time.
	WindowStartHour int `json:"window_start_hour,omitempty" validate:"min=0,max=23"`
	WindowEndHour   int `json:"window_end_hour,omitempty"   validate:"min=0,max=23"`

	// wait_for_event
	EventName string `json:"event_name,omitempty"`

	// wait_for_attribute
	AttributeProperty string `json:"attribute_property,omitempty"`
	AttributeOperator string `json:"attribute_operator,omitempty"`
	AttributeValue    any    `json:"attribute_value,omitempty"`

	// Shared wait settings for the two wait_* types.
	MaxWait   *Duration     `json:"max_wait,omitempty"`
	OnTimeout TimeoutPolicy `json:"on_timeout,omitempty"`

	QuietHours      *QuietHours      `json:"quiet_hours,omitempty"`
	HolidaySettings *HolidaySettings `json:"holiday_settings,omitempty"`
	Throttling      *Throttling      `json:"throttling,omitempty"`
}

// IsWait reports whether this delay parks the enrollment on a matcher
// rather than a concrete wake time.
func (c *DelayConfig) IsWait() bool {
	return c.Type == DelayWaitForEvent || c.Type == DelayWaitForAttribute
}
