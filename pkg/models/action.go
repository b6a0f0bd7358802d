package models

// TemplateStatus mirrors the approval state of a WhatsApp message template.
type TemplateStatus string

const (
	TemplateApproved TemplateStatus = "approved"
	TemplatePending  TemplateStatus = "pending"
	TemplateRejected TemplateStatus = "rejected"
)

// Dispatch outcomes used as exit-path keys for action nodes. The last four
// arrive asynchronously via delivery-status callbacks.
const (
	ActionOutcomeSent          = "sent"
	ActionOutcomeDelivered     = "delivered"
	ActionOutcomeRead          = "read"
	ActionOutcomeReplied       = "replied"
	ActionOutcomeButtonClicked = "button_clicked"
	ActionOutcomeFailed        = "failed"
	ActionOutcomeUnreachable   = "unreachable"
	ActionOutcomeTimeout       = "timeout"
)

// FallbackAction decides routing after send retries are exhausted.
type FallbackAction string

const (
	FallbackContinue FallbackAction = "continue"
	FallbackExit     FallbackAction = "exit"
	FallbackBranch   FallbackAction = "branch"
)

// SendWindow restricts dispatch to a day-of-week plus time-of-day range in
// the configured timezone.
type SendWindow struct {
	Enabled    bool   `json:"enabled"`
	DaysOfWeek []int  `json:"days_of_week,omitempty" validate:"dive,min=0,max=6"` // time.Weekday values
	StartTime  string `json:"start_time,omitempty"`                               // "15:04"
	EndTime    string `json:"end_time,omitempty"`                                 // "15:04"
	Timezone   string `json:"timezone,omitempty"`
}

// RateLimiting caps sends per customer per period. Exceeding a cap defers
// the send to the next period boundary; it is not a failure.
type RateLimiting struct {
	Enabled    bool `json:"enabled"`
	MaxPerDay  int  `json:"max_per_day"  validate:"min=0"`
	MaxPerWeek int  `json:"max_per_week" validate:"min=0"`
}

// FailureHandling configures retries for transient gateway failures.
type FailureHandling struct {
	RetryCount     int            `json:"retry_count"  validate:"min=0"`
	RetryDelay     Duration       `json:"retry_delay"`
	FallbackAction FallbackAction `json:"fallback_action" validate:"omitempty,oneof=continue exit branch"`
	FallbackNodeID string         `json:"fallback_node_id,omitempty"`
}

// ExitPath maps one dispatch outcome to routing plus side effects.
type ExitPath struct {
	Outcome        string         `json:"outcome" validate:"required"`
	NextNodeID     string         `json:"next_node_id,omitempty"`
	ProfileUpdates map[string]any `json:"profile_updates,omitempty"`
	TrackingEvent  string         `json:"tracking_event,omitempty"`
	// Wait holds the enrollment for a further duration before routing,
	// e.g. waiting for a delivery-status callback.
	Wait *Duration `json:"wait,omitempty"`
}

// WhatsAppActionConfig is the payload of an action node.
type WhatsAppActionConfig struct {
	TemplateID       string            `json:"template_id"   validate:"required"`
	TemplateName     string            `json:"template_name"`
	TemplateStatus   TemplateStatus    `json:"template_status"`
	Language         string            `json:"language,omitempty"`
	VariableMappings map[string]string `json:"variable_mappings,omitempty"`

	SkipIfOptedOut bool `json:"skip_if_opted_out"`

	SendWindow      *SendWindow      `json:"send_window,omitempty"`
	RateLimiting    *RateLimiting    `json:"rate_limiting,omitempty"`
	FailureHandling *FailureHandling `json:"failure_handling,omitempty"`

	ExitPaths []ExitPath `json:"exit_paths,omitempty" validate:"dive"`
}

// ExitPathFor returns the exit path configured for an outcome, or nil.
func (c *WhatsAppActionConfig) ExitPathFor(outcome string) *ExitPath {
	for i := range c.ExitPaths {
		if c.ExitPaths[i].Outcome == outcome {
			return &c.ExitPaths[i]
		}
	}

	return nil
}
