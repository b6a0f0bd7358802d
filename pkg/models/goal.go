package models

// GoalType selects what satisfies a goal node.
type GoalType string

const (
	GoalJourneyCompletion  GoalType = "journey_completion"
	GoalShopifyEvent       GoalType = "shopify_event"
	GoalWhatsAppEngagement GoalType = "whatsapp_engagement"
	GoalCustomEvent        GoalType = "custom_event"
	GoalSegmentEntry       GoalType = "segment_entry"
)

// GoalConfig is the payload of a goal node. The attribution window is
// anchored at the enrollment's entry time; an event strictly after
// entry+window never counts.
type GoalConfig struct {
	GoalType GoalType `json:"goal_type" validate:"required,oneof=journey_completion shopify_event whatsapp_engagement custom_event segment_entry"`

	// Event-based goals.
	EventName string         `json:"event_name,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`

	// segment_entry
	SegmentID string `json:"segment_id,omitempty"`

	AttributionWindow Duration `json:"attribution_window"`
	AttributionModel  string   `json:"attribution_model,omitempty"`

	ExitAfterGoal            bool `json:"exit_after_goal"`
	MarkAsCompleted          bool `json:"mark_as_completed"`
	CountMultipleConversions bool `json:"count_multiple_conversions"`
}
