package models

import "time"

// LogEventType tags append-only execution log entries.
type LogEventType string

const (
	LogEnrollmentCreated   LogEventType = "enrollment_created"
	LogEnrollmentCompleted LogEventType = "enrollment_completed"
	LogEnrollmentExited    LogEventType = "enrollment_exited"
	LogEnrollmentFailed    LogEventType = "enrollment_failed"
	LogNodeEntered         LogEventType = "node_entered"
	LogNodeCompleted       LogEventType = "node_completed"
	LogNodeSkipped         LogEventType = "node_skipped"
	LogMessageSent         LogEventType = "message_sent"
	LogMessageSendFailed   LogEventType = "message_send_failed"
	LogSendDeferred        LogEventType = "send_deferred"
	LogRateLimitExceeded   LogEventType = "rate_limit_exceeded"
	LogThrottleDeferred    LogEventType = "throttle_deferred"
	LogGoalAchieved        LogEventType = "goal_achieved"
	LogExperimentAssigned  LogEventType = "experiment_assigned"
	LogWaitTimeout         LogEventType = "wait_timeout"
)

// ExecutionLogEntry is an append-only audit record. Entries are never
// mutated or deleted outside explicit test-mode clears.
type ExecutionLogEntry struct {
	ID           string         `json:"id"`
	EnrollmentID string         `json:"enrollment_id"`
	JourneyID    string         `json:"journey_id"`
	NodeID       string         `json:"node_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    LogEventType   `json:"event_type"`
	Data         map[string]any `json:"data,omitempty"`
}

// LogFilter narrows execution log queries.
type LogFilter struct {
	EnrollmentID string       `json:"enrollment_id,omitempty"`
	JourneyID    string       `json:"journey_id,omitempty"`
	NodeID       string       `json:"node_id,omitempty"`
	EventType    LogEventType `json:"event_type,omitempty"`
	Since        *time.Time   `json:"since,omitempty"`
	Until        *time.Time   `json:"until,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}
