package models

import "time"

// CustomerEvent is a normalized inbound event as delivered by event
// ingestion: trigger matching, wait_for_event matching, and goal
// attribution all consume this shape.
type CustomerEvent struct {
	Name       string         `json:"name"        validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	CustomerID string         `json:"customer_id" validate:"required"`
	ReceivedAt time.Time      `json:"received_at"`
}
