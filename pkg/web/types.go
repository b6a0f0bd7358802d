// Package web provides HTTP request and response types for the journey
// API.
package web

import "time"

// EnrollRequest is the body for creating an enrollment.
type EnrollRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
}

// IngestEventRequest is the body for pushing a normalized customer event.
type IngestEventRequest struct {
	Name       string         `json:"name"        validate:"required"`
	CustomerID string         `json:"customer_id" validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at,omitempty"`
}

// DeliveryStatusRequest is the body for a gateway delivery callback.
type DeliveryStatusRequest struct {
	CustomerID string    `json:"customer_id" validate:"required"`
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"      validate:"required"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// TickRequest optionally overrides the clock and batch limit for a
// manually triggered tick.
type TickRequest struct {
	Now        time.Time `json:"now,omitempty"`
	BatchLimit int       `json:"batch_limit,omitempty" validate:"omitempty,min=1"`
}
