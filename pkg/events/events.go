// Package events defines event types published on the bus for journey
// lifecycle notifications and inbound customer activity.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowmail/journey/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "journey.events"                        // Engine lifecycle events
const CustomerEventTopic = "journey.customer.events"  // Inbound normalized customer activity
const DeliveryStatusTopic = "journey.delivery.status" // WhatsApp delivery callbacks

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Enrollment lifecycle events.
	EnrollmentCreatedEvent   EventType = "enrollment.created"
	EnrollmentCompletedEvent EventType = "enrollment.completed"
	EnrollmentExitedEvent    EventType = "enrollment.exited"
	EnrollmentFailedEvent    EventType = "enrollment.failed"

	// Node traversal events.
	NodeEnteredEvent        EventType = "node.entered"
	MessageSentEvent        EventType = "message.sent"
	GoalAchievedEvent       EventType = "goal.achieved"
	ExperimentAssignedEvent EventType = "experiment.assigned"

	// Inbound events.
	CustomerActivityEvent EventType = "customer.activity"
	DeliveryStatusEvent   EventType = "delivery.status"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	JourneyID string         `json:"journey_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, journeyID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		JourneyID: journeyID,
	}
}

type EnrollmentCreated struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	CustomerID   string `json:"customer_id"`
	TriggerEvent string `json:"trigger_event,omitempty"`
}

func (e EnrollmentCreated) GetType() EventType {
	return EnrollmentCreatedEvent
}

type EnrollmentCompleted struct {
	BaseEvent

	EnrollmentID string        `json:"enrollment_id"`
	CustomerID   string        `json:"customer_id"`
	GoalAchieved bool          `json:"goal_achieved"`
	Duration     time.Duration `json:"duration"`
}

func (e EnrollmentCompleted) GetType() EventType {
	return EnrollmentCompletedEvent
}

type EnrollmentExited struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	CustomerID   string `json:"customer_id"`
	Reason       string `json:"reason,omitempty"`
}

func (e EnrollmentExited) GetType() EventType {
	return EnrollmentExitedEvent
}

type EnrollmentFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	CustomerID   string `json:"customer_id"`
	NodeID       string `json:"node_id,omitempty"`
	Error        string `json:"error"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

type NodeEntered struct {
	BaseEvent

	EnrollmentID string          `json:"enrollment_id"`
	NodeID       string          `json:"node_id"`
	NodeType     models.NodeType `json:"node_type"`
}

func (e NodeEntered) GetType() EventType {
	return NodeEnteredEvent
}

type MessageSent struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	CustomerID   string `json:"customer_id"`
	NodeID       string `json:"node_id"`
	MessageID    string `json:"message_id"`
	Template     string `json:"template"`
	VariantID    string `json:"variant_id,omitempty"`
}

func (e MessageSent) GetType() EventType {
	return MessageSentEvent
}

type GoalAchieved struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	CustomerID   string `json:"customer_id"`
	NodeID       string `json:"node_id"`
	Reason       string `json:"reason,omitempty"`
}

func (e GoalAchieved) GetType() EventType {
	return GoalAchievedEvent
}

type ExperimentAssigned struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	CustomerID   string `json:"customer_id"`
	NodeID       string `json:"node_id"`
	VariantID    string `json:"variant_id"`
}

func (e ExperimentAssigned) GetType() EventType {
	return ExperimentAssignedEvent
}

// CustomerActivity carries a normalized inbound event (Shopify webhook,
// WhatsApp engagement, segment change) onto the bus for trigger matching.
type CustomerActivity struct {
	BaseEvent

	CustomerID string         `json:"customer_id"`
	EventName  string         `json:"event_name"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

func (e CustomerActivity) GetType() EventType {
	return CustomerActivityEvent
}

// ToCustomerEvent converts the bus envelope into the engine's domain shape.
func (e CustomerActivity) ToCustomerEvent() models.CustomerEvent {
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = e.Timestamp
	}

	return models.CustomerEvent{
		Name:       e.EventName,
		Payload:    e.Payload,
		CustomerID: e.CustomerID,
		ReceivedAt: receivedAt,
	}
}

// DeliveryStatus carries a WhatsApp gateway callback (delivered, read,
// replied, button_clicked) back to enrollments holding on an exit path.
type DeliveryStatus struct {
	BaseEvent

	CustomerID string    `json:"customer_id"`
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e DeliveryStatus) GetType() EventType {
	return DeliveryStatusEvent
}
