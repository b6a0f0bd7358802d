package models

import "time"

// EnrollmentStatus is the state-machine state of one customer's traversal.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"    // Ready to advance
	EnrollmentWaiting   EnrollmentStatus = "waiting"   // Parked on a delay or wait matcher
	EnrollmentCompleted EnrollmentStatus = "completed" // Terminal
	EnrollmentExited    EnrollmentStatus = "exited"    // Terminal
	EnrollmentFailed    EnrollmentStatus = "failed"    // Terminal, manual intervention required
)

// HistoryEntry records one visit to a node.
type HistoryEntry struct {
	NodeID    string     `json:"node_id"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
}

// ActionRecord is a side-effect record, e.g. a message sent from an action
// node.
type ActionRecord struct {
	NodeID    string    `json:"node_id"`
	MessageID string    `json:"message_id,omitempty"`
	Template  string    `json:"template,omitempty"`
	Outcome   string    `json:"outcome"`
	SentAt    time.Time `json:"sent_at"`
}

// WaitKind distinguishes what a WAITING enrollment is parked on.
type WaitKind string

const (
	WaitKindTimer     WaitKind = "timer"
	WaitKindEvent     WaitKind = "event"
	WaitKindAttribute WaitKind = "attribute"
)

// WaitState is the descriptor for wait_for_event / wait_for_attribute
// parking. Deadline is evaluated lazily at tick time; matching events are
// checked at trigger time as they arrive.
type WaitState struct {
	Kind      WaitKind      `json:"kind"`
	EventName string        `json:"event_name,omitempty"`
	Property  string        `json:"property,omitempty"`
	Operator  string        `json:"operator,omitempty"`
	Value     any           `json:"value,omitempty"`
	Deadline  time.Time     `json:"deadline"`
	OnTimeout TimeoutPolicy `json:"on_timeout"`
}

// Enrollment is one customer's in-progress or completed traversal of a
// journey. Created by the trigger matcher, mutated exclusively by the node
// executor; terminal states are final.
type Enrollment struct {
	ID             string           `json:"id"`
	JourneyID      string           `json:"journey_id"`
	JourneyVersion int              `json:"journey_version"`
	CustomerID     string           `json:"customer_id"`
	Status         EnrollmentStatus `json:"status"`

	// CurrentNodeID is nil once the enrollment has exited or before it has
	// entered its first node. When non-nil it must reference a node that
	// exists in the journey version the enrollment was created against.
	CurrentNodeID *string `json:"current_node_id,omitempty"`

	History []HistoryEntry `json:"history"`
	Actions []ActionRecord `json:"actions,omitempty"`

	// VariantAssignments keeps experiment assignments sticky per node id
	// across graph cycles.
	VariantAssignments map[string]string `json:"variant_assignments,omitempty"`

	GoalAchieved    bool       `json:"goal_achieved"`
	GoalAchievedAt  *time.Time `json:"goal_achieved_at,omitempty"`
	ConversionCount int        `json:"conversion_count"`

	Wait      *WaitState `json:"wait,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// RetryAttempt counts consecutive transient dispatch failures on the
	// current action node.
	RetryAttempt int `json:"retry_attempt,omitempty"`

	EnteredAt time.Time `json:"entered_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version backs the optimistic concurrency check on writes.
	Version int64 `json:"version"`
}

// IsTerminal reports whether the enrollment reached a final state.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentCompleted, EnrollmentExited, EnrollmentFailed:
		return true
	default:
		return false
	}
}

// CurrentNode returns the current node id or "".
func (e *Enrollment) CurrentNode() string {
	if e.CurrentNodeID == nil {
		return ""
	}

	return *e.CurrentNodeID
}

// SetCurrentNode repoints the enrollment; an empty id clears it.
func (e *Enrollment) SetCurrentNode(nodeID string) {
	if nodeID == "" {
		e.CurrentNodeID = nil

		return
	}

	e.CurrentNodeID = &nodeID
}

// EnterNode appends an open history entry for the node.
func (e *Enrollment) EnterNode(nodeID string, at time.Time) {
	e.History = append(e.History, HistoryEntry{NodeID: nodeID, EnteredAt: at})
	e.SetCurrentNode(nodeID)
}

// LeaveNode closes the most recent open history entry for the node.
func (e *Enrollment) LeaveNode(nodeID, outcome string, at time.Time) {
	for i := len(e.History) - 1; i >= 0; i-- {
		if e.History[i].NodeID == nodeID && e.History[i].ExitedAt == nil {
			exited := at
			e.History[i].ExitedAt = &exited
			e.History[i].Outcome = outcome

			return
		}
	}
}

// AssignedVariant returns the sticky assignment for an experiment node.
func (e *Enrollment) AssignedVariant(nodeID string) (string, bool) {
	v, ok := e.VariantAssignments[nodeID]

	return v, ok
}

// AssignVariant records a sticky variant assignment.
func (e *Enrollment) AssignVariant(nodeID, variantID string) {
	if e.VariantAssignments == nil {
		e.VariantAssignments = make(map[string]string)
	}

	e.VariantAssignments[nodeID] = variantID
}

// EnrollmentFilter narrows ListEnrollments queries.
type EnrollmentFilter struct {
	Status     EnrollmentStatus `json:"status,omitempty"`
	CustomerID string           `json:"customer_id,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}
