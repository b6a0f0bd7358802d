package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeType identifies which configuration payload a node carries.
type NodeType string

const (
	NodeTypeTrigger    NodeType = "trigger"
	NodeTypeDelay      NodeType = "delay"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeExperiment NodeType = "experiment"
	NodeTypeGoal       NodeType = "goal"
	NodeTypeAction     NodeType = "action"
	NodeTypeExit       NodeType = "exit"
)

// Well-known outcome keys for the per-node navigation map.
const (
	OutcomeDefault = "default"
	OutcomeTrue    = "true"
	OutcomeFalse   = "false"
	OutcomeTimeout = "timeout"
)

// ExitConfig configures a terminal node.
type ExitConfig struct {
	// MarkCompleted selects the terminal enrollment status: COMPLETED when
	// true, EXITED otherwise.
	MarkCompleted bool   `json:"mark_completed"`
	Reason        string `json:"reason,omitempty"`
}

// JourneyNode is one typed step in a journey graph. Exactly one of the
// type-specific config pointers is set, matching Type. Next maps an outcome
// key to the id of the next node; an empty or missing entry ends the
// traversal.
type JourneyNode struct {
	ID   string   `json:"id"   validate:"required"`
	Type NodeType `json:"type" validate:"required"`
	Name string   `json:"name"`

	Next map[string]string `json:"next,omitempty"`

	Trigger    *TriggerConfig        `json:"trigger,omitempty"`
	Delay      *DelayConfig          `json:"delay,omitempty"`
	Condition  *ConditionConfig      `json:"condition,omitempty"`
	Experiment *ExperimentConfig     `json:"experiment,omitempty"`
	Goal       *GoalConfig           `json:"goal,omitempty"`
	Action     *WhatsAppActionConfig `json:"action,omitempty"`
	Exit       *ExitConfig           `json:"exit,omitempty"`
}

// TriggerConfig describes which inbound events enroll customers and an
// optional entry condition evaluated against the event context.
type TriggerConfig struct {
	EventName      string           `json:"event_name" validate:"required"`
	EntryCondition *ConditionConfig `json:"entry_condition,omitempty"`
}

var ErrNodeConfigMismatch = errors.New("node config does not match node type")

// Payload returns the type-specific configuration for the node, or an error
// when the payload is missing or mismatched.
func (n *JourneyNode) Payload() (any, error) {
	var payload any

	switch n.Type {
	case NodeTypeTrigger:
		if n.Trigger != nil {
			payload = n.Trigger
		}
	case NodeTypeDelay:
		if n.Delay != nil {
			payload = n.Delay
		}
	case NodeTypeCondition:
		if n.Condition != nil {
			payload = n.Condition
		}
	case NodeTypeExperiment:
		if n.Experiment != nil {
			payload = n.Experiment
		}
	case NodeTypeGoal:
		if n.Goal != nil {
			payload = n.Goal
		}
	case NodeTypeAction:
		if n.Action != nil {
			payload = n.Action
		}
	case NodeTypeExit:
		if n.Exit != nil {
			payload = n.Exit
		}
	default:
		return nil, fmt.Errorf("%w: unknown node type %q", ErrNodeConfigMismatch, n.Type)
	}

	if payload == nil {
		return nil, fmt.Errorf("%w: node %s of type %s has no %s config", ErrNodeConfigMismatch, n.ID, n.Type, n.Type)
	}

	return payload, nil
}

// NextFor resolves the next node id for an outcome, falling back to the
// default edge. An empty result ends the traversal.
func (n *JourneyNode) NextFor(outcome string) string {
	if next, ok := n.Next[outcome]; ok {
		return next
	}

	return n.Next[OutcomeDefault]
}

// MarshalJSON keeps the wire shape stable even when Next is nil.
func (n *JourneyNode) MarshalJSON() ([]byte, error) {
	type alias JourneyNode

	cp := alias(*n)
	if cp.Next == nil {
		cp.Next = map[string]string{}
	}

	return json.Marshal(cp)
}
