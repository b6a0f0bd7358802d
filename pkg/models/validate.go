package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	ErrNoTriggerNode       = errors.New("journey has no trigger node")
	ErrMultipleTriggers    = errors.New("journey has more than one trigger node")
	ErrDanglingNodeRef     = errors.New("node references a node id that does not exist")
	ErrDuplicateNodeID     = errors.New("duplicate node id")
	ErrInvalidJourneyGraph = errors.New("invalid journey graph")
)

// ValidateDefinition checks a journey definition before the engine will
// execute it: struct tags, per-node config schemas, exactly one trigger
// node, and that every navigation edge points at an existing node. Cycles
// are legal; dangling references are not.
func ValidateDefinition(journey *JourneyDefinition) error {
	err := validate.Struct(journey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJourneyGraph, err)
	}

	seen := make(map[string]struct{}, len(journey.Nodes))
	triggers := 0

	for _, node := range journey.Nodes {
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, node.ID)
		}

		seen[node.ID] = struct{}{}

		if node.Type == NodeTypeTrigger {
			triggers++
		}

		err := ValidateNodeConfig(node)
		if err != nil {
			return err
		}
	}

	if triggers == 0 {
		return ErrNoTriggerNode
	}

	if triggers > 1 {
		return ErrMultipleTriggers
	}

	for _, node := range journey.Nodes {
		for outcome, target := range node.Next {
			if target == "" {
				continue
			}

			if journey.FindNode(target) == nil {
				return fmt.Errorf("%w: node %s outcome %q -> %s", ErrDanglingNodeRef, node.ID, outcome, target)
			}
		}

		if node.Type == NodeTypeAction && node.Action != nil {
			for _, path := range node.Action.ExitPaths {
				if path.NextNodeID != "" && journey.FindNode(path.NextNodeID) == nil {
					return fmt.Errorf("%w: node %s exit path %q -> %s", ErrDanglingNodeRef, node.ID, path.Outcome, path.NextNodeID)
				}
			}
		}
	}

	return nil
}
