package models

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Per-type JSON schemas for node config payloads. Struct tags catch most
// shape problems; the schemas additionally pin formats the builder UI is
// known to get wrong (time-of-day strings, weight bounds).
var nodeConfigSchemas = map[NodeType]string{
	NodeTypeTrigger: `{
		"type": "object",
		"required": ["event_name"],
		"properties": {
			"event_name": {"type": "string", "minLength": 1}
		}
	}`,
	NodeTypeDelay: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"enum": ["fixed_time", "wait_until_time", "wait_for_event", "optimal_send_time", "wait_for_attribute"]},
			"time_of_day": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			"window_start_hour": {"type": "integer", "minimum": 0, "maximum": 23},
			"window_end_hour": {"type": "integer", "minimum": 0, "maximum": 23}
		}
	}`,
	NodeTypeCondition: `{
		"type": "object",
		"required": ["root_group"],
		"properties": {
			"root_group": {
				"type": "object",
				"required": ["operator"],
				"properties": {
					"operator": {"enum": ["AND", "OR"]}
				}
			}
		}
	}`,
	NodeTypeExperiment: `{
		"type": "object",
		"required": ["experiment_name", "variants"],
		"properties": {
			"variants": {
				"type": "array",
				"minItems": 2,
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {
						"traffic_allocation": {"type": "number", "minimum": 0, "maximum": 100}
					}
				}
			}
		}
	}`,
	NodeTypeGoal: `{
		"type": "object",
		"required": ["goal_type", "attribution_window"],
		"properties": {
			"goal_type": {"enum": ["journey_completion", "shopify_event", "whatsapp_engagement", "custom_event", "segment_entry"]},
			"attribution_window": {
				"type": "object",
				"required": ["value", "unit"],
				"properties": {
					"value": {"type": "integer", "minimum": 0},
					"unit": {"enum": ["minutes", "hours", "days", "weeks"]}
				}
			}
		}
	}`,
	NodeTypeAction: `{
		"type": "object",
		"required": ["template_id"],
		"properties": {
			"template_id": {"type": "string", "minLength": 1},
			"send_window": {
				"type": "object",
				"properties": {
					"start_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
					"end_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"}
				}
			}
		}
	}`,
	NodeTypeExit: `{
		"type": "object",
		"properties": {
			"mark_completed": {"type": "boolean"}
		}
	}`,
}

// ValidateNodeConfig checks the node's type-specific payload against its
// JSON schema.
func ValidateNodeConfig(node *JourneyNode) error {
	payload, err := node.Payload()
	if err != nil {
		return err
	}

	schema, ok := nodeConfigSchemas[node.Type]
	if !ok {
		return fmt.Errorf("%w: no schema for node type %q", ErrNodeConfigMismatch, node.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal config for node %s: %w", node.ID, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to validate config for node %s: %w", node.ID, err)
	}

	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("invalid config for node %s: %s", node.ID, errs[0].String())
		}

		return fmt.Errorf("invalid config for node %s", node.ID)
	}

	return nil
}
