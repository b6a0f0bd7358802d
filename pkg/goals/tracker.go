// Package goals evaluates goal-node configurations with attribution-window
// cutoffs. Evaluation is pure: all context arrives in the call.
package goals

import (
	"fmt"
	"time"

	"github.com/flowmail/journey/pkg/conditions"
	"github.com/flowmail/journey/pkg/models"
)

// Context carries everything a goal evaluation may consult.
type Context struct {
	// Event is the current triggering event, if any.
	Event *models.CustomerEvent

	// Segments is the customer's current segment membership.
	Segments []string

	// ReachedExit reports whether the enrollment has reached a terminal
	// exit node (journey_completion goals).
	ReachedExit bool

	Now time.Time
}

// Outcome is the result of one goal evaluation.
type Outcome struct {
	Achieved bool
	At       time.Time
	Reason   string
}

// Cutoff returns the absolute attribution deadline for an enrollment that
// entered at enteredAt.
func Cutoff(cfg *models.GoalConfig, enteredAt time.Time) time.Time {
	return enteredAt.Add(cfg.AttributionWindow.ToDuration())
}

// Evaluate decides whether the goal is satisfied. An occurrence strictly
// after the attribution cutoff never counts.
func Evaluate(cfg *models.GoalConfig, enteredAt time.Time, gctx Context) Outcome {
	cutoff := Cutoff(cfg, enteredAt)

	switch cfg.GoalType {
	case models.GoalJourneyCompletion:
		if gctx.ReachedExit && !gctx.Now.After(cutoff) {
			return Outcome{Achieved: true, At: gctx.Now, Reason: "journey completed within window"}
		}

		return Outcome{Reason: "journey not completed within window"}

	case models.GoalSegmentEntry:
		if gctx.Now.After(cutoff) {
			return Outcome{Reason: "attribution window elapsed"}
		}

		for _, segment := range gctx.Segments {
			if segment == cfg.SegmentID {
				return Outcome{Achieved: true, At: gctx.Now, Reason: "customer in segment " + cfg.SegmentID}
			}
		}

		return Outcome{Reason: "customer not in segment " + cfg.SegmentID}

	case models.GoalCustomEvent, models.GoalShopifyEvent, models.GoalWhatsAppEngagement:
		return evaluateEventGoal(cfg, cutoff, gctx)

	default:
		return Outcome{Reason: fmt.Sprintf("unknown goal type %q", cfg.GoalType)}
	}
}

func evaluateEventGoal(cfg *models.GoalConfig, cutoff time.Time, gctx Context) Outcome {
	event := gctx.Event
	if event == nil {
		return Outcome{Reason: "no event in context"}
	}

	if event.Name != cfg.EventName {
		return Outcome{Reason: fmt.Sprintf("event %q does not match goal event %q", event.Name, cfg.EventName)}
	}

	if event.ReceivedAt.After(cutoff) {
		return Outcome{Reason: "event received after attribution cutoff"}
	}

	if !matchFilters(cfg.Filters, event.Payload) {
		return Outcome{Reason: "event payload does not match goal filters"}
	}

	return Outcome{Achieved: true, At: event.ReceivedAt, Reason: "matching event within window"}
}

// matchFilters requires every filter key to be present and equal in the
// payload. Nested paths use the snapshot lookup rules.
func matchFilters(filters map[string]any, payload map[string]any) bool {
	if len(filters) == 0 {
		return true
	}

	snap := conditions.Snapshot(payload)

	for property, expected := range filters {
		cond := models.Condition{Property: property, Operator: models.OpEquals, Value: expected}
		group := models.ConditionGroup{Operator: models.GroupAnd, Conditions: []models.Condition{cond}}

		if !conditions.Evaluate(&models.ConditionConfig{RootGroup: group}, snap, time.Time{}) {
			return false
		}
	}

	return true
}
