// Package conditions evaluates boolean expression trees against flattened
// attribute snapshots. Evaluation is pure: no state, no side effects, and
// it never fails — a missing property resolves exists->false and every
// other operator->false.
package conditions

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/flowmail/journey/pkg/models"
)

// Snapshot is a flattened attribute map assembled from customer profile,
// triggering event, and custom fields.
type Snapshot map[string]any

// Evaluate runs a condition config against a snapshot. now anchors relative
// date operators (in_last_days).
func Evaluate(cfg *models.ConditionConfig, snap Snapshot, now time.Time) bool {
	if cfg == nil {
		return true
	}

	return evaluateGroup(cfg.RootGroup, snap, now)
}

func evaluateGroup(group models.ConditionGroup, snap Snapshot, now time.Time) bool {
	and := group.Operator != models.GroupOr

	// Empty groups are vacuously true under AND, false under OR-with-members.
	if len(group.Conditions) == 0 && len(group.Groups) == 0 {
		return true
	}

	for _, cond := range group.Conditions {
		ok := evaluateLeaf(cond, snap, now)
		if and && !ok {
			return false
		}

		if !and && ok {
			return true
		}
	}

	for _, sub := range group.Groups {
		ok := evaluateGroup(sub, snap, now)
		if and && !ok {
			return false
		}

		if !and && ok {
			return true
		}
	}

	return and
}

func evaluateLeaf(cond models.Condition, snap Snapshot, now time.Time) bool {
	actual, found := Lookup(snap, cond.Property)

	switch cond.Operator {
	case models.OpExists:
		return found && actual != nil
	case models.OpNotExists:
		return !found || actual == nil
	}

	if !found || actual == nil {
		return false
	}

	switch cond.Operator {
	case models.OpEquals:
		if af, aok := toFloat(actual); aok {
			if ef, eok := toFloat(cond.Value); eok {
				return af == ef
			}
		}

		return toString(actual) == toString(cond.Value)
	case models.OpNotEquals:
		if af, aok := toFloat(actual); aok {
			if ef, eok := toFloat(cond.Value); eok {
				return af != ef
			}
		}

		return toString(actual) != toString(cond.Value)
	case models.OpContains:
		return strings.Contains(toString(actual), toString(cond.Value))
	case models.OpNotContains:
		return !strings.Contains(toString(actual), toString(cond.Value))
	case models.OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(cond.Value))
	case models.OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(cond.Value))
	case models.OpInList:
		return inList(actual, cond.Value)
	case models.OpGreaterThan:
		return compareFloats(actual, cond.Value, func(a, b float64) bool { return a > b })
	case models.OpGreaterThanOrEqual:
		return compareFloats(actual, cond.Value, func(a, b float64) bool { return a >= b })
	case models.OpLessThan:
		return compareFloats(actual, cond.Value, func(a, b float64) bool { return a < b })
	case models.OpLessThanOrEqual:
		return compareFloats(actual, cond.Value, func(a, b float64) bool { return a <= b })
	case models.OpBetween:
		return between(actual, cond.Value)
	case models.OpBefore:
		av, aok := toTime(actual)
		ev, eok := toTime(cond.Value)

		return aok && eok && av.Before(ev)
	case models.OpAfter:
		av, aok := toTime(actual)
		ev, eok := toTime(cond.Value)

		return aok && eok && av.After(ev)
	case models.OpInLastDays:
		av, aok := toTime(actual)
		days, dok := toFloat(cond.Value)

		if !aok || !dok {
			return false
		}

		cutoff := now.Add(-time.Duration(days*24) * time.Hour)

		return !av.Before(cutoff) && !av.After(now)
	case models.OpIsTrue:
		b, ok := toBool(actual)

		return ok && b
	case models.OpIsFalse:
		b, ok := toBool(actual)

		return ok && !b
	default:
		return false
	}
}

// Lookup resolves a property path against the snapshot: exact key first,
// then dot-path traversal into nested maps.
func Lookup(snap Snapshot, property string) (any, bool) {
	if v, ok := snap[property]; ok {
		return v, true
	}

	parts := strings.Split(property, ".")
	if len(parts) < 2 {
		return nil, false
	}

	var current any = map[string]any(snap)

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func compareFloats(actual, expected any, cmp func(a, b float64) bool) bool {
	av, aok := toFloat(actual)
	ev, eok := toFloat(expected)

	return aok && eok && cmp(av, ev)
}

func between(actual, bounds any) bool {
	list, ok := bounds.([]any)
	if !ok || len(list) != 2 {
		return false
	}

	av, aok := toFloat(actual)
	low, lok := toFloat(list[0])
	high, hok := toFloat(list[1])

	return aok && lok && hok && av >= low && av <= high
}

func inList(actual, list any) bool {
	target := toString(actual)

	switch values := list.(type) {
	case []any:
		for _, v := range values {
			if toString(v) == target {
				return true
			}
		}
	case []string:
		for _, v := range values {
			if v == target {
				return true
			}
		}
	case string:
		for _, v := range strings.Split(values, ",") {
			if strings.TrimSpace(v) == target {
				return true
			}
		}
	}

	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)

		return b, err == nil
	default:
		return false, false
	}
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(raw)
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, v)
			if err == nil {
				return t, true
			}
		}

		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
