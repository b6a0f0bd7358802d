package models

// GroupOperator combines the members of a condition group.
type GroupOperator string

const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
)

// Comparison operators supported by the condition evaluator, by value
// family. A missing property resolves exists->false and every other
// operator->false.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpInList             = "in_list"
	OpExists             = "exists"
	OpNotExists          = "not_exists"
	OpGreaterThan        = "greater_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThan           = "less_than"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpBetween            = "between"
	OpBefore             = "before"
	OpAfter              = "after"
	OpInLastDays         = "in_last_days"
	OpIsTrue             = "is_true"
	OpIsFalse            = "is_false"
)

// Condition is a leaf predicate over a flattened attribute snapshot.
type Condition struct {
	Property string `json:"property" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value,omitempty"`
}

// ConditionGroup composes leaves and subgroups with AND/OR, short-circuiting
// left to right: conditions first, then nested groups.
type ConditionGroup struct {
	Operator   GroupOperator    `json:"operator" validate:"required,oneof=AND OR"`
	Conditions []Condition      `json:"conditions,omitempty"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// ConditionConfig is the payload of a condition node and the shape of
// trigger entry conditions.
type ConditionConfig struct {
	RootGroup ConditionGroup `json:"root_group"`
}
