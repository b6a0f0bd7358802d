package models

// Variant is one arm of an experiment node. TrafficAllocation is a weight
// out of 100; weights that do not sum to 100 are normalized proportionally
// at assignment time.
type Variant struct {
	ID                string  `json:"id"   validate:"required"`
	Name              string  `json:"name"`
	TrafficAllocation float64 `json:"traffic_allocation" validate:"min=0"`
	IsControl         bool    `json:"is_control"`
}

// ExperimentGoal names a goal tracked per variant for winner determination.
type ExperimentGoal struct {
	ID   string `json:"id"   validate:"required"`
	Name string `json:"name"`
}

// ExperimentConfig is the payload of an experiment node. Routing uses the
// variant id as the outcome key into the node's Next map.
type ExperimentConfig struct {
	ExperimentName  string           `json:"experiment_name" validate:"required"`
	Variants        []Variant        `json:"variants"        validate:"required,min=2,dive"`
	Goals           []ExperimentGoal `json:"goals,omitempty"`
	PrimaryGoalID   string           `json:"primary_goal_id,omitempty"`
	WinningCriteria string           `json:"winning_criteria,omitempty"`
	SampleSize      int              `json:"sample_size,omitempty" validate:"min=0"`
}

// TotalAllocation sums the configured variant weights.
func (c *ExperimentConfig) TotalAllocation() float64 {
	var total float64
	for _, v := range c.Variants {
		total += v.TrafficAllocation
	}

	return total
}
