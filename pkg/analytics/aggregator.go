// Package analytics builds read-only reporting views from persisted
// enrollments and the execution log.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmail/journey/pkg/experiment"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
)

// FunnelStep is one node's traffic in graph order.
type FunnelStep struct {
	NodeID    string          `json:"node_id"`
	Name      string          `json:"name"`
	Type      models.NodeType `json:"type"`
	Entered   int             `json:"entered"`
	Completed int             `json:"completed"`
	DropOff   int             `json:"drop_off"`
}

// NodePerformance aggregates per-node outcomes for one journey.
type NodePerformance struct {
	NodeID         string          `json:"node_id"`
	Name           string          `json:"name"`
	Type           models.NodeType `json:"type"`
	Entered        int             `json:"entered"`
	Completed      int             `json:"completed"`
	Skipped        int             `json:"skipped"`
	MessagesSent   int             `json:"messages_sent,omitempty"`
	MessagesFailed int             `json:"messages_failed,omitempty"`
	Deferred       int             `json:"deferred,omitempty"`
	GoalsAchieved  int             `json:"goals_achieved,omitempty"`
}

// TimelineEntry is one execution log entry shaped for presentation.
type TimelineEntry struct {
	Timestamp time.Time           `json:"timestamp"`
	NodeID    string              `json:"node_id,omitempty"`
	EventType models.LogEventType `json:"event_type"`
	Data      map[string]any      `json:"data,omitempty"`
}

// ExperimentReport is the collected per-variant results for one
// experiment node plus the winner decision.
type ExperimentReport struct {
	NodeID         string                     `json:"node_id"`
	ExperimentName string                     `json:"experiment_name"`
	Variants       []experiment.VariantResult `json:"variants"`
	Decision       experiment.WinnerDecision  `json:"decision"`
}

// Aggregator computes reporting views. All methods are read-only.
type Aggregator struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewAggregator(persist persistence.Persistence, logger *slog.Logger) *Aggregator {
	return &Aggregator{persistence: persist, logger: logger.With("module", "analytics")}
}

// Funnel reports entered/completed counts per node in definition order.
func (a *Aggregator) Funnel(ctx context.Context, journeyID string) ([]FunnelStep, error) {
	journey, err := a.persistence.JourneyByID(ctx, journeyID)
	if err != nil {
		return nil, err
	}

	entered, err := a.countByNode(ctx, journeyID, models.LogNodeEntered)
	if err != nil {
		return nil, err
	}

	completed, err := a.countByNode(ctx, journeyID, models.LogNodeCompleted)
	if err != nil {
		return nil, err
	}

	steps := make([]FunnelStep, 0, len(journey.Nodes))

	for _, node := range journey.Nodes {
		step := FunnelStep{
			NodeID:    node.ID,
			Name:      node.Name,
			Type:      node.Type,
			Entered:   entered[node.ID],
			Completed: completed[node.ID],
		}
		step.DropOff = step.Entered - step.Completed

		steps = append(steps, step)
	}

	return steps, nil
}

// Timeline returns one enrollment's execution log in order.
func (a *Aggregator) Timeline(ctx context.Context, enrollmentID string) ([]TimelineEntry, error) {
	entries, err := a.persistence.Logs(ctx, models.LogFilter{EnrollmentID: enrollmentID})
	if err != nil {
		return nil, err
	}

	timeline := make([]TimelineEntry, 0, len(entries))
	for _, entry := range entries {
		timeline = append(timeline, TimelineEntry{
			Timestamp: entry.Timestamp,
			NodeID:    entry.NodeID,
			EventType: entry.EventType,
			Data:      entry.Data,
		})
	}

	return timeline, nil
}

// NodePerformanceReport aggregates outcome counters per node.
func (a *Aggregator) NodePerformanceReport(ctx context.Context, journeyID string) ([]NodePerformance, error) {
	journey, err := a.persistence.JourneyByID(ctx, journeyID)
	if err != nil {
		return nil, err
	}

	entries, err := a.persistence.Logs(ctx, models.LogFilter{JourneyID: journeyID})
	if err != nil {
		return nil, err
	}

	byNode := make(map[string]*NodePerformance, len(journey.Nodes))
	report := make([]NodePerformance, len(journey.Nodes))

	for i, node := range journey.Nodes {
		report[i] = NodePerformance{NodeID: node.ID, Name: node.Name, Type: node.Type}
		byNode[node.ID] = &report[i]
	}

	for _, entry := range entries {
		perf, ok := byNode[entry.NodeID]
		if !ok {
			continue
		}

		switch entry.EventType {
		case models.LogNodeEntered:
			perf.Entered++
		case models.LogNodeCompleted:
			perf.Completed++
		case models.LogNodeSkipped:
			perf.Skipped++
		case models.LogMessageSent:
			perf.MessagesSent++
		case models.LogMessageSendFailed:
			perf.MessagesFailed++
		case models.LogSendDeferred, models.LogRateLimitExceeded, models.LogThrottleDeferred:
			perf.Deferred++
		case models.LogGoalAchieved:
			perf.GoalsAchieved++
		}
	}

	return report, nil
}

// ExperimentResults collects assignment and conversion counts for one
// experiment node and applies the winner rule. A conversion is an
// enrollment holding that variant assignment whose goal was achieved.
func (a *Aggregator) ExperimentResults(ctx context.Context, journeyID, nodeID string) (*ExperimentReport, error) {
	journey, err := a.persistence.JourneyByID(ctx, journeyID)
	if err != nil {
		return nil, err
	}

	node := journey.FindNode(nodeID)
	if node == nil || node.Experiment == nil {
		return nil, fmt.Errorf("journey %s has no experiment node %s", journeyID, nodeID)
	}

	cfg := node.Experiment

	enrollments, err := a.persistence.EnrollmentsByJourney(ctx, journeyID, models.EnrollmentFilter{})
	if err != nil {
		return nil, err
	}

	results := make([]experiment.VariantResult, len(cfg.Variants))
	index := make(map[string]*experiment.VariantResult, len(cfg.Variants))

	for i, variant := range cfg.Variants {
		results[i] = experiment.VariantResult{VariantID: variant.ID, IsControl: variant.IsControl}
		index[variant.ID] = &results[i]
	}

	for _, enrollment := range enrollments {
		variantID, ok := enrollment.AssignedVariant(nodeID)
		if !ok {
			continue
		}

		result, known := index[variantID]
		if !known {
			continue
		}

		result.Assignments++

		if enrollment.GoalAchieved {
			result.Conversions++
		}
	}

	return &ExperimentReport{
		NodeID:         nodeID,
		ExperimentName: cfg.ExperimentName,
		Variants:       results,
		Decision:       experiment.DetermineWinner(cfg, results),
	}, nil
}

func (a *Aggregator) countByNode(ctx context.Context, journeyID string, eventType models.LogEventType) (map[string]int, error) {
	entries, err := a.persistence.Logs(ctx, models.LogFilter{JourneyID: journeyID, EventType: eventType})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, entry := range entries {
		if entry.NodeID != "" {
			counts[entry.NodeID]++
		}
	}

	return counts, nil
}
