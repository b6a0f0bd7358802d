// Package testutil provides shared builders and fakes for engine tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/protocol"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Journey builds an ACTIVE journey definition around the given nodes.
func Journey(id string, nodes ...*models.JourneyNode) *models.JourneyDefinition {
	return &models.JourneyDefinition{
		ID:      id,
		Name:    "Test Journey " + id,
		Status:  models.JourneyStatusActive,
		Version: 1,
		Nodes:   nodes,
		Config: models.JourneyConfig{
			ReEntryRules: models.ReEntryRules{Allow: true},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

// TriggerNode builds a trigger node routing to next on the default edge.
func TriggerNode(id, eventName, next string) *models.JourneyNode {
	return &models.JourneyNode{
		ID:      id,
		Type:    models.NodeTypeTrigger,
		Next:    edges(next),
		Trigger: &models.TriggerConfig{EventName: eventName},
	}
}

// DelayNode builds a delay node with the given config.
func DelayNode(id string, cfg *models.DelayConfig, next string) *models.JourneyNode {
	return &models.JourneyNode{
		ID:    id,
		Type:  models.NodeTypeDelay,
		Next:  edges(next),
		Delay: cfg,
	}
}

// ConditionNode builds a condition node with true/false branches.
func ConditionNode(id string, cfg *models.ConditionConfig, trueNext, falseNext string) *models.JourneyNode {
	next := map[string]string{}
	if trueNext != "" {
		next[models.OutcomeTrue] = trueNext
	}

	if falseNext != "" {
		next[models.OutcomeFalse] = falseNext
	}

	return &models.JourneyNode{
		ID:        id,
		Type:      models.NodeTypeCondition,
		Next:      next,
		Condition: cfg,
	}
}

// PropertyCondition builds a single-leaf AND condition config.
func PropertyCondition(property, operator string, value any) *models.ConditionConfig {
	return &models.ConditionConfig{
		RootGroup: models.ConditionGroup{
			Operator: models.GroupAnd,
			Conditions: []models.Condition{
				{Property: property, Operator: operator, Value: value},
			},
		},
	}
}

// ActionNode builds an action node with an approved template.
func ActionNode(id string, cfg *models.WhatsAppActionConfig, next string) *models.JourneyNode {
	if cfg == nil {
		cfg = &models.WhatsAppActionConfig{}
	}

	if cfg.TemplateID == "" {
		cfg.TemplateID = "tmpl-" + id
	}

	if cfg.TemplateStatus == "" {
		cfg.TemplateStatus = models.TemplateApproved
	}

	return &models.JourneyNode{
		ID:     id,
		Type:   models.NodeTypeAction,
		Next:   edges(next),
		Action: cfg,
	}
}

// GoalNode builds a goal node.
func GoalNode(id string, cfg *models.GoalConfig, next string) *models.JourneyNode {
	return &models.JourneyNode{
		ID:   id,
		Type: models.NodeTypeGoal,
		Next: edges(next),
		Goal: cfg,
	}
}

// ExperimentNode builds an experiment node; nextByVariant maps variant ids
// to follow-up nodes.
func ExperimentNode(id string, cfg *models.ExperimentConfig, nextByVariant map[string]string) *models.JourneyNode {
	return &models.JourneyNode{
		ID:         id,
		Type:       models.NodeTypeExperiment,
		Next:       nextByVariant,
		Experiment: cfg,
	}
}

// ExitNode builds a terminal node.
func ExitNode(id string, markCompleted bool) *models.JourneyNode {
	return &models.JourneyNode{
		ID:   id,
		Type: models.NodeTypeExit,
		Exit: &models.ExitConfig{MarkCompleted: markCompleted},
	}
}

func edges(next string) map[string]string {
	if next == "" {
		return nil
	}

	return map[string]string{models.OutcomeDefault: next}
}

// Enrollment builds an active enrollment positioned at nodeID.
func Enrollment(id, journeyID, customerID, nodeID string, at time.Time) *models.Enrollment {
	e := &models.Enrollment{
		ID:         id,
		JourneyID:  journeyID,
		CustomerID: customerID,
		Status:     models.EnrollmentActive,
		EnteredAt:  at,
		UpdatedAt:  at,
	}
	e.EnterNode(nodeID, at)

	return e
}

// FakeAttributes is an in-memory protocol.AttributeProvider.
type FakeAttributes struct {
	mu       sync.Mutex
	Profiles map[string]map[string]any
	Segs     map[string][]string
	OptedOut map[string]bool
	Phones   map[string]string
	Err      error
}

func NewFakeAttributes() *FakeAttributes {
	return &FakeAttributes{
		Profiles: make(map[string]map[string]any),
		Segs:     make(map[string][]string),
		OptedOut: make(map[string]bool),
		Phones:   make(map[string]string),
	}
}

func (f *FakeAttributes) Snapshot(_ context.Context, customerID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	profile := make(map[string]any, len(f.Profiles[customerID]))
	for k, v := range f.Profiles[customerID] {
		profile[k] = v
	}

	return profile, nil
}

func (f *FakeAttributes) Segments(_ context.Context, customerID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	return f.Segs[customerID], nil
}

func (f *FakeAttributes) IsOptedOut(_ context.Context, customerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return false, f.Err
	}

	return f.OptedOut[customerID], nil
}

func (f *FakeAttributes) PhoneNumber(_ context.Context, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return "", f.Err
	}

	return f.Phones[customerID], nil
}

func (f *FakeAttributes) ApplyProfileUpdates(_ context.Context, customerID string, updates map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return f.Err
	}

	if f.Profiles[customerID] == nil {
		f.Profiles[customerID] = make(map[string]any)
	}

	for k, v := range updates {
		f.Profiles[customerID][k] = v
	}

	return nil
}

// FakeGateway records sends and replays scripted failures.
type FakeGateway struct {
	mu    sync.Mutex
	Calls int

	// Errs is consumed one per call; a nil entry (or exhaustion) means
	// success.
	Errs []error

	LastRequest protocol.SendRequest
}

func (f *FakeGateway) Send(_ context.Context, req protocol.SendRequest) (*protocol.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls++
	f.LastRequest = req

	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]

		if err != nil {
			return nil, err
		}
	}

	return &protocol.SendResult{MessageID: "msg-" + req.TemplateID}, nil
}

var (
	_ protocol.AttributeProvider = (*FakeAttributes)(nil)
	_ protocol.MessagingGateway  = (*FakeGateway)(nil)
)
