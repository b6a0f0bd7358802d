// Package experiment assigns sticky A/B variants to enrollments and
// aggregates per-variant outcomes for winner determination.
package experiment

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/flowmail/journey/pkg/models"
)

var ErrNoVariants = errors.New("experiment has no variants with positive allocation")

// Allocator draws variant assignments. The random source is injectable for
// deterministic tests.
type Allocator struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewAllocator() *Allocator {
	return &Allocator{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewAllocatorWithSeed pins the random source. Test hook.
func NewAllocatorWithSeed(seed int64) *Allocator {
	return &Allocator{rand: rand.New(rand.NewSource(seed))}
}

// Assign returns the enrollment's variant for an experiment node. The first
// visit draws a uniform number in [0,100) against the cumulative variant
// weights (normalized proportionally when they do not sum to 100) and
// persists the assignment on the enrollment; later visits, including graph
// cycles back to the same node, reuse it. The second return value reports
// whether this call created the assignment.
func (a *Allocator) Assign(enrollment *models.Enrollment, nodeID string, cfg *models.ExperimentConfig) (string, bool, error) {
	if existing, ok := enrollment.AssignedVariant(nodeID); ok {
		return existing, false, nil
	}

	total := cfg.TotalAllocation()
	if total <= 0 {
		return "", false, fmt.Errorf("%w: experiment %q", ErrNoVariants, cfg.ExperimentName)
	}

	a.mu.Lock()
	draw := a.rand.Float64() * 100
	a.mu.Unlock()

	scale := 100 / total

	var cumulative float64

	for _, variant := range cfg.Variants {
		cumulative += variant.TrafficAllocation * scale
		if draw < cumulative {
			enrollment.AssignVariant(nodeID, variant.ID)

			return variant.ID, true, nil
		}
	}

	// Floating point can leave a sliver above the last boundary.
	last := cfg.Variants[len(cfg.Variants)-1].ID
	enrollment.AssignVariant(nodeID, last)

	return last, true, nil
}
