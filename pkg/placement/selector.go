// Package placement picks a live worker node for a provisioning command.
// The policy behind Select is deliberately the simplest correct one,
// uniform random over the up set; the interface is the contract, so a
// smarter policy can replace it without touching callers.
package placement

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// ErrNoViableNode indicates no live node remained after filtering.
var ErrNoViableNode = errors.New("no viable node")

// NodeLister is the liveness query the selector depends on.
type NodeLister interface {
	ListUp(role string) []string
}

// Filters narrows the candidate set for one selection.
type Filters struct {
	// Exclude lists node ids that must not be chosen.
	Exclude []string
}

// Selector chooses one live node per role. Safe for concurrent use; the
// rng is guarded because *rand.Rand is not.
type Selector struct {
	nodes   NodeLister
	metrics *telemetry.Metrics
	logger  *telemetry.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a selector backed by the given liveness source.
func NewSelector(nodes NodeLister, logger *telemetry.Logger, metrics *telemetry.Metrics) *Selector {
	return &Selector{
		nodes:   nodes,
		metrics: metrics,
		logger:  logger.NewComponentLogger("placement"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSource replaces the random source, used by tests for determinism.
func (s *Selector) WithSource(src rand.Source) *Selector {
	s.mu.Lock()
	s.rng = rand.New(src)
	s.mu.Unlock()
	return s
}

// Select returns one live node for the role, chosen uniformly at random
// from the up set minus the exclude list. Returns ErrNoViableNode when the
// remaining set is empty.
func (s *Selector) Select(role string, filters Filters) (string, error) {
	excluded := make(map[string]bool, len(filters.Exclude))
	for _, node := range filters.Exclude {
		excluded[node] = true
	}

	candidates := []string{}
	for _, node := range s.nodes.ListUp(role) {
		if !excluded[node] {
			candidates = append(candidates, node)
		}
	}

	if len(candidates) == 0 {
		if s.metrics != nil {
			s.metrics.RecordPlacement(role, "no_viable_node")
		}
		return "", fmt.Errorf("role %q: %w", role, ErrNoViableNode)
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(candidates))
	s.mu.Unlock()

	node := candidates[idx]
	if s.metrics != nil {
		s.metrics.RecordPlacement(role, "placed")
	}
	s.logger.WithNode(node).WithField("role", role).Debug("node selected")
	return node, nil
}
