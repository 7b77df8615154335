package placement

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// staticNodes is a fixed liveness source.
type staticNodes map[string][]string

func (s staticNodes) ListUp(role string) []string {
	return s[role]
}

func setupTestSelector(t *testing.T, nodes staticNodes) *Selector {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewSelector(nodes, logger, nil).WithSource(rand.NewSource(1))
}

// TestSelectFromUpSet tests that selection stays within the up set
func TestSelectFromUpSet(t *testing.T) {
	up := map[string]bool{"node-a": true, "node-b": true, "node-c": true}
	s := setupTestSelector(t, staticNodes{"compute": {"node-a", "node-b", "node-c"}})

	for i := 0; i < 50; i++ {
		node, err := s.Select("compute", Filters{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !up[node] {
			t.Fatalf("selected node %q outside the up set", node)
		}
	}
}

// TestSelectCoversAllCandidates tests that every candidate is reachable
func TestSelectCoversAllCandidates(t *testing.T) {
	s := setupTestSelector(t, staticNodes{"compute": {"node-a", "node-b", "node-c"}})

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		node, err := s.Select("compute", Filters{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[node] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected all 3 candidates selected over 200 draws, got %v", seen)
	}
}

// TestSelectExclude tests the exclude filter
func TestSelectExclude(t *testing.T) {
	s := setupTestSelector(t, staticNodes{"compute": {"node-a", "node-b"}})

	for i := 0; i < 20; i++ {
		node, err := s.Select("compute", Filters{Exclude: []string{"node-a"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if node != "node-b" {
			t.Fatalf("expected node-b, got %q", node)
		}
	}
}

// TestSelectConcurrent tests that simultaneous selections are safe
func TestSelectConcurrent(t *testing.T) {
	up := map[string]bool{"node-a": true, "node-b": true, "node-c": true}
	s := setupTestSelector(t, staticNodes{"compute": {"node-a", "node-b", "node-c"}})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				node, err := s.Select("compute", Filters{})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if !up[node] {
					t.Errorf("selected node %q outside the up set", node)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestSelectNoViableNode tests the empty-set failure
func TestSelectNoViableNode(t *testing.T) {
	s := setupTestSelector(t, staticNodes{"compute": {"node-a"}})

	if _, err := s.Select("storage", Filters{}); !errors.Is(err, ErrNoViableNode) {
		t.Errorf("expected ErrNoViableNode for empty role, got %v", err)
	}

	_, err := s.Select("compute", Filters{Exclude: []string{"node-a"}})
	if !errors.Is(err, ErrNoViableNode) {
		t.Errorf("expected ErrNoViableNode after exclusion, got %v", err)
	}
}
