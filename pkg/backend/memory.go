package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// object is a provisioned entry in the memory backend.
type object struct {
	kind   Kind
	spec   Spec
	status Status
}

// Memory is an in-memory Backend used by tests and dev mode. Created objects
// report state "up" immediately.
type Memory struct {
	mu      sync.Mutex
	objects map[Kind]map[string]*object

	// FailCreate, when set, makes Create return an error for the given kind.
	FailCreate map[Kind]error
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[Kind]map[string]*object),
	}
}

// Create provisions a new object and returns its backend identifier.
func (m *Memory) Create(_ context.Context, kind Kind, spec Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailCreate[kind]; err != nil {
		return "", err
	}

	id := uuid.New().String()
	addresses := make(map[string][]string)
	for i, network := range spec.Members["networks"] {
		addresses[network] = []string{fmt.Sprintf("10.0.%d.%d", i, len(m.objects[kind])+2)}
	}

	if m.objects[kind] == nil {
		m.objects[kind] = make(map[string]*object)
	}
	m.objects[kind][id] = &object{
		kind: kind,
		spec: spec,
		status: Status{
			State:     "up",
			Addresses: addresses,
			Extra:     map[string]string{"name": spec.Name},
		},
	}
	return id, nil
}

// Delete tears down an object.
func (m *Memory) Delete(_ context.Context, kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[kind][id]; !ok {
		return ErrNotFound
	}
	delete(m.objects[kind], id)
	return nil
}

// Status reports the live state of an object.
func (m *Memory) Status(_ context.Context, kind Kind, id string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	status := obj.status
	return &status, nil
}

// List enumerates the identifiers of all objects of a kind.
func (m *Memory) List(_ context.Context, kind Kind) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.objects[kind]))
	for id := range m.objects[kind] {
		ids = append(ids, id)
	}
	return ids, nil
}
