package workflow

import (
	"context"
	"sort"
	"sync"
)

// InstanceStore is the persistence gateway for instance snapshots. Get
// returns nil, nil when the id is unknown.
type InstanceStore interface {
	Save(ctx context.Context, inst *WorkflowInstance) error
	Get(ctx context.Context, id string) (*WorkflowInstance, error)
}

// DefinitionStore is implemented by stores that can also keep registered
// definitions across restarts.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def WorkflowDefinition) error
	ListDefinitions(ctx context.Context) ([]WorkflowDefinition, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*WorkflowInstance
	definitions map[string]WorkflowDefinition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*WorkflowInstance),
		definitions: make(map[string]WorkflowDefinition),
	}
}

func (s *MemoryStore) Save(_ context.Context, inst *WorkflowInstance) error {
	if inst == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def.Clone()
	return nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context) ([]WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
