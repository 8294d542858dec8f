package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/envirocomply/envirocomply-core/internal/models"
)

// MemoryStore is an in-process knowledge.DecisionStore for tests and
// ephemeral runs.
type MemoryStore struct {
	mu    sync.RWMutex
	byRun map[string][]models.AgentDecision
	ids   map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRun: make(map[string][]models.AgentDecision),
		ids:   make(map[string]struct{}),
	}
}

// AppendDecision appends d, rejecting duplicate ids and sequences.
func (m *MemoryStore) AppendDecision(ctx context.Context, d *models.AgentDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ids[d.DecisionID]; dup {
		return fmt.Errorf("decision %s already recorded", d.DecisionID)
	}
	for _, e := range m.byRun[d.RunID] {
		if e.Sequence == d.Sequence {
			return fmt.Errorf("run %s already has sequence %d", d.RunID, d.Sequence)
		}
	}
	m.ids[d.DecisionID] = struct{}{}
	m.byRun[d.RunID] = append(m.byRun[d.RunID], d.Clone())
	return nil
}

// ListDecisions returns copies in append order.
func (m *MemoryStore) ListDecisions(ctx context.Context, runID string) ([]models.AgentDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.byRun[runID]
	out := make([]models.AgentDecision, 0, len(src))
	for i := range src {
		out = append(out, src[i].Clone())
	}
	return out, nil
}
