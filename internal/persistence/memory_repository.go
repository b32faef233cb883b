package persistence

import (
	"fmt"
	"sync"

	"mt5-risk-engine-go/internal/models"
)

// MemoryRepository keeps the state in process. Used by ephemeral paper runs
// and by tests.
type MemoryRepository struct {
	mu    sync.Mutex
	state *models.AgentState
	saves int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) SaveState(state *models.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != nil && r.state.Version > state.Version {
		return fmt.Errorf("%w: stored v%d, writing v%d", ErrStaleState, r.state.Version, state.Version)
	}
	r.state = state.Clone()
	r.saves++
	return nil
}

func (r *MemoryRepository) LoadState() (*models.AgentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone(), nil
}

// Saves returns how many times SaveState was called.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *MemoryRepository) Close() error { return nil }
