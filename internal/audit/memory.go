package audit

import (
	"context"
	"sync"

	"github.com/trogers1052/governance-service/internal/models"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	data map[string]models.AuditBundle
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[string]models.AuditBundle)}
}

func (r *MemoryRepository) Get(_ context.Context, cycleID string) (models.AuditBundle, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.data[cycleID]
	if !ok {
		return models.AuditBundle{}, false, nil
	}
	return b.Clone(), true, nil
}

func (r *MemoryRepository) Put(_ context.Context, bundle models.AuditBundle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.data[bundle.CycleID]; ok && existing.Status.IsTerminal() {
		return false, nil
	}
	r.data[bundle.CycleID] = bundle.Clone()
	return true, nil
}

func (r *MemoryRepository) LatestCompleted(_ context.Context) (models.AuditBundle, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		latest models.AuditBundle
		found  bool
	)
	// Cycle ids are fixed-width hour keys, so string order is time order.
	for id, b := range r.data {
		if b.Status != models.CycleCompleted {
			continue
		}
		if !found || id > latest.CycleID {
			latest = b
			found = true
		}
	}
	if !found {
		return models.AuditBundle{}, false, nil
	}
	return latest.Clone(), true, nil
}
