package overrides

import (
	"context"
	"sync"

	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
)

// Repository persists the snapshot history. Implementations must make
// CompareAndSwap atomic: next is stored only if the latest stored version is
// still expected, otherwise a VersionConflict error is returned.
type Repository interface {
	// Latest returns the newest snapshot, or ok=false when none was ever published.
	Latest(ctx context.Context) (snap models.OverrideSnapshot, ok bool, err error)
	// ByCycle returns the snapshot published by cycleID, if any.
	ByCycle(ctx context.Context, cycleID string) (snap models.OverrideSnapshot, ok bool, err error)
	CompareAndSwap(ctx context.Context, expected int64, next models.OverrideSnapshot) error
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	history []models.OverrideSnapshot
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Latest(_ context.Context) (models.OverrideSnapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return models.OverrideSnapshot{}, false, nil
	}
	return r.history[len(r.history)-1].Clone(), true, nil
}

func (r *MemoryRepository) ByCycle(_ context.Context, cycleID string) (models.OverrideSnapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].CycleID == cycleID {
			return r.history[i].Clone(), true, nil
		}
	}
	return models.OverrideSnapshot{}, false, nil
}

func (r *MemoryRepository) CompareAndSwap(_ context.Context, expected int64, next models.OverrideSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	if len(r.history) > 0 {
		current = r.history[len(r.history)-1].Version
	}
	if current != expected || next.Version != expected+1 {
		return apperr.VersionConflict(expected, nil)
	}
	r.history = append(r.history, next.Clone())
	return nil
}

// History returns every published snapshot, oldest first.
func (r *MemoryRepository) History() []models.OverrideSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.OverrideSnapshot, len(r.history))
	for i, s := range r.history {
		out[i] = s.Clone()
	}
	return out
}
