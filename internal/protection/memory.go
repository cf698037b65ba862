package protection

import (
	"context"
	"sort"
	"sync"

	"github.com/trogers1052/governance-service/internal/models"
)

// Repository persists protection records.
type Repository interface {
	Get(ctx context.Context, positionID string) (rec models.ProtectionRecord, ok bool, err error)
	Save(ctx context.Context, rec models.ProtectionRecord) error
	Delete(ctx context.Context, positionID string) error
	List(ctx context.Context) ([]models.ProtectionRecord, error)
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]models.ProtectionRecord
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]models.ProtectionRecord)}
}

func (r *MemoryRepository) Get(_ context.Context, positionID string) (models.ProtectionRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[positionID]
	if !ok {
		return models.ProtectionRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (r *MemoryRepository) Save(_ context.Context, rec models.ProtectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.PositionID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, positionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, positionID)
	return nil
}

// List returns all records ordered by position id.
func (r *MemoryRepository) List(_ context.Context) ([]models.ProtectionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProtectionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}
