package telemetry

import (
	"context"
	"sort"
	"sync"

	"github.com/trogers1052/governance-service/internal/models"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	byKey   map[string]models.TradeTelemetryRecord
	byTrade map[string]string // trade id -> key of the latest record
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byKey:   make(map[string]models.TradeTelemetryRecord),
		byTrade: make(map[string]string),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, rec models.TradeTelemetryRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.Key()
	if _, exists := r.byKey[key]; exists {
		return false, nil
	}
	rec.TxRefs = append([]string(nil), rec.TxRefs...)
	r.byKey[key] = rec
	r.byTrade[rec.TradeID] = key
	return true, nil
}

func (r *MemoryRepository) ByTradeID(_ context.Context, tradeID string) (models.TradeTelemetryRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byTrade[tradeID]
	if !ok {
		return models.TradeTelemetryRecord{}, false, nil
	}
	rec := r.byKey[key]
	rec.TxRefs = append([]string(nil), rec.TxRefs...)
	return rec, true, nil
}

// List returns matching records ordered by receipt time.
func (r *MemoryRepository) List(_ context.Context, filter models.TelemetryFilter) ([]models.TradeTelemetryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.TradeTelemetryRecord
	for _, rec := range r.byKey {
		if filter.Surface != "" && rec.Surface != filter.Surface {
			continue
		}
		if filter.StrategyID != "" && rec.StrategyID != filter.StrategyID {
			continue
		}
		rec.TxRefs = append([]string(nil), rec.TxRefs...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}
