package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trogers1052/governance-service/internal/kvstore"
	"github.com/trogers1052/governance-service/internal/models"
)

const (
	// StateKey is the keyed-store key of the cycle state, before any backend prefix.
	StateKey = "cycle_state"
	// StateTTL bounds how long an untouched state survives.
	StateTTL = 7 * 24 * time.Hour
)

// StateStore persists CycleState in the keyed TTL store so it survives
// restarts and is shared between replicas.
type StateStore struct {
	kv  kvstore.Store
	now func() time.Time
	mu  sync.Mutex
}

// NewStateStore creates a state store on kv.
func NewStateStore(kv kvstore.Store) *StateStore {
	return &StateStore{kv: kv, now: time.Now}
}

// Load returns the stored state, or the zero state when none exists.
func (s *StateStore) Load(ctx context.Context) (models.CycleState, error) {
	var state models.CycleState
	err := kvstore.GetJSON(ctx, s.kv, StateKey, &state)
	if errors.Is(err, kvstore.ErrMiss) {
		return models.CycleState{}, nil
	}
	if err != nil {
		return models.CycleState{}, fmt.Errorf("failed to load cycle state: %w", err)
	}
	return state, nil
}

// Update applies fn to the stored state and persists the result.
func (s *StateStore) Update(ctx context.Context, fn func(*models.CycleState)) (models.CycleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load(ctx)
	if err != nil {
		return models.CycleState{}, err
	}
	fn(&state)
	state.UpdatedAt = s.now().UTC()
	if state.PendingBatch != nil {
		pb := *state.PendingBatch
		state.PendingBatch = &pb
	}
	if err := kvstore.SetJSON(ctx, s.kv, StateKey, state, StateTTL); err != nil {
		return models.CycleState{}, fmt.Errorf("failed to save cycle state: %w", err)
	}
	return state, nil
}
