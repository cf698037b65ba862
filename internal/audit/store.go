// Package audit keeps one audit bundle per governance cycle and the live
// cycle bookkeeping.
package audit

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
)

var cycleIDPattern = regexp.MustCompile(`^\d{10}$`)

// ValidCycleID reports whether id is a YYYYMMDDHH hour key.
func ValidCycleID(id string) bool {
	return cycleIDPattern.MatchString(id)
}

// Repository persists bundles.
type Repository interface {
	Get(ctx context.Context, cycleID string) (bundle models.AuditBundle, ok bool, err error)
	// Put stores bundle unless the stored bundle for the same cycle is already
	// terminal, in which case it reports written=false and leaves it untouched.
	Put(ctx context.Context, bundle models.AuditBundle) (written bool, err error)
	// LatestCompleted returns the completed bundle with the greatest cycle id.
	LatestCompleted(ctx context.Context) (bundle models.AuditBundle, ok bool, err error)
}

// Latest is the newest completed bundle together with the live cycle state.
type Latest struct {
	CycleID string
	Bundle  models.AuditBundle
	State   models.CycleState
}

// Store is the audit store.
type Store struct {
	repo   Repository
	state  *StateStore
	logger zerolog.Logger
}

// NewStore creates an audit store.
func NewStore(repo Repository, state *StateStore, logger zerolog.Logger) *Store {
	return &Store{
		repo:   repo,
		state:  state,
		logger: logger.With().Str("component", "AuditStore").Logger(),
	}
}

// State exposes the cycle state store.
func (s *Store) State() *StateStore {
	return s.state
}

// Write stores bundle under cycleID. Writing over a terminal bundle is a
// no-op, not an error.
func (s *Store) Write(ctx context.Context, cycleID string, bundle models.AuditBundle) error {
	if !ValidCycleID(cycleID) {
		return apperr.Validation("invalid_cycle_id", fmt.Sprintf("cycle id %q must be 10 digits (YYYYMMDDHH)", cycleID), "cycle_id")
	}
	bundle.CycleID = cycleID
	if bundle.Status == "" {
		bundle.Status = models.CycleIdle
	}

	written, err := s.repo.Put(ctx, bundle.Clone())
	if err != nil {
		return fmt.Errorf("failed to write audit bundle %s: %w", cycleID, err)
	}
	if !written {
		s.logger.Debug().Str("cycle_id", cycleID).Msg("bundle already terminal, write ignored")
	}
	return nil
}

// Read returns the bundle for cycleID. A malformed id is a validation error,
// an unknown one is not-found.
func (s *Store) Read(ctx context.Context, cycleID string) (models.AuditBundle, error) {
	if !ValidCycleID(cycleID) {
		return models.AuditBundle{}, apperr.Validation("invalid_cycle_id", fmt.Sprintf("cycle id %q must be 10 digits (YYYYMMDDHH)", cycleID), "cycle_id")
	}
	bundle, ok, err := s.repo.Get(ctx, cycleID)
	if err != nil {
		return models.AuditBundle{}, fmt.Errorf("failed to read audit bundle %s: %w", cycleID, err)
	}
	if !ok {
		return models.AuditBundle{}, apperr.NotFound("cycle", cycleID)
	}
	return bundle, nil
}

// Latest returns the most recent completed bundle plus the live cycle state.
func (s *Store) Latest(ctx context.Context) (Latest, error) {
	bundle, ok, err := s.repo.LatestCompleted(ctx)
	if err != nil {
		return Latest{}, fmt.Errorf("failed to read latest audit bundle: %w", err)
	}
	if !ok {
		return Latest{}, apperr.NotFound("cycle", "latest")
	}
	state, err := s.state.Load(ctx)
	if err != nil {
		return Latest{}, err
	}
	return Latest{CycleID: bundle.CycleID, Bundle: bundle, State: state}, nil
}
