// Package overrides holds the versioned, signed set of strategy parameter
// patches. All writers go through a compare-and-swap on the version; readers
// only ever receive deep copies.
package overrides

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/models"
)

// DefaultMaxApplyAttempts bounds CAS retries inside Apply.
const DefaultMaxApplyAttempts = 3

// Store is the override snapshot writer and verifying reader.
type Store struct {
	repo        Repository
	signer      *Signer
	maxAttempts int
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.RWMutex
	knownGood *models.OverrideSnapshot
}

// NewStore creates a store. maxAttempts <= 0 uses DefaultMaxApplyAttempts.
func NewStore(repo Repository, signer *Signer, maxAttempts int, m *metrics.Metrics, logger zerolog.Logger) *Store {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxApplyAttempts
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if signer == nil {
		signer = NewSigner("")
	}
	return &Store{
		repo:        repo,
		signer:      signer,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger.With().Str("component", "OverrideStore").Logger(),
		now:         time.Now,
	}
}

// Apply publishes patches as the next snapshot version. Patches replace any
// existing patch for the same strategy; other strategies keep their patches.
// Applying a cycle that already published returns that snapshot unchanged.
func (s *Store) Apply(ctx context.Context, cycleID string, patches []models.OverridePatch) (models.OverrideSnapshot, error) {
	if cycleID == "" {
		return models.OverrideSnapshot{}, apperr.Validation("invalid_cycle_id", "cycle id is required", "cycle_id")
	}
	for _, p := range patches {
		if p.StrategyID == "" {
			return models.OverrideSnapshot{}, apperr.Validation("invalid_patch", "patch strategy id is required", "strategy_id")
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return models.OverrideSnapshot{}, apperr.Validation("invalid_patch", "confidence must be within [0,1]", "confidence")
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if existing, ok, err := s.repo.ByCycle(ctx, cycleID); err != nil {
			return models.OverrideSnapshot{}, fmt.Errorf("failed to look up snapshot for cycle %s: %w", cycleID, err)
		} else if ok {
			s.logger.Info().Str("cycle_id", cycleID).Int64("version", existing.Version).Msg("cycle already published")
			return existing, nil
		}

		current, ok, err := s.repo.Latest(ctx)
		if err != nil {
			return models.OverrideSnapshot{}, fmt.Errorf("failed to load current snapshot: %w", err)
		}
		if ok && !s.signer.Verify(current) {
			s.metrics.SignatureFailures.Inc()
			return models.OverrideSnapshot{}, apperr.Internal("snapshot_signature_invalid",
				fmt.Errorf("stored snapshot %d failed verification, refusing to build on it", current.Version))
		}

		next := models.OverrideSnapshot{
			Version:   current.Version + 1,
			UpdatedAt: s.now().UTC(),
			CycleID:   cycleID,
			Patches:   merge(current.Patches, patches),
		}
		if next.Signature, err = s.signer.Sign(next); err != nil {
			return models.OverrideSnapshot{}, apperr.Internal("snapshot_sign_failed", err)
		}

		err = s.repo.CompareAndSwap(ctx, current.Version, next)
		if err == nil {
			s.remember(next)
			s.metrics.PatchesPublished.Add(float64(len(patches)))
			s.metrics.SnapshotVersion.Set(float64(next.Version))
			s.logger.Info().
				Str("cycle_id", cycleID).
				Int64("version", next.Version).
				Int("patches", len(patches)).
				Msg("override snapshot published")
			return next.Clone(), nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return models.OverrideSnapshot{}, fmt.Errorf("failed to publish snapshot %d: %w", next.Version, err)
		}

		lastErr = err
		s.metrics.CASConflicts.Inc()
		s.logger.Warn().
			Str("cycle_id", cycleID).
			Int64("expected", current.Version).
			Int("attempt", attempt).
			Msg("snapshot version conflict, retrying")
	}

	return models.OverrideSnapshot{}, lastErr
}

// Current returns a verified copy of the newest snapshot. When verification
// fails the last known-good snapshot is served instead; if there is none the
// call fails closed.
func (s *Store) Current(ctx context.Context) (models.OverrideSnapshot, error) {
	snap, ok, err := s.repo.Latest(ctx)
	if err != nil {
		if good, found := s.lastKnownGood(); found {
			s.logger.Warn().Err(err).Int64("version", good.Version).Msg("snapshot backend unavailable, serving known-good snapshot")
			return good, nil
		}
		return models.OverrideSnapshot{}, fmt.Errorf("failed to load current snapshot: %w", err)
	}
	if !ok {
		return s.empty()
	}

	if !s.signer.Verify(snap) {
		s.metrics.SignatureFailures.Inc()
		good, found := s.lastKnownGood()
		s.logger.Error().
			Int64("version", snap.Version).
			Bool("fallback", found).
			Msg("override snapshot failed signature verification")
		if found {
			return good, nil
		}
		return models.OverrideSnapshot{}, apperr.Internal("snapshot_signature_invalid",
			fmt.Errorf("snapshot %d failed verification and no known-good snapshot exists", snap.Version))
	}

	s.remember(snap)
	return snap.Clone(), nil
}

// Verify checks a snapshot obtained elsewhere (e.g. from the API) against the
// store's key.
func (s *Store) Verify(snap models.OverrideSnapshot) bool {
	return s.signer.Verify(snap)
}

// empty is the version 0 snapshot served before the first publish.
func (s *Store) empty() (models.OverrideSnapshot, error) {
	snap := models.OverrideSnapshot{Patches: []models.OverridePatch{}}
	sig, err := s.signer.Sign(snap)
	if err != nil {
		return models.OverrideSnapshot{}, apperr.Internal("snapshot_sign_failed", err)
	}
	snap.Signature = sig
	return snap, nil
}

func (s *Store) remember(snap models.OverrideSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knownGood != nil && s.knownGood.Version > snap.Version {
		return
	}
	c := snap.Clone()
	s.knownGood = &c
}

func (s *Store) lastKnownGood() (models.OverrideSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.knownGood == nil {
		return models.OverrideSnapshot{}, false
	}
	return s.knownGood.Clone(), true
}

// merge replaces patches in place by strategy id and appends new ones,
// preserving the order of the previous snapshot.
func merge(prev, patches []models.OverridePatch) []models.OverridePatch {
	out := make([]models.OverridePatch, 0, len(prev)+len(patches))
	index := make(map[string]int, len(prev))
	for _, p := range prev {
		index[p.StrategyID] = len(out)
		out = append(out, p.Clone())
	}
	for _, p := range patches {
		if i, ok := index[p.StrategyID]; ok {
			out[i] = p.Clone()
			continue
		}
		index[p.StrategyID] = len(out)
		out = append(out, p.Clone())
	}
	return out
}
