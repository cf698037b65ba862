// Package governance runs the hourly governance cycle: collect evidence,
// decide patches, publish a new override snapshot, hand it to the applier and
// record everything in the audit bundle.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/audit"
	"github.com/trogers1052/governance-service/internal/evidence"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CycleID returns the UTC hour key (YYYYMMDDHH) for t.
func CycleID(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// nextBoundary is the start of the UTC hour after t.
func nextBoundary(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

// Evaluator produces gated evidence for one strategy.
type Evaluator interface {
	Evaluate(ctx context.Context, strategyID string) (models.StrategyEvidence, error)
	Policy() evidence.Policy
}

// Publisher is the override snapshot store.
type Publisher interface {
	Apply(ctx context.Context, cycleID string, patches []models.OverridePatch) (models.OverrideSnapshot, error)
	Current(ctx context.Context) (models.OverrideSnapshot, error)
}

// Applier delivers a published snapshot to the consumers that act on it.
type Applier interface {
	Apply(ctx context.Context, batch models.PendingBatch, snap models.OverrideSnapshot) error
}

type noopApplier struct{}

func (noopApplier) Apply(context.Context, models.PendingBatch, models.OverrideSnapshot) error {
	return nil
}

// Result is the outcome of a trigger.
type Result struct {
	OK                     bool                 `json:"ok"`
	CycleID                string               `json:"cycleId"`
	ReasonCode             string               `json:"-"`
	State                  models.CycleStatus   `json:"state"`
	SnapshotVersion        int64                `json:"snapshotVersion"`
	LatestCycleID          string               `json:"latestCycleId"`
	LatestCompletedCycleID string               `json:"latestCompletedCycleId"`
	PendingBatch           *models.PendingBatch `json:"-"`
}

// Options tunes a Cycle.
type Options struct {
	// EvidenceWorkers bounds concurrent evidence fetches.
	EvidenceWorkers int
}

// Cycle orchestrates governance runs. At most one run per cycle id executes at
// a time; concurrent triggers join it.
type Cycle struct {
	evidence  Evaluator
	overrides Publisher
	audit     *audit.Store
	applier   Applier
	roster    *Roster
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	workers   int

	now   func() time.Time
	group singleflight.Group

	// afterFunc schedules the stale marker; swapped in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	running map[string]struct{}

	// commit is held from the publish decision to the final audit write, and
	// by stale finalization, so a finalized run never publishes.
	commit sync.Mutex
}

// NewCycle creates a governance cycle. A nil applier publishes without a
// downstream hand-off.
func NewCycle(ev Evaluator, pub Publisher, store *audit.Store, applier Applier, roster *Roster, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Cycle {
	if applier == nil {
		applier = noopApplier{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if opts.EvidenceWorkers <= 0 {
		opts.EvidenceWorkers = 4
	}
	return &Cycle{
		evidence:  ev,
		overrides: pub,
		audit:     store,
		applier:   applier,
		roster:    roster,
		metrics:   m,
		logger:    logger.With().Str("component", "GovernanceCycle").Logger(),
		workers:   opts.EvidenceWorkers,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		running:   make(map[string]struct{}),
	}
}

// Run triggers the cycle for the current UTC hour. A cycle that already
// reached a terminal state returns its recorded result unchanged. The returned
// error is reserved for failures to read or record state; cycle failures are
// reported through Result.
func (c *Cycle) Run(ctx context.Context) (Result, error) {
	now := c.now()
	cycleID := CycleID(now)

	v, err, shared := c.group.Do(cycleID, func() (interface{}, error) {
		return c.execute(ctx, cycleID, now)
	})
	if shared {
		c.logger.Debug().Str("cycle_id", cycleID).Msg("joined in-flight cycle")
	}
	if err != nil {
		return Result{CycleID: cycleID}, err
	}
	return v.(Result), nil
}

// Running reports whether a run for cycleID is executing in this process.
func (c *Cycle) Running(cycleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[cycleID]
	return ok
}

// run is the mutable context of one execution.
type run struct {
	id      string
	bundle  models.AuditBundle
	started time.Time
	claimed bool
}

func (c *Cycle) execute(ctx context.Context, cycleID string, now time.Time) (Result, error) {
	// Callers going away must not abort a run halfway through a write.
	ctx = context.WithoutCancel(ctx)

	if err := c.finalizeStale(ctx, cycleID); err != nil {
		return Result{}, err
	}

	existing, err := c.audit.Read(ctx, cycleID)
	switch {
	case err == nil && existing.Status.IsTerminal():
		return c.result(ctx, existing)
	case err == nil:
		c.logger.Warn().
			Str("cycle_id", cycleID).
			Str("status", string(existing.Status)).
			Msg("resuming interrupted cycle")
	case !errors.Is(err, apperr.ErrNotFound):
		return Result{}, err
	}

	c.mu.Lock()
	c.running[cycleID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, cycleID)
		c.mu.Unlock()
	}()

	deadline := nextBoundary(now)
	timer := c.afterFunc(deadline.Sub(now), func() { c.markStale(cycleID) })
	defer timer.Stop()

	r := &run{
		id:      cycleID,
		started: now,
		bundle: models.AuditBundle{
			CycleID:          cycleID,
			Status:           models.CycleCollectingEvidence,
			StartedAt:        now.UTC(),
			AppliedOverrides: []models.OverridePatch{},
		},
	}
	if err := c.audit.Write(ctx, cycleID, r.bundle); err != nil {
		return Result{}, err
	}
	if _, err := c.audit.State().Update(ctx, func(s *models.CycleState) {
		s.LatestCycleID = cycleID
		s.Stale = false
	}); err != nil {
		return Result{}, err
	}

	c.logger.Info().Str("cycle_id", cycleID).Time("deadline", deadline).Msg("governance cycle started")
	c.phases(ctx, r, deadline)

	err = c.audit.Write(ctx, cycleID, r.bundle)
	if r.claimed {
		c.commit.Unlock()
	}
	if err != nil {
		return Result{}, err
	}
	// A later trigger may have finalized this run as stale before it reached
	// the publish step; the stored bundle is authoritative.
	if stored, err := c.audit.Read(ctx, cycleID); err == nil {
		r.bundle = stored
	}
	if r.bundle.Status == models.CycleCompleted {
		if _, err := c.audit.State().Update(ctx, func(s *models.CycleState) {
			s.LatestCompletedCycleID = cycleID
		}); err != nil {
			return Result{}, err
		}
	}

	c.metrics.CyclesTotal.WithLabelValues(string(r.bundle.Status), r.bundle.ReasonCode).Inc()
	c.metrics.CycleDuration.Observe(c.now().Sub(r.started).Seconds())
	c.logger.Info().
		Str("cycle_id", cycleID).
		Str("status", string(r.bundle.Status)).
		Str("reason_code", r.bundle.ReasonCode).
		Int("patches", len(r.bundle.AppliedOverrides)).
		Int64("snapshot_version", r.bundle.SnapshotVersion).
		Msg("governance cycle finished")

	return c.result(ctx, r.bundle)
}

// phases drives the state machine. It always leaves r.bundle terminal.
func (c *Cycle) phases(ctx context.Context, r *run, deadline time.Time) {
	policy := c.evidence.Policy()

	// collecting_evidence: reads only, so it is safe to bound by the deadline.
	strategies := c.roster.List()
	if len(strategies) == 0 {
		c.complete(r, models.ReasonNoStrategies)
		return
	}
	collectCtx, cancel := context.WithDeadline(ctx, deadline)
	rows, degraded := c.collect(collectCtx, strategies)
	cancel()

	r.bundle.EvidenceMatrix = rows
	r.bundle.Report = evidence.RenderReport(r.id, policy, rows)
	r.bundle.Analysis = analysis(policy, rows, degraded)
	c.advance(ctx, r, models.CycleComputingPatches)

	// computing_patches
	prior, err := c.overrides.Current(ctx)
	if err != nil {
		c.fail(r, models.ReasonPublishFailed, fmt.Errorf("failed to load current overrides: %w", err))
		return
	}

	var (
		patches   []models.OverridePatch
		snap      models.OverrideSnapshot
		published bool
	)
	switch {
	case prior.CycleID == r.id:
		// Resumed after publishing; pick up where the previous attempt stopped.
		snap = prior
		published = true
		for _, p := range prior.Patches {
			if p.SourceCycleID == r.id {
				patches = append(patches, p)
			}
		}
	case degraded:
		c.logger.Warn().Str("cycle_id", r.id).Msg("evidence degraded, publishing no patches")
		c.complete(r, models.ReasonDegradedEvidence)
		return
	default:
		decidedAt := c.now().UTC().Truncate(time.Microsecond)
		patches = buildPatches(r.id, decidedAt, policy, rows, prior)
		if len(patches) == 0 {
			c.complete(r, "")
			return
		}
	}

	if !c.claim(ctx, r) {
		c.logger.Warn().
			Str("cycle_id", r.id).
			Str("reason_code", r.bundle.ReasonCode).
			Msg("cycle was finalized while running, abandoning publish")
		return
	}

	if !published {
		// publishing
		c.advance(ctx, r, models.CyclePublishing)
		snap, err = c.overrides.Apply(ctx, r.id, patches)
		if err != nil {
			if errors.Is(err, apperr.ErrVersionConflict) {
				c.fail(r, models.ReasonVersionConflict, err)
			} else {
				c.fail(r, models.ReasonPublishFailed, err)
			}
			return
		}
	}
	if patches == nil {
		patches = []models.OverridePatch{}
	}
	r.bundle.AppliedOverrides = patches
	r.bundle.SnapshotVersion = snap.Version

	// applying
	batch := models.PendingBatch{CycleID: r.id, BatchID: uuid.NewString()}
	if _, err := c.audit.State().Update(ctx, func(s *models.CycleState) {
		s.PendingBatch = &batch
	}); err != nil {
		c.fail(r, models.ReasonApplyFailed, err)
		return
	}
	c.advance(ctx, r, models.CycleApplying)

	if err := c.applier.Apply(ctx, batch, snap); err != nil {
		// pendingBatch stays set: the snapshot is published but not delivered.
		c.fail(r, models.ReasonApplyFailed, err)
		return
	}
	if _, err := c.audit.State().Update(ctx, func(s *models.CycleState) {
		s.PendingBatch = nil
	}); err != nil {
		c.fail(r, models.ReasonApplyFailed, err)
		return
	}

	c.complete(r, "")
}

// claim takes the commit lock and re-reads the stored bundle. It reports false,
// leaving the stored terminal bundle in r, when another trigger already
// finalized the run. The lock is released by execute after the final write.
func (c *Cycle) claim(ctx context.Context, r *run) bool {
	c.commit.Lock()
	r.claimed = true

	stored, err := c.audit.Read(ctx, r.id)
	if err == nil && stored.Status.IsTerminal() {
		r.bundle = stored
		return false
	}
	return true
}

// collect evaluates every strategy. Strategies with incomplete or unknown
// evidence are excluded; any other failure degrades the whole cycle.
func (c *Cycle) collect(ctx context.Context, strategies []string) ([]models.EvidenceRow, bool) {
	rows := make([]models.EvidenceRow, len(strategies))
	var degraded bool
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, id := range strategies {
		i, id := i, id
		g.Go(func() error {
			ev, err := c.evidence.Evaluate(gctx, id)
			if err == nil {
				rows[i] = models.EvidenceRow{StrategyID: id, Evidence: &ev}
				return nil
			}
			rows[i] = models.EvidenceRow{StrategyID: id, Error: err.Error(), ErrorCode: apperr.CodeOf(err)}
			switch apperr.KindOf(err) {
			case apperr.KindValidation, apperr.KindNotFound:
				c.logger.Warn().Err(err).Str("strategy_id", id).Msg("strategy excluded from cycle")
			default:
				c.logger.Error().Err(err).Str("strategy_id", id).Msg("evidence unavailable")
				mu.Lock()
				degraded = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return rows, degraded
}

func (c *Cycle) advance(ctx context.Context, r *run, status models.CycleStatus) {
	r.bundle.Status = status
	if err := c.audit.Write(ctx, r.id, r.bundle); err != nil {
		// The final write retries; an intermediate miss only loses progress detail.
		c.logger.Warn().Err(err).Str("cycle_id", r.id).Str("status", string(status)).Msg("failed to record cycle progress")
	}
}

func (c *Cycle) complete(r *run, reasonCode string) {
	finished := c.now().UTC()
	r.bundle.Status = models.CycleCompleted
	r.bundle.ReasonCode = reasonCode
	r.bundle.FinishedAt = &finished
}

func (c *Cycle) fail(r *run, reasonCode string, err error) {
	finished := c.now().UTC()
	msg := err.Error()
	r.bundle.Status = models.CycleFailed
	r.bundle.ReasonCode = reasonCode
	r.bundle.Error = &msg
	r.bundle.FinishedAt = &finished
	c.logger.Error().Err(err).Str("cycle_id", r.id).Str("reason_code", reasonCode).Msg("governance cycle failed")
}

// markStale flags a cycle still running at its deadline. The run is left to
// finish its writes; the next trigger decides whether to resume or fail it.
func (c *Cycle) markStale(cycleID string) {
	if !c.Running(cycleID) {
		return
	}
	c.metrics.CycleStaleTotal.Inc()
	c.logger.Warn().Str("cycle_id", cycleID).Msg("governance cycle passed its deadline")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.audit.State().Update(ctx, func(s *models.CycleState) {
		if s.LatestCycleID == cycleID {
			s.Stale = true
		}
	}); err != nil {
		c.logger.Error().Err(err).Str("cycle_id", cycleID).Msg("failed to mark cycle stale")
	}
}

// finalizeStale fails the previous cycle's bundle if it never reached a
// terminal state, so a stale run is never silently dropped.
func (c *Cycle) finalizeStale(ctx context.Context, cycleID string) error {
	state, err := c.audit.State().Load(ctx)
	if err != nil {
		return err
	}
	prev := state.LatestCycleID
	if prev == "" || prev == cycleID {
		return nil
	}

	c.commit.Lock()
	defer c.commit.Unlock()

	bundle, err := c.audit.Read(ctx, prev)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if bundle.Status.IsTerminal() {
		return nil
	}

	finished := c.now().UTC()
	msg := fmt.Sprintf("cycle did not finish before its deadline (last status %s)", bundle.Status)
	bundle.Status = models.CycleFailed
	bundle.ReasonCode = models.ReasonStale
	bundle.Error = &msg
	bundle.FinishedAt = &finished
	if err := c.audit.Write(ctx, prev, bundle); err != nil {
		return err
	}

	c.metrics.CyclesTotal.WithLabelValues(string(models.CycleFailed), models.ReasonStale).Inc()
	c.logger.Warn().Str("cycle_id", prev).Msg("finalized stale cycle as failed")
	return nil
}

func (c *Cycle) result(ctx context.Context, bundle models.AuditBundle) (Result, error) {
	state, err := c.audit.State().Load(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{
		OK:                     bundle.Status == models.CycleCompleted,
		CycleID:                bundle.CycleID,
		ReasonCode:             bundle.ReasonCode,
		State:                  bundle.Status,
		SnapshotVersion:        bundle.SnapshotVersion,
		LatestCycleID:          state.LatestCycleID,
		LatestCompletedCycleID: state.LatestCompletedCycleID,
		PendingBatch:           state.PendingBatch,
	}, nil
}

type analysisDoc struct {
	Policy          evidence.Policy               `json:"policy"`
	Recommendations map[models.Recommendation]int `json:"recommendations"`
	Bands           map[models.RobustnessBand]int `json:"bands"`
	Excluded        []string                      `json:"excluded"`
	Degraded        bool                          `json:"degraded"`
}

func analysis(policy evidence.Policy, rows []models.EvidenceRow, degraded bool) json.RawMessage {
	doc := analysisDoc{
		Policy:          policy,
		Recommendations: map[models.Recommendation]int{},
		Bands:           map[models.RobustnessBand]int{},
		Excluded:        []string{},
		Degraded:        degraded,
	}
	for _, row := range rows {
		if row.Evidence == nil {
			doc.Excluded = append(doc.Excluded, row.StrategyID)
			continue
		}
		doc.Recommendations[row.Evidence.Recommendation]++
		doc.Bands[row.Evidence.RobustnessBand]++
	}
	sort.Strings(doc.Excluded)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}
