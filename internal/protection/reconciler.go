// Package protection keeps venue-side protective orders (take-profit and
// stop-loss) aligned with the locally recorded intent for every position.
package protection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Options tunes the reconciler.
type Options struct {
	// Workers bounds how many positions are reconciled concurrently.
	Workers int
	// Interval is the period of full reconcile passes in Run.
	Interval time.Duration
	// RetryInterval is how often Run drains the retry queue.
	RetryInterval time.Duration
	// MaxRetryPasses bounds retry passes per position after transient errors.
	MaxRetryPasses int
	Retry          retry.Policy
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = o.Interval / 4
	}
	if o.MaxRetryPasses <= 0 {
		o.MaxRetryPasses = 5
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// PreflightResult reports venue readiness.
type PreflightResult struct {
	OK         bool      `json:"ok"`
	Provider   string    `json:"provider"`
	CheckedAt  time.Time `json:"checkedAt"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

// Outcome is the result of activate and cancel.
type Outcome struct {
	OK         bool                    `json:"ok"`
	Status     models.ProtectionStatus `json:"status"`
	TPOrderKey string                  `json:"tpOrderKey,omitempty"`
	SLOrderKey string                  `json:"slOrderKey,omitempty"`
}

// ReconcileResult is the result of a reconcile pass.
type ReconcileResult struct {
	OK      bool                      `json:"ok"`
	Records []models.ProtectionRecord `json:"records"`
}

// Reconciler owns every ProtectionRecord. Operations on one position are
// mutually exclusive; different positions proceed concurrently.
type Reconciler struct {
	venue   Venue
	repo    Repository
	locks   *keyedMutex
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	qmu   sync.Mutex
	queue map[string]struct{}
}

// NewReconciler creates a reconciler.
func NewReconciler(venue Venue, repo Repository, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Reconciler{
		venue:   venue,
		repo:    repo,
		locks:   newKeyedMutex(),
		opts:    opts.withDefaults(),
		metrics: m,
		logger:  logger.With().Str("component", "ProtectionReconciler").Logger(),
		now:     time.Now,
		queue:   make(map[string]struct{}),
	}
}

// Preflight checks venue connectivity and credentials. It never mutates
// state and never returns an error; failures are reported in the result.
func (r *Reconciler) Preflight(ctx context.Context) PreflightResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res := PreflightResult{Provider: r.venue.Provider(), CheckedAt: r.now().UTC()}
	start := time.Now()
	err := r.venue.Ping(ctx)
	r.metrics.VenueCallLatency.WithLabelValues("ping").Observe(time.Since(start).Seconds())
	if err != nil {
		res.Diagnostic = err.Error()
		r.logger.Warn().Err(err).Msg("venue preflight failed")
		return res
	}
	res.OK = true
	return res
}

// Activate places the protective pair for positionID. Calling it again for an
// active position with the same intent returns the existing order keys.
func (r *Reconciler) Activate(ctx context.Context, positionID string, intent models.ProtectionIntent) (Outcome, error) {
	if err := validateIntent(positionID, intent); err != nil {
		return Outcome{Status: models.ProtectionNone}, err
	}

	unlock := r.locks.Lock(positionID)
	defer unlock()

	rec, ok, err := r.repo.Get(ctx, positionID)
	if err != nil {
		return Outcome{Status: models.ProtectionNone}, apperr.Internal("protection_store", err)
	}
	if ok && rec.Status == models.ProtectionActive && sameIntent(rec.Intent, intent) &&
		rec.TPOrderKey != "" && rec.SLOrderKey != "" {
		r.metrics.ProtectionOps.WithLabelValues("activate", string(rec.Status)).Inc()
		return outcome(rec, nil), nil
	}
	if !ok {
		rec = models.ProtectionRecord{PositionID: positionID, Provider: r.venue.Provider()}
	}

	rec.Intent = intent
	rec.Status = models.ProtectionPending
	rec.LastError = ""
	rec.Rejected = false
	rec.RetryAttempts = 0
	rec.UpdatedAt = r.now().UTC()
	// Persist before touching the venue so no order can exist without a record.
	if err := r.repo.Save(ctx, rec); err != nil {
		return Outcome{Status: models.ProtectionNone}, apperr.Internal("protection_store", err)
	}

	rec, err = r.converge(ctx, rec)
	r.metrics.ProtectionOps.WithLabelValues("activate", string(rec.Status)).Inc()
	return outcome(rec, err), err
}

// Cancel removes protection for positionID. Cancelling an unknown or already
// cancelled position succeeds without touching the venue.
func (r *Reconciler) Cancel(ctx context.Context, positionID, reason string) (Outcome, error) {
	if strings.TrimSpace(positionID) == "" {
		return Outcome{Status: models.ProtectionNone}, apperr.Validation("invalid_position", "position id is required", "position_id")
	}

	unlock := r.locks.Lock(positionID)
	defer unlock()

	rec, ok, err := r.repo.Get(ctx, positionID)
	if err != nil {
		return Outcome{Status: models.ProtectionNone}, apperr.Internal("protection_store", err)
	}
	if !ok {
		r.metrics.ProtectionOps.WithLabelValues("cancel", string(models.ProtectionNone)).Inc()
		return Outcome{OK: true, Status: models.ProtectionNone}, nil
	}
	if rec.Status == models.ProtectionCancelled && rec.Intent.Closed {
		r.metrics.ProtectionOps.WithLabelValues("cancel", string(rec.Status)).Inc()
		return outcome(rec, nil), nil
	}

	rec.Intent.Closed = true
	rec.Rejected = false
	rec.RetryAttempts = 0
	rec.UpdatedAt = r.now().UTC()
	if err := r.repo.Save(ctx, rec); err != nil {
		return Outcome{Status: rec.Status}, apperr.Internal("protection_store", err)
	}

	r.logger.Info().Str("position_id", positionID).Str("reason", reason).Msg("cancelling protection")
	rec, err = r.converge(ctx, rec)
	r.metrics.ProtectionOps.WithLabelValues("cancel", string(rec.Status)).Inc()
	return outcome(rec, err), err
}

// Reconcile converges the given positions, or every tracked position when
// none are given. A full pass skips permanently rejected records and prunes
// records whose cancellation the venue has confirmed.
func (r *Reconciler) Reconcile(ctx context.Context, positionIDs []string) (ReconcileResult, error) {
	start := time.Now()
	defer func() { r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	full := len(positionIDs) == 0
	if full {
		recs, err := r.repo.List(ctx)
		if err != nil {
			return ReconcileResult{}, apperr.Internal("protection_store", err)
		}
		for _, rec := range recs {
			positionIDs = append(positionIDs, rec.PositionID)
		}
	}

	records := make([]models.ProtectionRecord, len(positionIDs))
	errs := make([]error, len(positionIDs))

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, id := range positionIDs {
		i, id := i, id
		g.Go(func() error {
			records[i], errs[i] = r.reconcileOne(ctx, id, full)
			return nil
		})
	}
	_ = g.Wait()

	res := ReconcileResult{OK: true, Records: records}
	for i, err := range errs {
		if err != nil {
			res.OK = false
			r.logger.Warn().Err(err).Str("position_id", positionIDs[i]).Msg("position did not converge")
		}
	}
	return res, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, positionID string, full bool) (models.ProtectionRecord, error) {
	unlock := r.locks.Lock(positionID)
	defer unlock()

	rec, ok, err := r.repo.Get(ctx, positionID)
	if err != nil {
		return models.ProtectionRecord{PositionID: positionID, Status: models.ProtectionError, LastError: err.Error()},
			apperr.Internal("protection_store", err)
	}
	if !ok {
		return models.ProtectionRecord{PositionID: positionID, Status: models.ProtectionNone}, nil
	}
	if full && rec.Rejected {
		return rec, nil
	}

	rec, err = r.converge(ctx, rec)
	r.metrics.ProtectionOps.WithLabelValues("reconcile", string(rec.Status)).Inc()
	if err == nil && full && rec.Status == models.ProtectionCancelled {
		if derr := r.repo.Delete(ctx, positionID); derr != nil {
			r.logger.Warn().Err(derr).Str("position_id", positionID).Msg("failed to prune cancelled record")
		}
	}
	return rec, err
}

// converge drives venue state towards rec.Intent. The caller holds the
// position lock. Every path ends with the record saved in a definite status.
func (r *Reconciler) converge(ctx context.Context, rec models.ProtectionRecord) (models.ProtectionRecord, error) {
	orders, err := r.openOrders(ctx, rec.PositionID)
	if err != nil {
		return r.failed(ctx, rec, err)
	}

	if rec.Intent.Closed {
		for _, o := range orders {
			if err := r.cancelOrder(ctx, rec.PositionID, o.Key); err != nil {
				return r.failed(ctx, rec, err)
			}
		}
		rec.TPOrderKey, rec.SLOrderKey = "", ""
		return r.settled(ctx, rec, models.ProtectionCancelled)
	}

	want := map[OrderKind]decimal.Decimal{
		TakeProfit: rec.Intent.TakeProfitPrice,
		StopLoss:   rec.Intent.StopLossPrice,
	}
	kept := map[OrderKind]string{}
	for _, o := range orders {
		price, wanted := want[o.Kind]
		if wanted && kept[o.Kind] == "" && o.TriggerPrice.Equal(price) && o.Quantity.Equal(rec.Intent.Quantity) {
			kept[o.Kind] = o.Key
			continue
		}
		// Orphaned or out of date.
		if err := r.cancelOrder(ctx, rec.PositionID, o.Key); err != nil {
			return r.failed(ctx, rec, err)
		}
	}
	rec.TPOrderKey, rec.SLOrderKey = kept[TakeProfit], kept[StopLoss]

	for _, kind := range []OrderKind{TakeProfit, StopLoss} {
		if kept[kind] != "" {
			continue
		}
		key, err := r.placeOrder(ctx, rec, kind, want[kind])
		if err != nil {
			return r.failed(ctx, rec, err)
		}
		if kind == TakeProfit {
			rec.TPOrderKey = key
		} else {
			rec.SLOrderKey = key
		}
		// Record each leg as soon as it exists at the venue.
		if err := r.repo.Save(ctx, rec); err != nil {
			return r.failed(ctx, rec, apperr.Internal("protection_store", err))
		}
	}
	return r.settled(ctx, rec, models.ProtectionActive)
}

func (r *Reconciler) settled(ctx context.Context, rec models.ProtectionRecord, status models.ProtectionStatus) (models.ProtectionRecord, error) {
	now := r.now().UTC()
	rec.Status = status
	rec.LastError = ""
	rec.Rejected = false
	rec.RetryAttempts = 0
	rec.LastReconciledAt = &now
	rec.UpdatedAt = now
	if err := r.repo.Save(ctx, rec); err != nil {
		return r.failed(ctx, rec, apperr.Internal("protection_store", err))
	}
	r.dequeue(rec.PositionID)
	return rec, nil
}

// failed records err on the position. Transient failures schedule a bounded
// number of retry passes; permanent rejections do not retry.
func (r *Reconciler) failed(ctx context.Context, rec models.ProtectionRecord, err error) (models.ProtectionRecord, error) {
	now := r.now().UTC()
	rec.Status = models.ProtectionError
	rec.LastError = err.Error()
	rec.LastReconciledAt = &now
	rec.UpdatedAt = now

	transient := apperr.KindOf(err) == apperr.KindUpstream && !apperr.IsPermanent(err)
	rec.Rejected = apperr.IsPermanent(err)
	if transient {
		rec.RetryAttempts++
		if rec.RetryAttempts <= r.opts.MaxRetryPasses {
			r.enqueue(rec.PositionID)
		}
	}

	if serr := r.repo.Save(ctx, rec); serr != nil {
		r.logger.Error().Err(serr).Str("position_id", rec.PositionID).Msg("failed to record protection error")
	}
	r.logger.Warn().
		Err(err).
		Str("position_id", rec.PositionID).
		Bool("transient", transient).
		Int("retry_attempts", rec.RetryAttempts).
		Msg("protection did not converge")
	return rec, err
}

func (r *Reconciler) openOrders(ctx context.Context, positionID string) ([]VenueOrder, error) {
	var orders []VenueOrder
	err := r.call(ctx, "open_orders", func(ctx context.Context) error {
		var err error
		orders, err = r.venue.OpenOrders(ctx, positionID)
		return err
	})
	return orders, err
}

func (r *Reconciler) cancelOrder(ctx context.Context, positionID, key string) error {
	return r.call(ctx, "cancel_order", func(ctx context.Context) error {
		return r.venue.CancelOrder(ctx, positionID, key)
	})
}

func (r *Reconciler) placeOrder(ctx context.Context, rec models.ProtectionRecord, kind OrderKind, price decimal.Decimal) (string, error) {
	req := OrderRequest{
		ClientOrderID: ClientOrderID(rec.PositionID, kind),
		PositionID:    rec.PositionID,
		InstrumentID:  rec.Intent.InstrumentID,
		Kind:          kind,
		Side:          closingSide(rec.Intent.Side),
		Quantity:      rec.Intent.Quantity,
		TriggerPrice:  price,
	}
	var key string
	err := r.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		key, err = r.venue.PlaceOrder(ctx, req)
		return err
	})
	return key, err
}

func (r *Reconciler) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { r.metrics.VenueCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()
	return retry.Do(ctx, r.opts.Retry, "venue_unavailable", fn)
}

// Run reconciles every position each Interval and drains the retry queue each
// RetryInterval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().
		Dur("interval", r.opts.Interval).
		Int("workers", r.opts.Workers).
		Msg("Starting protection reconciler")

	full := time.NewTicker(r.opts.Interval)
	defer full.Stop()
	retries := time.NewTicker(r.opts.RetryInterval)
	defer retries.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Protection reconciler stopped")
			return
		case <-full.C:
			if _, err := r.Reconcile(ctx, nil); err != nil {
				r.logger.Error().Err(err).Msg("reconcile pass failed")
			}
		case <-retries.C:
			ids := r.drain()
			if len(ids) == 0 {
				continue
			}
			r.logger.Debug().Int("positions", len(ids)).Msg("running retry pass")
			if _, err := r.Reconcile(ctx, ids); err != nil {
				r.logger.Error().Err(err).Msg("retry pass failed")
			}
		}
	}
}

func (r *Reconciler) enqueue(positionID string) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if _, ok := r.queue[positionID]; !ok {
		r.queue[positionID] = struct{}{}
		r.metrics.RetryPassesQueued.Inc()
	}
}

func (r *Reconciler) dequeue(positionID string) {
	r.qmu.Lock()
	delete(r.queue, positionID)
	r.qmu.Unlock()
}

func (r *Reconciler) drain() []string {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	ids := make([]string, 0, len(r.queue))
	for id := range r.queue {
		ids = append(ids, id)
	}
	r.queue = make(map[string]struct{})
	return ids
}

// Pending returns the positions waiting for a retry pass.
func (r *Reconciler) Pending() []string {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	ids := make([]string, 0, len(r.queue))
	for id := range r.queue {
		ids = append(ids, id)
	}
	return ids
}

func outcome(rec models.ProtectionRecord, err error) Outcome {
	return Outcome{
		OK:         err == nil,
		Status:     rec.Status,
		TPOrderKey: rec.TPOrderKey,
		SLOrderKey: rec.SLOrderKey,
	}
}

func sameIntent(a, b models.ProtectionIntent) bool {
	return a.InstrumentID == b.InstrumentID &&
		a.Side == b.Side &&
		a.Closed == b.Closed &&
		a.Quantity.Equal(b.Quantity) &&
		a.TakeProfitPrice.Equal(b.TakeProfitPrice) &&
		a.StopLossPrice.Equal(b.StopLossPrice)
}

func closingSide(side string) string {
	if side == "short" {
		return "buy"
	}
	return "sell"
}

func validateIntent(positionID string, intent models.ProtectionIntent) error {
	var fields []string
	if strings.TrimSpace(positionID) == "" {
		fields = append(fields, "position_id")
	}
	if strings.TrimSpace(intent.InstrumentID) == "" {
		fields = append(fields, "instrument_id")
	}
	if intent.Side != "long" && intent.Side != "short" {
		fields = append(fields, "side")
	}
	if !intent.Quantity.IsPositive() {
		fields = append(fields, "quantity")
	}
	if !intent.TakeProfitPrice.IsPositive() {
		fields = append(fields, "take_profit_price")
	}
	if !intent.StopLossPrice.IsPositive() {
		fields = append(fields, "stop_loss_price")
	}
	if intent.Closed {
		fields = append(fields, "closed")
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid_intent", "protection intent is incomplete or malformed", fields...)
	}

	if intent.Side == "long" && !intent.TakeProfitPrice.GreaterThan(intent.StopLossPrice) {
		return apperr.Validation("invalid_intent", fmt.Sprintf("long take-profit %s must be above stop-loss %s",
			intent.TakeProfitPrice, intent.StopLossPrice), "take_profit_price", "stop_loss_price")
	}
	if intent.Side == "short" && !intent.TakeProfitPrice.LessThan(intent.StopLossPrice) {
		return apperr.Validation("invalid_intent", fmt.Sprintf("short take-profit %s must be below stop-loss %s",
			intent.TakeProfitPrice, intent.StopLossPrice), "take_profit_price", "stop_loss_price")
	}
	return nil
}
