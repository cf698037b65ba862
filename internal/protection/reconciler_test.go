package protection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/retry"
)

// ---------------------------------------------------------------------------
// Fake venue
// ---------------------------------------------------------------------------

type fakeVenue struct {
	mu       sync.Mutex
	orders   map[string]VenueOrder // key -> order
	byClient map[string]string     // client order id -> key
	seq      int
	failures map[string][]error // op -> errors returned before succeeding
	calls    map[string]int
	pingErr  error
	jitter   bool
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		orders:   make(map[string]VenueOrder),
		byClient: make(map[string]string),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (v *fakeVenue) Provider() string { return "fake" }

func (v *fakeVenue) Ping(context.Context) error { return v.pingErr }

func (v *fakeVenue) enter(op string) error {
	if v.jitter {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[op]++
	if q := v.failures[op]; len(q) > 0 {
		v.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (v *fakeVenue) failNext(op string, errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = append(v.failures[op], errs...)
}

func (v *fakeVenue) callCount(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

func (v *fakeVenue) OpenOrders(_ context.Context, positionID string) ([]VenueOrder, error) {
	if err := v.enter("open_orders"); err != nil {
		return nil, err
	}
	return v.ordersFor(positionID), nil
}

func (v *fakeVenue) ordersFor(positionID string) []VenueOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []VenueOrder
	for _, o := range v.orders {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	return out
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	if err := v.enter("place_order"); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.byClient[req.ClientOrderID]; ok {
		if _, open := v.orders[key]; open {
			return key, nil
		}
	}
	v.seq++
	key := fmt.Sprintf("ord-%d", v.seq)
	v.orders[key] = VenueOrder{Key: key, PositionID: req.PositionID, Kind: req.Kind, Quantity: req.Quantity, TriggerPrice: req.TriggerPrice}
	v.byClient[req.ClientOrderID] = key
	return key, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, _ string, key string) error {
	if err := v.enter("cancel_order"); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.orders, key)
	return nil
}

func (v *fakeVenue) seed(o VenueOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders[o.Key] = o
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testOptions() Options {
	return Options{
		Workers:        4,
		Interval:       time.Hour,
		RetryInterval:  time.Hour,
		MaxRetryPasses: 2,
		Retry:          retry.Policy{MaxAttempts: 2, InitialInterval: time.Microsecond, MaxInterval: time.Microsecond},
	}
}

func newTestReconciler(v Venue) (*Reconciler, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewReconciler(v, repo, testOptions(), nil, zerolog.Nop()), repo
}

func longIntent() models.ProtectionIntent {
	return models.ProtectionIntent{
		InstrumentID:    "SOL-USDC",
		Side:            "long",
		Quantity:        decimal.RequireFromString("12.5"),
		TakeProfitPrice: decimal.RequireFromString("190.25"),
		StopLossPrice:   decimal.RequireFromString("160"),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPreflight(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)

	res := r.Preflight(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, "fake", res.Provider)
	assert.False(t, res.CheckedAt.IsZero())

	v.pingErr = errors.New("invalid api key")
	res = r.Preflight(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Diagnostic, "invalid api key")

	recs, _ := repo.List(context.Background())
	assert.Empty(t, recs)
}

func TestActivate_PlacesPairAndIsIdempotent(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)
	ctx := context.Background()

	out, err := r.Activate(ctx, "pos-1", longIntent())
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, models.ProtectionActive, out.Status)
	assert.NotEmpty(t, out.TPOrderKey)
	assert.NotEmpty(t, out.SLOrderKey)

	orders := v.ordersFor("pos-1")
	require.Len(t, orders, 2)
	for _, o := range orders {
		if o.Kind == TakeProfit {
			assert.True(t, o.TriggerPrice.Equal(decimal.RequireFromString("190.25")))
		} else {
			assert.True(t, o.TriggerPrice.Equal(decimal.NewFromInt(160)))
		}
	}

	again, err := r.Activate(ctx, "pos-1", longIntent())
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, 2, v.callCount("place_order"))

	rec, ok, err := repo.Get(ctx, "pos-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fake", rec.Provider)
	assert.NotNil(t, rec.LastReconciledAt)
}

func TestActivate_ChangedIntentReplacesOrders(t *testing.T) {
	v := newFakeVenue()
	r, _ := newTestReconciler(v)
	ctx := context.Background()

	first, err := r.Activate(ctx, "pos-1", longIntent())
	require.NoError(t, err)

	moved := longIntent()
	moved.StopLossPrice = decimal.RequireFromString("170")
	second, err := r.Activate(ctx, "pos-1", moved)
	require.NoError(t, err)

	assert.Equal(t, first.TPOrderKey, second.TPOrderKey, "unchanged leg is kept")
	assert.NotEqual(t, first.SLOrderKey, second.SLOrderKey)
	assert.Len(t, v.ordersFor("pos-1"), 2)
}

func TestActivate_RejectsInvalidIntent(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)

	cases := map[string]func(i *models.ProtectionIntent){
		"missing instrument": func(i *models.ProtectionIntent) { i.InstrumentID = "" },
		"bad side":           func(i *models.ProtectionIntent) { i.Side = "sideways" },
		"zero quantity":      func(i *models.ProtectionIntent) { i.Quantity = decimal.Zero },
		"inverted long":      func(i *models.ProtectionIntent) { i.StopLossPrice = decimal.NewFromInt(200) },
		"closed":             func(i *models.ProtectionIntent) { i.Closed = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			intent := longIntent()
			mutate(&intent)
			out, err := r.Activate(context.Background(), "pos-1", intent)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
			assert.False(t, out.OK)
		})
	}

	assert.Zero(t, v.callCount("open_orders"))
	recs, _ := repo.List(context.Background())
	assert.Empty(t, recs)
}

func TestActivate_ShortSide(t *testing.T) {
	v := newFakeVenue()
	r, _ := newTestReconciler(v)

	intent := longIntent()
	intent.Side = "short"
	intent.TakeProfitPrice, intent.StopLossPrice = intent.StopLossPrice, intent.TakeProfitPrice

	out, err := r.Activate(context.Background(), "pos-s", intent)
	require.NoError(t, err)
	assert.Equal(t, models.ProtectionActive, out.Status)
}

func TestCancel(t *testing.T) {
	v := newFakeVenue()
	r, _ := newTestReconciler(v)
	ctx := context.Background()

	out, err := r.Cancel(ctx, "unknown", "closed")
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, models.ProtectionNone, out.Status)

	_, err = r.Activate(ctx, "pos-1", longIntent())
	require.NoError(t, err)

	out, err = r.Cancel(ctx, "pos-1", "position closed")
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, models.ProtectionCancelled, out.Status)
	assert.Empty(t, v.ordersFor("pos-1"))

	cancels := v.callCount("cancel_order")
	again, err := r.Cancel(ctx, "pos-1", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, cancels, v.callCount("cancel_order"))
}

func TestReconcile_CreatesMissingOrders(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, models.ProtectionRecord{
		PositionID: "pos-1", Provider: "fake", Status: models.ProtectionPending, Intent: longIntent(),
	}))

	res, err := r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Len(t, res.Records, 1)
	assert.Equal(t, models.ProtectionActive, res.Records[0].Status)
	assert.Len(t, v.ordersFor("pos-1"), 2)
}

func TestReconcile_ClosedPositionWithStaleOrders(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)
	ctx := context.Background()

	intent := longIntent()
	intent.Closed = true
	require.NoError(t, repo.Save(ctx, models.ProtectionRecord{
		PositionID: "pos-1", Provider: "fake", Status: models.ProtectionActive, Intent: intent,
		TPOrderKey: "old-tp", SLOrderKey: "old-sl",
	}))
	v.seed(VenueOrder{Key: "old-tp", PositionID: "pos-1", Kind: TakeProfit})
	v.seed(VenueOrder{Key: "old-sl", PositionID: "pos-1", Kind: StopLoss})

	res, err := r.Reconcile(ctx, []string{"pos-1"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, models.ProtectionCancelled, res.Records[0].Status)
	assert.Empty(t, v.ordersFor("pos-1"))

	_, ok, _ := repo.Get(ctx, "pos-1")
	assert.True(t, ok, "targeted passes keep the record")

	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	_, ok, _ = repo.Get(ctx, "pos-1")
	assert.False(t, ok, "full pass prunes confirmed cancellations")
}

func TestReconcile_ReplacesOrphanedOrders(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, models.ProtectionRecord{
		PositionID: "pos-1", Status: models.ProtectionActive, Intent: longIntent(),
	}))
	v.seed(VenueOrder{Key: "stray", PositionID: "pos-1", Kind: StopLoss, Quantity: decimal.RequireFromString("12.5"), TriggerPrice: decimal.NewFromInt(150)})

	res, err := r.Reconcile(ctx, []string{"pos-1"})
	require.NoError(t, err)
	rec := res.Records[0]
	assert.Equal(t, models.ProtectionActive, rec.Status)
	assert.NotEqual(t, "stray", rec.SLOrderKey)
	assert.Len(t, v.ordersFor("pos-1"), 2)
}

func TestReconcile_UnknownPosition(t *testing.T) {
	r, _ := newTestReconciler(newFakeVenue())

	res, err := r.Reconcile(context.Background(), []string{"ghost"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, models.ProtectionNone, res.Records[0].Status)
}

func TestTransientErrorSchedulesBoundedRetry(t *testing.T) {
	v := newFakeVenue()
	r, _ := newTestReconciler(v)
	ctx := context.Background()

	down := apperr.Upstream("venue", errors.New("503"))
	v.failNext("place_order", down, down)

	out, err := r.Activate(ctx, "pos-1", longIntent())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.False(t, out.OK)
	assert.Equal(t, models.ProtectionError, out.Status)
	assert.Equal(t, []string{"pos-1"}, r.Pending())

	res, err := r.Reconcile(ctx, r.drain())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, models.ProtectionActive, res.Records[0].Status)
	assert.Empty(t, r.Pending())
	assert.Equal(t, 0, res.Records[0].RetryAttempts)
}

func TestTransientErrorRetryBudget(t *testing.T) {
	v := newFakeVenue()
	r, _ := newTestReconciler(v)
	ctx := context.Background()

	down := apperr.Upstream("venue", errors.New("timeout"))
	for i := 0; i < 20; i++ {
		v.failNext("open_orders", down)
	}

	_, err := r.Activate(ctx, "pos-1", longIntent())
	require.Error(t, err)

	passes := 0
	for ids := r.drain(); len(ids) > 0; ids = r.drain() {
		passes++
		_, err := r.Reconcile(ctx, ids)
		require.NoError(t, err)
		require.Less(t, passes, 10)
	}
	assert.Equal(t, testOptions().MaxRetryPasses, passes)
}

func TestPermanentRejectionDoesNotRetry(t *testing.T) {
	v := newFakeVenue()
	r, repo := newTestReconciler(v)
	ctx := context.Background()

	v.failNext("place_order", apperr.Rejected("venue_rejected", "invalid position"))

	out, err := r.Activate(ctx, "pos-1", longIntent())
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, models.ProtectionError, out.Status)
	assert.Empty(t, r.Pending())
	assert.Equal(t, 1, v.callCount("place_order"))

	rec, _, _ := repo.Get(ctx, "pos-1")
	assert.True(t, rec.Rejected)

	calls := v.callCount("open_orders")
	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, calls, v.callCount("open_orders"), "full pass skips rejected positions")
}

func TestConcurrentActivateCancelLeavesNoDanglingOrders(t *testing.T) {
	v := newFakeVenue()
	v.jitter = true
	r, repo := newTestReconciler(v)
	ctx := context.Background()

	const positions = 40
	var wg sync.WaitGroup
	for i := 0; i < positions; i++ {
		id := fmt.Sprintf("pos-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Activate(ctx, id, longIntent())
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Cancel(ctx, id, "race")
		}()
	}
	wg.Wait()

	for i := 0; i < positions; i++ {
		id := fmt.Sprintf("pos-%d", i)
		orders := v.ordersFor(id)
		rec, ok, err := repo.Get(ctx, id)
		require.NoError(t, err)

		if !ok {
			assert.Empty(t, orders, "%s: venue orders without a record", id)
			continue
		}
		switch rec.Status {
		case models.ProtectionActive:
			require.Len(t, orders, 2, id)
			keys := map[string]bool{rec.TPOrderKey: true, rec.SLOrderKey: true}
			for _, o := range orders {
				assert.True(t, keys[o.Key], "%s: order %s not tracked", id, o.Key)
			}
		case models.ProtectionCancelled:
			assert.Empty(t, orders, id)
		default:
			t.Errorf("%s: unexpected status %s", id, rec.Status)
		}
	}
	assert.Zero(t, r.locks.size())
}

func TestRun_DrainsRetryQueue(t *testing.T) {
	v := newFakeVenue()
	repo := NewMemoryRepository()
	opts := testOptions()
	opts.RetryInterval = 5 * time.Millisecond
	r := NewReconciler(v, repo, opts, nil, zerolog.Nop())

	down := apperr.Upstream("venue", errors.New("503"))
	v.failNext("open_orders", down, down)
	_, err := r.Activate(context.Background(), "pos-1", longIntent())
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	assert.Eventually(t, func() bool {
		rec, ok, _ := repo.Get(context.Background(), "pos-1")
		return ok && rec.Status == models.ProtectionActive
	}, 2*time.Second, 5*time.Millisecond)
}
