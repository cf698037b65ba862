package database

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/audit"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/overrides"
	"github.com/trogers1052/governance-service/internal/protection"
	"github.com/trogers1052/governance-service/internal/telemetry"
)

var (
	_ overrides.Repository  = (*OverrideRepository)(nil)
	_ audit.Repository      = (*AuditRepository)(nil)
	_ telemetry.Repository  = (*TelemetryRepository)(nil)
	_ protection.Repository = (*ProtectionRepository)(nil)
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		conn.Close()
	})
	return Wrap(conn), mock
}

func sampleSnapshot() models.OverrideSnapshot {
	return models.OverrideSnapshot{
		Version:   2,
		UpdatedAt: time.Date(2026, 10, 15, 4, 0, 3, 0, time.UTC),
		CycleID:   "2026101504",
		Signature: "hmac-sha256:ab12",
		Patches: []models.OverridePatch{{
			StrategyID:    "breakout_v1",
			Patch:         map[string]interface{}{"status": "disabled", "enabled": false},
			Reason:        "profit factor below floor",
			Confidence:    0.8,
			Evidence:      []string{"audit:2026101504/breakout_v1"},
			SourceCycleID: "2026101504",
		}},
	}
}

func TestOverrideRepository_CompareAndSwap(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOverrideRepository(db)
	snap := sampleSnapshot()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO override_snapshots")).
		WithArgs(int64(2), "2026101504", snap.UpdatedAt, "hmac-sha256:ab12", sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CompareAndSwap(context.Background(), 1, snap))
}

func TestOverrideRepository_CompareAndSwapConflicts(t *testing.T) {
	t.Run("stale expected version", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec("INSERT INTO override_snapshots").WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewOverrideRepository(db).CompareAndSwap(context.Background(), 1, sampleSnapshot())
		assert.True(t, errors.Is(err, apperr.ErrVersionConflict))
	})

	t.Run("concurrent insert", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec("INSERT INTO override_snapshots").WillReturnError(&pq.Error{Code: "23505"})

		err := NewOverrideRepository(db).CompareAndSwap(context.Background(), 1, sampleSnapshot())
		assert.True(t, errors.Is(err, apperr.ErrVersionConflict))
	})

	t.Run("non-contiguous version", func(t *testing.T) {
		db, _ := newMock(t)
		err := NewOverrideRepository(db).CompareAndSwap(context.Background(), 5, sampleSnapshot())
		assert.True(t, errors.Is(err, apperr.ErrVersionConflict))
	})

	t.Run("database down", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec("INSERT INTO override_snapshots").WillReturnError(errors.New("connection reset"))

		err := NewOverrideRepository(db).CompareAndSwap(context.Background(), 1, sampleSnapshot())
		require.Error(t, err)
		assert.False(t, errors.Is(err, apperr.ErrVersionConflict))
	})
}

func TestOverrideRepository_Latest(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOverrideRepository(db)
	snap := sampleSnapshot()
	patches, err := json.Marshal(snap.Patches)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT version, cycle_id, updated_at, signature, patches").
		WillReturnRows(sqlmock.NewRows([]string{"version", "cycle_id", "updated_at", "signature", "patches"}).
			AddRow(snap.Version, snap.CycleID, snap.UpdatedAt, snap.Signature, patches))

	got, ok, err := repo.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Patches, 1)
	assert.Equal(t, "disabled", got.Patches[0].Patch["status"])

	mock.ExpectQuery("FROM override_snapshots").
		WithArgs("2026101505").
		WillReturnRows(sqlmock.NewRows([]string{"version", "cycle_id", "updated_at", "signature", "patches"}))

	_, ok, err = repo.ByCycle(context.Background(), "2026101505")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuditRepository_Put(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepository(db)
	bundle := models.AuditBundle{CycleID: "2026101504", Status: models.CycleCompleted}

	mock.ExpectExec(regexp.QuoteMeta("WHERE audit_bundles.status NOT IN ('completed', 'failed')")).
		WithArgs("2026101504", "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	written, err := repo.Put(context.Background(), bundle)
	require.NoError(t, err)
	assert.True(t, written)

	mock.ExpectExec("INSERT INTO audit_bundles").WillReturnResult(sqlmock.NewResult(0, 0))
	written, err = repo.Put(context.Background(), bundle)
	require.NoError(t, err)
	assert.False(t, written, "a terminal bundle is not overwritten")
}

func TestAuditRepository_LatestCompleted(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepository(db)

	doc, err := json.Marshal(models.AuditBundle{CycleID: "2026101503", Status: models.CycleCompleted, SnapshotVersion: 4})
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'completed'")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, ok, err := repo.LatestCompleted(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026101503", got.CycleID)
	assert.Equal(t, int64(4), got.SnapshotVersion)

	mock.ExpectQuery("SELECT document FROM audit_bundles").
		WithArgs("2026101599").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))
	_, ok, err = repo.Get(context.Background(), "2026101599")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTelemetryRepository_InsertDedup(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTelemetryRepository(db)
	slip := 12.5
	rec := models.TradeTelemetryRecord{
		SchemaVersion: 1,
		PositionID:    "pos-1",
		TradeID:       "pos-1",
		InstrumentID:  "mint",
		Status:        models.TradeTPHit,
		SlippageBps:   &slip,
		ReceivedAt:    time.Date(2026, 10, 15, 4, 5, 0, 0, time.UTC),
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO NOTHING")).
		WithArgs("pos-1:tp_hit", "pos-1", "pos-1", "mint", "tp_hit", "", "", 12.5, sqlmock.AnyArg(), rec.ReceivedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := repo.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectExec("INSERT INTO trade_telemetry").WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = repo.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestTelemetryRepository_List(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTelemetryRepository(db)

	a, _ := json.Marshal(models.TradeTelemetryRecord{PositionID: "a", Status: models.TradeSLHit, Surface: "perps"})
	b, _ := json.Marshal(models.TradeTelemetryRecord{PositionID: "b", Status: models.TradeTPHit, Surface: "perps"})
	mock.ExpectQuery("SELECT document FROM trade_telemetry").
		WithArgs("perps", "").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(a).AddRow(b))

	recs, err := repo.List(context.Background(), models.TelemetryFilter{Surface: "perps"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[1].PositionID)
}

func TestProtectionRepository_SaveAndGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProtectionRepository(db)
	rec := models.ProtectionRecord{
		PositionID: "pos-1",
		Provider:   "venue-adapter",
		Status:     models.ProtectionError,
		Rejected:   true,
		UpdatedAt:  time.Date(2026, 10, 15, 4, 5, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO protection_records").
		WithArgs("pos-1", "venue-adapter", "error", true, sqlmock.AnyArg(), rec.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Save(context.Background(), rec))

	doc, _ := json.Marshal(rec)
	mock.ExpectQuery("SELECT document FROM protection_records").
		WithArgs("pos-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	got, ok, err := repo.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Rejected)

	mock.ExpectExec("DELETE FROM protection_records").WithArgs("pos-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), "pos-1"))
}
