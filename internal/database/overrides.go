package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
)

// OverrideRepository stores the override snapshot history in override_snapshots.
// Each published version is one row; the latest row is the current snapshot.
type OverrideRepository struct {
	db *DB
}

// NewOverrideRepository creates the repository.
func NewOverrideRepository(db *DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

const selectSnapshot = `
	SELECT version, cycle_id, updated_at, signature, patches
	FROM override_snapshots
`

// Latest returns the snapshot with the highest version.
func (r *OverrideRepository) Latest(ctx context.Context) (models.OverrideSnapshot, bool, error) {
	row := r.db.conn.QueryRowContext(ctx, selectSnapshot+` ORDER BY version DESC LIMIT 1`)
	return scanSnapshot(row)
}

// ByCycle returns the snapshot published by cycleID.
func (r *OverrideRepository) ByCycle(ctx context.Context, cycleID string) (models.OverrideSnapshot, bool, error) {
	row := r.db.conn.QueryRowContext(ctx, selectSnapshot+` WHERE cycle_id = $1 ORDER BY version DESC LIMIT 1`, cycleID)
	return scanSnapshot(row)
}

// CompareAndSwap inserts next only while expected is still the newest version.
// Two writers racing past the guard collide on the version primary key.
func (r *OverrideRepository) CompareAndSwap(ctx context.Context, expected int64, next models.OverrideSnapshot) error {
	if next.Version != expected+1 {
		return apperr.VersionConflict(expected, nil)
	}
	patches, err := json.Marshal(next.Patches)
	if err != nil {
		return fmt.Errorf("failed to encode patches: %w", err)
	}

	query := `
		INSERT INTO override_snapshots (version, cycle_id, updated_at, signature, patches)
		SELECT $1, $2, $3, $4, $5
		WHERE COALESCE((SELECT MAX(version) FROM override_snapshots), 0) = $6
	`
	res, err := r.db.conn.ExecContext(ctx, query,
		next.Version, next.CycleID, next.UpdatedAt, next.Signature, patches, expected,
	)
	if isUniqueViolation(err) {
		return apperr.VersionConflict(expected, err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert snapshot version %d: %w", next.Version, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert snapshot version %d: %w", next.Version, err)
	}
	if n == 0 {
		return apperr.VersionConflict(expected, nil)
	}
	return nil
}

func scanSnapshot(row *sql.Row) (models.OverrideSnapshot, bool, error) {
	var snap models.OverrideSnapshot
	var patches []byte
	err := row.Scan(&snap.Version, &snap.CycleID, &snap.UpdatedAt, &snap.Signature, &patches)
	if err == sql.ErrNoRows {
		return models.OverrideSnapshot{}, false, nil
	}
	if err != nil {
		return models.OverrideSnapshot{}, false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal(patches, &snap.Patches); err != nil {
		return models.OverrideSnapshot{}, false, fmt.Errorf("failed to decode snapshot %d patches: %w", snap.Version, err)
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, true, nil
}
