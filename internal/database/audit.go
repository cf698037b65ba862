package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trogers1052/governance-service/internal/models"
)

// AuditRepository stores one bundle per cycle in audit_bundles.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates the repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Get returns the bundle for cycleID.
func (r *AuditRepository) Get(ctx context.Context, cycleID string) (models.AuditBundle, bool, error) {
	row := r.db.conn.QueryRowContext(ctx, `SELECT document FROM audit_bundles WHERE cycle_id = $1`, cycleID)
	return scanBundle(row)
}

// Put upserts bundle. The conflict clause leaves terminal bundles untouched,
// which is reported as written=false.
func (r *AuditRepository) Put(ctx context.Context, bundle models.AuditBundle) (bool, error) {
	doc, err := json.Marshal(bundle)
	if err != nil {
		return false, fmt.Errorf("failed to encode bundle %s: %w", bundle.CycleID, err)
	}

	query := `
		INSERT INTO audit_bundles (cycle_id, status, document, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cycle_id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
		WHERE audit_bundles.status NOT IN ('completed', 'failed')
	`
	res, err := r.db.conn.ExecContext(ctx, query, bundle.CycleID, string(bundle.Status), doc)
	if err != nil {
		return false, fmt.Errorf("failed to upsert bundle %s: %w", bundle.CycleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to upsert bundle %s: %w", bundle.CycleID, err)
	}
	return n > 0, nil
}

// LatestCompleted returns the completed bundle with the greatest cycle id.
func (r *AuditRepository) LatestCompleted(ctx context.Context) (models.AuditBundle, bool, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT document FROM audit_bundles
		WHERE status = 'completed'
		ORDER BY cycle_id DESC
		LIMIT 1
	`)
	return scanBundle(row)
}

func scanBundle(row *sql.Row) (models.AuditBundle, bool, error) {
	var doc []byte
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return models.AuditBundle{}, false, nil
	}
	if err != nil {
		return models.AuditBundle{}, false, fmt.Errorf("failed to get bundle: %w", err)
	}

	var bundle models.AuditBundle
	if err := json.Unmarshal(doc, &bundle); err != nil {
		return models.AuditBundle{}, false, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return bundle, true, nil
}
