package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trogers1052/governance-service/internal/models"
)

// ProtectionRepository stores protection records in protection_records.
type ProtectionRepository struct {
	db *DB
}

// NewProtectionRepository creates the repository.
func NewProtectionRepository(db *DB) *ProtectionRepository {
	return &ProtectionRepository{db: db}
}

// Get returns the record for positionID.
func (r *ProtectionRepository) Get(ctx context.Context, positionID string) (models.ProtectionRecord, bool, error) {
	var doc []byte
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT document FROM protection_records WHERE position_id = $1`, positionID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return models.ProtectionRecord{}, false, nil
	}
	if err != nil {
		return models.ProtectionRecord{}, false, fmt.Errorf("failed to get protection %s: %w", positionID, err)
	}

	var rec models.ProtectionRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return models.ProtectionRecord{}, false, fmt.Errorf("failed to decode protection %s: %w", positionID, err)
	}
	return rec, true, nil
}

// Save upserts rec.
func (r *ProtectionRepository) Save(ctx context.Context, rec models.ProtectionRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode protection %s: %w", rec.PositionID, err)
	}

	query := `
		INSERT INTO protection_records (position_id, provider, status, rejected, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (position_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			status = EXCLUDED.status,
			rejected = EXCLUDED.rejected,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.conn.ExecContext(ctx, query,
		rec.PositionID, rec.Provider, string(rec.Status), rec.Rejected, doc, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save protection %s: %w", rec.PositionID, err)
	}
	return nil
}

// Delete removes the record for positionID.
func (r *ProtectionRepository) Delete(ctx context.Context, positionID string) error {
	_, err := r.db.conn.ExecContext(ctx, `DELETE FROM protection_records WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("failed to delete protection %s: %w", positionID, err)
	}
	return nil
}

// List returns every record ordered by position id.
func (r *ProtectionRepository) List(ctx context.Context) ([]models.ProtectionRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT document FROM protection_records ORDER BY position_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list protection records: %w", err)
	}
	defer rows.Close()

	var out []models.ProtectionRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan protection record: %w", err)
		}
		var rec models.ProtectionRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode protection record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
